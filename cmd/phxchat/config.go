package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type chatConfig struct {
	Endpoint             string
	Topic                string
	User                 string
	Transport            string
	Timeout              time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	MetricsAddr          string
	StatusInterval       time.Duration
	Debug                bool
	Params               map[string]string
}

func defaultChatConfig() chatConfig {
	return chatConfig{
		Endpoint:          "ws://localhost:4000/socket/websocket",
		Topic:             "room:lobby",
		User:              "user",
		Transport:         "gorilla",
		Timeout:           10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		Params:            map[string]string{},
	}
}

type fileConfig struct {
	Endpoint             string            `toml:"endpoint"`
	Topic                string            `toml:"topic"`
	User                 string            `toml:"user"`
	Transport            string            `toml:"transport"`
	Timeout              string            `toml:"timeout"`
	HeartbeatInterval    string            `toml:"heartbeat_interval"`
	MaxReconnectAttempts int               `toml:"max_reconnect_attempts"`
	MetricsAddr          string            `toml:"metrics_addr"`
	StatusInterval       string            `toml:"status_interval"`
	Debug                bool              `toml:"debug"`
	Params               map[string]string `toml:"params"`
}

// loadChatConfig overlays the keys present in the TOML file at path onto cfg.
func loadChatConfig(path string, cfg chatConfig) (chatConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return chatConfig{}, fmt.Errorf("load chat config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return chatConfig{}, fmt.Errorf("load chat config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("endpoint") {
		if v := strings.TrimSpace(raw.Endpoint); v != "" {
			cfg.Endpoint = v
		}
	}
	if meta.IsDefined("topic") {
		if v := strings.TrimSpace(raw.Topic); v != "" {
			cfg.Topic = v
		}
	}
	if meta.IsDefined("user") {
		if v := strings.TrimSpace(raw.User); v != "" {
			cfg.User = v
		}
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return chatConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return chatConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("status_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StatusInterval))
		if err != nil {
			return chatConfig{}, fmt.Errorf("parse status_interval: %w", err)
		}
		cfg.StatusInterval = d
	}
	if meta.IsDefined("debug") {
		cfg.Debug = raw.Debug
	}
	if meta.IsDefined("params") {
		params := make(map[string]string, len(raw.Params))
		for key, value := range raw.Params {
			params[key] = value
		}
		cfg.Params = params
	}

	return cfg, cfg.validate()
}

func (c chatConfig) validate() error {
	switch c.Transport {
	case "gorilla", "nhooyr":
	default:
		return fmt.Errorf("unknown transport %q (want gorilla or nhooyr)", c.Transport)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative")
	}
	return nil
}
