package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	phx "github.com/go-phx-channels/phxchannels"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phxchat",
		Short: "Chat on a Phoenix channel from the terminal",
		Long: "Joins a topic on a Phoenix endpoint, sends every stdin line as a new_msg push\n" +
			"and prints broadcasts and presence changes. Type /who to list members and /quit to leave.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         runChat,
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a TOML config file")
	flags.String("endpoint", "", "websocket endpoint, e.g. ws://localhost:4000/socket/websocket")
	flags.String("topic", "", "topic to join")
	flags.String("user", "", "user name sent with the join and every message")
	flags.String("transport", "", "websocket implementation: gorilla or nhooyr")
	flags.String("metrics-addr", "", "serve /metrics, /presence and /status on this address")
	flags.Duration("status-interval", 0, "log the connection status on this interval")
	flags.Bool("debug", false, "enable debug logging")

	return cmd
}

// resolveConfig layers defaults, the config file and explicitly set flags.
func resolveConfig(cmd *cobra.Command) (chatConfig, error) {
	flags := cmd.Flags()
	cfg := defaultChatConfig()

	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := loadChatConfig(path, cfg)
		if err != nil {
			return chatConfig{}, err
		}
		cfg = loaded
	}

	if flags.Changed("endpoint") {
		cfg.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("topic") {
		cfg.Topic, _ = flags.GetString("topic")
	}
	if flags.Changed("user") {
		cfg.User, _ = flags.GetString("user")
	}
	if flags.Changed("transport") {
		transport, _ := flags.GetString("transport")
		cfg.Transport = strings.ToLower(transport)
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("status-interval") {
		cfg.StatusInterval, _ = flags.GetDuration("status-interval")
	}
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}

	return cfg, cfg.validate()
}

func initLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "phxchat").Logger()
}

func transportFactory(name string) phx.TransportFactory {
	if name == "nhooyr" {
		return func() phx.Transport { return phx.NewNhooyrTransport(nil, 0) }
	}
	return func() phx.Transport { return phx.NewGorillaTransport(nil) }
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := initLogger(cmd.ErrOrStderr(), cfg.Debug)
	out := cmd.OutOrStdout()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	params := make(map[string]interface{}, len(cfg.Params))
	for key, value := range cfg.Params {
		params[key] = value
	}

	socket := phx.NewSocket(cfg.Endpoint, &phx.SocketOptions{
		Timeout:              cfg.Timeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               &logger,
		Params:               params,
		Transport:            transportFactory(cfg.Transport),
		Metrics:              phx.NewMetrics(phx.WithRegistry(registry)),
	})

	socket.OnOpen(func() {
		logger.Info().Str("endpoint", cfg.Endpoint).Msg("connected")
	})
	socket.OnClose(func(event phx.CloseEvent) {
		logger.Warn().Int("code", event.Code).Str("reason", event.Reason).Msg("disconnected")
	})
	socket.OnError(func(err error) {
		logger.Error().Err(err).Msg("socket error")
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := socket.Connect(ctx); err != nil {
		return err
	}
	defer socket.Disconnect()

	channel := socket.Channel(cfg.Topic, map[string]interface{}{"user": cfg.User})
	presence := phx.NewPresence(channel)
	presence.OnJoin(func(key string, current, _ *phx.PresenceEntry) {
		if current == nil {
			fmt.Fprintf(out, "* %s joined\n", key)
		}
	})
	presence.OnLeave(func(key string, current, _ *phx.PresenceEntry) {
		if len(current.Metas) == 0 {
			fmt.Fprintf(out, "* %s left\n", key)
		}
	})
	channel.On("new_msg", func(payload interface{}) {
		fmt.Fprintln(out, formatMessage(time.Now(), payload))
	})

	channel.Join().
		Receive(phx.StatusOK, func(interface{}) {
			logger.Info().Str("topic", cfg.Topic).Str("user", cfg.User).Msg("joined")
		}).
		Receive(phx.StatusError, func(reason interface{}) {
			logger.Error().Str("topic", cfg.Topic).Interface("reason", reason).Msg("join rejected, retrying")
		}).
		Receive(phx.StatusTimeout, func(interface{}) {
			logger.Warn().Str("topic", cfg.Topic).Msg("join timed out, retrying")
		})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newAdminRouter(registry, socket, channel, presence),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("admin server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("admin server listening")
	}

	if cfg.StatusInterval > 0 {
		go reportStatus(ctx, logger, socket, channel, cfg.StatusInterval)
	}

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				leave(channel, cfg.Timeout)
				return nil
			}
			if !handleLine(out, logger, channel, presence, cfg.User, line) {
				leave(channel, cfg.Timeout)
				return nil
			}
		}
	}
}

// handleLine acts on one line of input and reports whether to keep reading.
func handleLine(out io.Writer, logger zerolog.Logger, channel *phx.Channel, presence *phx.Presence, user, line string) bool {
	text := strings.TrimSpace(line)
	switch text {
	case "":
		return true
	case "/quit", "/exit":
		return false
	case "/who":
		for _, name := range phx.ListBy(presence.State(), func(key string, entry *phx.PresenceEntry) string {
			return fmt.Sprintf("%s (%d)", key, len(entry.Metas))
		}) {
			fmt.Fprintln(out, name)
		}
		return true
	}

	channel.Push("new_msg", map[string]interface{}{
		"body": text,
		"user": user,
	}).Receive(phx.StatusError, func(reason interface{}) {
		logger.Error().Interface("reason", reason).Msg("message rejected")
	}).Receive(phx.StatusTimeout, func(interface{}) {
		logger.Warn().Msg("message timed out")
	})
	return true
}

func formatMessage(at time.Time, payload interface{}) string {
	msg, ok := payload.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("[%s] %v", at.Format("15:04:05"), payload)
	}
	return fmt.Sprintf("[%s] %v: %v", at.Format("15:04:05"), msg["user"], msg["body"])
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// leave waits up to timeout for the server to acknowledge the leave.
func leave(channel *phx.Channel, timeout time.Duration) {
	done := make(chan struct{})
	channel.Leave().Receive(phx.StatusOK, func(interface{}) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func reportStatus(ctx context.Context, logger zerolog.Logger, socket *phx.Socket, channel *phx.Channel, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info().
				Str("socket", socket.ConnectionState().String()).
				Str("channel", channel.State().String()).
				Msg("status")
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
