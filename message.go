package gophxchannels

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message represents a Phoenix channel message
type Message struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref"`
}

// wireMessage is the on-the-wire form; a missing ref travels as null.
type wireMessage struct {
	Topic   *string         `json:"topic"`
	Event   *string         `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// ErrEmptyMessage is returned when decoding an empty frame.
var ErrEmptyMessage = errors.New("empty message")

// Serializer handles encoding/decoding of Phoenix messages
type Serializer struct{}

// NewSerializer creates a new serializer instance
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode encodes a message for transmission
func (s *Serializer) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	out := struct {
		Topic   string      `json:"topic"`
		Event   string      `json:"event"`
		Payload interface{} `json:"payload"`
		Ref     *string     `json:"ref"`
	}{
		Topic:   msg.Topic,
		Event:   msg.Event,
		Payload: msg.Payload,
	}
	if msg.Ref != "" {
		ref := msg.Ref
		out.Ref = &ref
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a received message
func (s *Serializer) Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	var raw wireMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if raw.Topic == nil {
		return nil, fmt.Errorf("invalid message format: missing topic")
	}
	if raw.Event == nil {
		return nil, fmt.Errorf("invalid message format: missing event")
	}

	msg := &Message{
		Topic: *raw.Topic,
		Event: *raw.Event,
	}
	if raw.Ref != nil {
		msg.Ref = *raw.Ref
	}
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, &msg.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
	}

	return msg, nil
}

// ReplyPayload represents the structure of a reply payload
type ReplyPayload struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

// parseReply extracts the status and response from a phx_reply payload.
func parseReply(payload interface{}) (*ReplyPayload, error) {
	switch p := payload.(type) {
	case *ReplyPayload:
		if p == nil {
			return nil, fmt.Errorf("invalid reply payload format")
		}
		return p, nil
	case map[string]interface{}:
		status, ok := p["status"].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid status in reply")
		}
		return &ReplyPayload{
			Status:   status,
			Response: p["response"],
		}, nil
	default:
		return nil, fmt.Errorf("invalid reply payload format")
	}
}
