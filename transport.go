package gophxchannels

import (
	"context"
	"errors"
	"fmt"
)

// WebSocket close codes used by the socket.
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

// ErrTransportClosed is returned by Receive and Send once the transport was
// closed locally.
var ErrTransportClosed = errors.New("transport closed")

// CloseError is returned by Receive when the peer closed the connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Reason)
}

// Transport is a message-oriented bidirectional connection. Receive returns
// one complete frame; implementations assemble fragmented frames themselves.
// Send and Close may be called concurrently with Receive.
type Transport interface {
	Connect(ctx context.Context, url string) error
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
	IsOpen() bool
}

// TransportFactory creates a fresh, unconnected transport for each attempt.
type TransportFactory func() Transport
