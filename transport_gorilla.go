package gophxchannels

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaTransport is the default Transport, backed by gorilla/websocket.
type GorillaTransport struct {
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn
	open    atomic.Bool
	closed  atomic.Bool
}

// NewGorillaTransport creates a transport using the given dialer, or
// websocket.DefaultDialer when nil.
func NewGorillaTransport(dialer *websocket.Dialer) *GorillaTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &GorillaTransport{dialer: dialer}
}

// Connect dials the endpoint.
func (t *GorillaTransport) Connect(ctx context.Context, url string) error {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	t.open.Store(true)
	return nil
}

// Send writes one text frame.
func (t *GorillaTransport) Send(ctx context.Context, data []byte) error {
	if !t.open.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next complete frame.
func (t *GorillaTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrTransportClosed
	}

	_, data, err := t.conn.ReadMessage()
	if err != nil {
		t.open.Store(false)
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Close sends a close frame and tears down the connection.
func (t *GorillaTransport) Close(code int, reason string) error {
	if t.conn == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.open.Store(false)

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage, message, deadline)

	return t.conn.Close()
}

// IsOpen reports whether the connection is usable.
func (t *GorillaTransport) IsOpen() bool {
	return t.open.Load()
}
