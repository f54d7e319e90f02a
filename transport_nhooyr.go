package gophxchannels

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"nhooyr.io/websocket"
)

// NhooyrTransport is a Transport backed by nhooyr.io/websocket. Unlike the
// gorilla transport its reads honour the context passed to Receive.
type NhooyrTransport struct {
	options   *websocket.DialOptions
	readLimit int64

	conn   *websocket.Conn
	open   atomic.Bool
	closed atomic.Bool
}

// NewNhooyrTransport creates a transport with optional dial options.
// readLimit caps the size of a single inbound frame; 0 keeps the library default.
func NewNhooyrTransport(options *websocket.DialOptions, readLimit int64) *NhooyrTransport {
	return &NhooyrTransport{options: options, readLimit: readLimit}
}

// Connect dials the endpoint.
func (t *NhooyrTransport) Connect(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, t.options)
	if err != nil {
		return err
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	t.conn = conn
	t.open.Store(true)
	return nil
}

// Send writes one text frame.
func (t *NhooyrTransport) Send(ctx context.Context, data []byte) error {
	if !t.open.Load() {
		return ErrTransportClosed
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Receive blocks for the next complete frame or until ctx is done.
func (t *NhooyrTransport) Receive(ctx context.Context) ([]byte, error) {
	if t.conn == nil {
		return nil, ErrTransportClosed
	}

	_, data, err := t.conn.Read(ctx)
	if err != nil {
		t.open.Store(false)
		if t.closed.Load() {
			return nil, ErrTransportClosed
		}
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

// Close performs the closing handshake.
func (t *NhooyrTransport) Close(code int, reason string) error {
	if t.conn == nil || !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.open.Store(false)
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// IsOpen reports whether the connection is usable.
func (t *NhooyrTransport) IsOpen() bool {
	return t.open.Load()
}
