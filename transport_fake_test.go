package gophxchannels

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport driven by tests.
type fakeTransport struct {
	connectErr error
	// gate, when set, holds Connect until it is closed. Unless ignoreCtx is
	// set, a cancelled dial context releases Connect early.
	gate      chan struct{}
	ignoreCtx bool

	mu          sync.Mutex
	url         string
	sent        [][]byte
	closeCode   int
	closeReason string

	inbound   chan []byte
	remote    chan error
	closed    chan struct{}
	closeOnce sync.Once
	open      atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		remote:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, url string) error {
	f.mu.Lock()
	f.url = url
	f.mu.Unlock()
	if f.gate != nil {
		if f.ignoreCtx {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.open.Store(true)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	if !f.open.Load() {
		return ErrTransportClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case err := <-f.remote:
		f.open.Store(false)
		return nil, err
	case <-f.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		f.open.Store(false)
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	return f.open.Load()
}

// deliver queues msg as an inbound frame.
func (f *fakeTransport) deliver(t *testing.T, msg *Message) {
	t.Helper()
	data, err := NewSerializer().Encode(msg)
	require.NoError(t, err)
	f.inbound <- data
}

// fail makes the pending Receive return err, as if the peer went away.
func (f *fakeTransport) fail(err error) {
	f.remote <- err
}

func (f *fakeTransport) sentMessages(t *testing.T) []*Message {
	t.Helper()
	f.mu.Lock()
	frames := make([][]byte, len(f.sent))
	copy(frames, f.sent)
	f.mu.Unlock()

	messages := make([]*Message, 0, len(frames))
	for _, data := range frames {
		msg, err := NewSerializer().Decode(data)
		require.NoError(t, err)
		messages = append(messages, msg)
	}
	return messages
}

func (f *fakeTransport) sentEvents(t *testing.T) []string {
	t.Helper()
	var events []string
	for _, msg := range f.sentMessages(t) {
		events = append(events, msg.Event)
	}
	return events
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out a fresh fakeTransport per connect attempt.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	connectErr error
	gate       chan struct{}
	ignoreCtx  bool
}

func (d *fakeDialer) factory() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := newFakeTransport()
	t.connectErr = d.connectErr
	t.gate = d.gate
	t.ignoreCtx = d.ignoreCtx
	d.transports = append(d.transports, t)
	return t
}

func (d *fakeDialer) setConnectErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// holdConnects makes later dials block until the returned channel is closed.
func (d *fakeDialer) holdConnects(ignoreCtx bool) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
	d.ignoreCtx = ignoreCtx
	return d.gate
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// newTestSocket returns a socket on fake transports with heartbeats off and
// reconnects far in the future, unless opts says otherwise.
func newTestSocket(t *testing.T, opts *SocketOptions) (*Socket, *fakeDialer) {
	t.Helper()
	if opts == nil {
		opts = &SocketOptions{}
	}
	dialer := &fakeDialer{}
	opts.Transport = dialer.factory
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = -1
	}
	if opts.ReconnectAfterMs == nil {
		opts.ReconnectAfterMs = func(int) time.Duration { return time.Hour }
	}
	socket := NewSocket("ws://localhost:4000/socket/websocket", opts)
	t.Cleanup(func() {
		socket.Disconnect()
	})
	return socket, dialer
}

func connectTestSocket(t *testing.T, opts *SocketOptions) (*Socket, *fakeDialer) {
	t.Helper()
	socket, dialer := newTestSocket(t, opts)
	require.NoError(t, socket.Connect(context.Background()))
	require.True(t, socket.IsConnected())
	return socket, dialer
}
