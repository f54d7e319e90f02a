package gophxchannels

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrConnectAborted is returned by Connect when Disconnect was called while
// the dial was still in flight.
var ErrConnectAborted = errors.New("disconnected while connecting")

// SocketOptions configures the socket behavior
type SocketOptions struct {
	// Timeout for push operations (default: 10 seconds)
	Timeout time.Duration

	// HeartbeatInterval for sending heartbeats (default: 5 seconds).
	// A negative value disables heartbeats.
	HeartbeatInterval time.Duration

	// ReconnectAfterMs returns the delay before reconnect attempt number tries (1-based)
	ReconnectAfterMs func(tries int) time.Duration

	// Logger receives protocol diagnostics (default: disabled)
	Logger *zerolog.Logger

	// Parameters to send on connect
	Params map[string]interface{}

	// VSN is the protocol version (default: "1.0.0")
	VSN string

	// ReconnectEnabled controls automatic reconnection (default: true)
	ReconnectEnabled *bool

	// MaxReconnectAttempts limits reconnection attempts (0 = unlimited)
	MaxReconnectAttempts int

	// Transport creates the underlying connection (default: gorilla/websocket)
	Transport TransportFactory

	// Metrics receives socket metrics (default: none)
	Metrics *Metrics

	// Tracer traces push round trips (default: the global otel tracer)
	Tracer trace.Tracer

	// FlushRate paces the replay of sends buffered while offline.
	// Zero replays the buffer as fast as the transport accepts it.
	FlushRate  rate.Limit
	FlushBurst int
}

// DefaultReconnectAfterMs returns the default reconnect backoff: 1s, 2s, 5s,
// then 10s for every further attempt.
func DefaultReconnectAfterMs(tries int) time.Duration {
	intervals := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
	}

	if tries < 1 {
		tries = 1
	}
	if tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return intervals[len(intervals)-1]
}

// setDefaultOptions sets default values for unspecified options
func setDefaultOptions(options *SocketOptions) {
	if options.Timeout == 0 {
		options.Timeout = DefaultTimeout
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.ReconnectAfterMs == nil {
		options.ReconnectAfterMs = DefaultReconnectAfterMs
	}
	if options.VSN == "" {
		options.VSN = VSN
	}
	if options.Params == nil {
		options.Params = make(map[string]interface{})
	}
	// ReconnectEnabled defaults to true
	if options.ReconnectEnabled == nil {
		enabled := true
		options.ReconnectEnabled = &enabled
	}
	if options.Transport == nil {
		options.Transport = func() Transport { return NewGorillaTransport(nil) }
	}
	if options.Logger == nil {
		nop := zerolog.Nop()
		options.Logger = &nop
	}
	if options.Tracer == nil {
		options.Tracer = otel.Tracer("github.com/go-phx-channels/phxchannels")
	}
	if options.FlushRate > 0 && options.FlushBurst < 1 {
		options.FlushBurst = 1
	}
}

// SocketState represents the state of the socket connection
type SocketState int

const (
	StateClosed SocketState = iota
	StateConnecting
	StateOpen
)

// String returns the string representation of the socket state
func (s SocketState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CloseEvent describes why a connection ended.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// Socket owns one transport and multiplexes channels over it. It reconnects
// with backoff, sends heartbeats and buffers sends while offline.
type Socket struct {
	id         string
	endpoint   string
	options    *SocketOptions
	logger     zerolog.Logger
	serializer *Serializer
	limiter    *rate.Limiter

	mu                  sync.Mutex
	conn                Transport
	connCancel          context.CancelFunc
	connecting          bool
	dialCancel          context.CancelFunc
	dialAborted         bool
	flushing            bool
	manualClose         bool
	channels            []*Channel
	sendBuffer          []func(Transport)
	ref                 uint64
	pendingHeartbeatRef string
	reconnectTries      int

	heartbeatTimer intervalTask
	reconnectTimer scheduledTask

	callbacksMu      sync.RWMutex
	openCallbacks    []func()
	closeCallbacks   []func(CloseEvent)
	errorCallbacks   []func(error)
	messageCallbacks []func(*Message)
}

// NewSocket creates a new socket for endpoint. It does not connect.
func NewSocket(endpoint string, options *SocketOptions) *Socket {
	if options == nil {
		options = &SocketOptions{}
	}
	setDefaultOptions(options)

	id := uuid.New().String()
	s := &Socket{
		id:         id,
		endpoint:   endpoint,
		options:    options,
		logger:     options.Logger.With().Str("socket_id", id).Logger(),
		serializer: NewSerializer(),
	}
	if options.FlushRate > 0 {
		s.limiter = rate.NewLimiter(options.FlushRate, options.FlushBurst)
	}
	return s
}

// ID returns the socket's unique identifier
func (s *Socket) ID() string {
	return s.id
}

// EndpointURL returns the endpoint with the protocol version and the
// configured params appended to its query string.
func (s *Socket) EndpointURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", s.endpoint, err)
	}

	query := u.Query()
	query.Set("vsn", s.options.VSN)
	for key, value := range s.options.Params {
		if value == nil {
			query.Set(key, "")
			continue
		}
		query.Set(key, fmt.Sprint(value))
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Connect opens the transport. It is a no-op while connecting or connected.
// A failed attempt notifies error listeners and is returned; it does not
// schedule a retry by itself. A Disconnect issued while the dial is in
// flight aborts it and Connect returns ErrConnectAborted.
func (s *Socket) Connect(ctx context.Context) error {
	endpoint, err := s.EndpointURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.conn != nil || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.dialCancel = cancel
	s.dialAborted = false
	s.mu.Unlock()

	conn := s.options.Transport()
	s.logger.Debug().Str("url", endpoint).Msg("connecting")
	if err := conn.Connect(dialCtx, endpoint); err != nil {
		s.mu.Lock()
		aborted := s.dialAborted
		s.connecting = false
		s.dialCancel = nil
		s.dialAborted = false
		s.mu.Unlock()

		if aborted {
			s.logger.Debug().Msg("connect aborted by disconnect")
			return ErrConnectAborted
		}
		s.logger.Warn().Err(err).Msg("connect failed")
		s.onConnError(err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	if !s.onConnOpen(conn) {
		conn.Close(CloseNormalClosure, "")
		s.logger.Debug().Msg("connect aborted by disconnect")
		return ErrConnectAborted
	}
	return nil
}

// Disconnect closes the connection with a normal closure code.
func (s *Socket) Disconnect() error {
	return s.DisconnectWithCode(CloseNormalClosure, "")
}

// DisconnectWithCode closes the connection with the given close code and
// reason. Manual disconnects cancel any pending reconnect and do not
// schedule a new one.
func (s *Socket) DisconnectWithCode(code int, reason string) error {
	s.reconnectTimer.Cancel()

	s.mu.Lock()
	s.reconnectTries = 0
	conn := s.conn
	if conn == nil {
		if s.connecting && s.dialCancel != nil {
			s.dialAborted = true
			s.dialCancel()
		}
		s.mu.Unlock()
		return nil
	}
	s.manualClose = true
	s.mu.Unlock()

	s.logger.Debug().Int("code", code).Str("reason", reason).Msg("disconnecting")
	err := conn.Close(code, reason)
	s.onConnClose(conn, CloseEvent{Code: code, Reason: reason, WasClean: true})
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// IsConnected returns true if connected to the server
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isConnectedLocked()
}

func (s *Socket) isConnectedLocked() bool {
	return s.conn != nil && s.conn.IsOpen()
}

// ConnectionState returns the current connection state
func (s *Socket) ConnectionState() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.connecting:
		return StateConnecting
	case s.isConnectedLocked():
		return StateOpen
	default:
		return StateClosed
	}
}

// MakeRef returns the next message reference. The counter wraps to 0
// instead of overflowing.
func (s *Socket) MakeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.makeRefLocked()
}

func (s *Socket) makeRefLocked() string {
	if s.ref == math.MaxUint64 {
		s.ref = 0
	} else {
		s.ref++
	}
	return strconv.FormatUint(s.ref, 10)
}

// Channel creates a channel for topic owned by this socket. Each call
// returns a new instance, even for a topic already in use.
func (s *Socket) Channel(topic string, params map[string]interface{}) *Channel {
	ch := newChannel(topic, params, s)

	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	return ch
}

// Channels returns the channels currently registered on the socket.
func (s *Socket) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelSnapshotLocked()
}

func (s *Socket) channelSnapshotLocked() []*Channel {
	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	return channels
}

// remove drops exactly this channel instance from the registry.
func (s *Socket) remove(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.channels[:0]
	for _, c := range s.channels {
		if c != ch {
			kept = append(kept, c)
		}
	}
	for i := len(kept); i < len(s.channels); i++ {
		s.channels[i] = nil
	}
	s.channels = kept
}

// Push sends a message through the socket. While the socket is not open the
// send is buffered and replayed in order on the next successful connect.
func (s *Socket) Push(msg *Message) {
	s.mu.Lock()
	conn := s.conn
	if conn != nil && conn.IsOpen() && !s.flushing {
		s.mu.Unlock()
		s.transmit(conn, msg)
		return
	}

	s.sendBuffer = append(s.sendBuffer, func(conn Transport) {
		s.transmit(conn, msg)
	})
	buffered := len(s.sendBuffer)
	s.mu.Unlock()

	s.options.Metrics.setBuffered(buffered)
	s.logger.Debug().Str("topic", msg.Topic).Str("event", msg.Event).Str("ref", msg.Ref).
		Int("buffered", buffered).Msg("buffering send")
}

func (s *Socket) transmit(conn Transport, msg *Message) {
	data, err := s.serializer.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("topic", msg.Topic).Str("event", msg.Event).Msg("failed to encode message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.Timeout)
	defer cancel()
	if err := conn.Send(ctx, data); err != nil {
		// the read loop observes the dead connection and runs the close path
		s.logger.Warn().Err(err).Str("topic", msg.Topic).Str("event", msg.Event).Msg("failed to send message")
		return
	}

	s.options.Metrics.frameSent()
	s.logger.Debug().Str("topic", msg.Topic).Str("event", msg.Event).Str("ref", msg.Ref).Msg("sent")
}

// Event listeners. Callbacks run synchronously, in registration order, on
// whichever goroutine observed the event.

// OnOpen registers a callback for when the socket connects
func (s *Socket) OnOpen(callback func()) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.openCallbacks = append(s.openCallbacks, callback)
}

// OnClose registers a callback for when the connection closes
func (s *Socket) OnClose(callback func(CloseEvent)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.closeCallbacks = append(s.closeCallbacks, callback)
}

// OnError registers a callback for transport errors
func (s *Socket) OnError(callback func(error)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.errorCallbacks = append(s.errorCallbacks, callback)
}

// OnMessage registers a callback for every decoded inbound message
func (s *Socket) OnMessage(callback func(*Message)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.messageCallbacks = append(s.messageCallbacks, callback)
}

// onConnOpen installs a freshly dialed transport. It reports false, leaving
// the transport to the caller, when a disconnect arrived before the
// connection became usable.
func (s *Socket) onConnOpen(conn Transport) bool {
	connCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	aborted := s.dialAborted
	s.connecting = false
	s.dialCancel = nil
	s.dialAborted = false
	if aborted {
		s.mu.Unlock()
		cancel()
		return false
	}
	s.conn = conn
	s.connCancel = cancel
	s.manualClose = false
	s.pendingHeartbeatRef = ""
	s.flushing = true
	s.mu.Unlock()

	s.options.Metrics.setConnected(true)
	s.logger.Info().Str("endpoint", s.endpoint).Msg("connected")

	if !s.flushSendBuffer(connCtx, conn) {
		// closed mid-flush; the close path already ran for this transport
		return true
	}

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return true
	}
	s.reconnectTimer.Cancel()
	s.reconnectTries = 0
	channels := s.channelSnapshotLocked()
	if s.options.HeartbeatInterval > 0 {
		s.heartbeatTimer.Start(s.options.HeartbeatInterval, s.sendHeartbeat)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.onSocketOpen()
	}

	s.callbacksMu.RLock()
	callbacks := append([]func(){}, s.openCallbacks...)
	s.callbacksMu.RUnlock()
	for _, callback := range callbacks {
		callback()
	}

	go s.readLoop(connCtx, conn)
	return true
}

// flushSendBuffer replays buffered sends in order. New sends issued while
// the flush runs are appended to the buffer and replayed by the same loop.
// It reports whether conn is still the current connection once the buffer
// is empty.
func (s *Socket) flushSendBuffer(ctx context.Context, conn Transport) bool {
	for {
		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return false
		}
		if len(s.sendBuffer) == 0 {
			s.flushing = false
			s.mu.Unlock()
			s.options.Metrics.setBuffered(0)
			return true
		}
		s.mu.Unlock()

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return false
			}
		}

		s.mu.Lock()
		if s.conn != conn || len(s.sendBuffer) == 0 {
			s.mu.Unlock()
			continue
		}
		send := s.sendBuffer[0]
		s.sendBuffer[0] = nil
		s.sendBuffer = s.sendBuffer[1:]
		s.mu.Unlock()

		send(conn)
	}
}

func (s *Socket) readLoop(ctx context.Context, conn Transport) {
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			s.handleReadFailure(conn, err)
			return
		}
		s.options.Metrics.frameReceived()

		msg, err := s.serializer.Decode(data)
		if err != nil {
			s.options.Metrics.decodeError()
			s.logger.Warn().Err(err).Msg("failed to decode message")
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Socket) handleReadFailure(conn Transport, err error) {
	var closeErr *CloseError
	var event CloseEvent
	switch {
	case errors.As(err, &closeErr):
		event = CloseEvent{
			Code:     closeErr.Code,
			Reason:   closeErr.Reason,
			WasClean: closeErr.Code == CloseNormalClosure,
		}
	case errors.Is(err, ErrTransportClosed):
		event = CloseEvent{Code: CloseNormalClosure, WasClean: true}
	default:
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if current {
			s.logger.Warn().Err(err).Msg("read error")
			s.onConnError(err)
		}
		conn.Close(CloseAbnormalClosure, "")
		event = CloseEvent{Code: CloseAbnormalClosure, Reason: err.Error()}
	}
	s.onConnClose(conn, event)
}

func (s *Socket) dispatch(msg *Message) {
	s.mu.Lock()
	if msg.Ref != "" && msg.Ref == s.pendingHeartbeatRef {
		s.pendingHeartbeatRef = ""
	}
	channels := s.channelSnapshotLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("topic", msg.Topic).Str("event", msg.Event).Str("ref", msg.Ref).Msg("received")

	for _, ch := range channels {
		if ch.IsMember(msg.Topic) {
			ch.Trigger(msg.Event, msg.Payload, msg.Ref)
		}
	}

	s.callbacksMu.RLock()
	callbacks := append([]func(*Message){}, s.messageCallbacks...)
	s.callbacksMu.RUnlock()
	for _, callback := range callbacks {
		callback(msg)
	}
}

// onConnClose runs once per connection; later calls for the same transport
// are ignored.
func (s *Socket) onConnClose(conn Transport, event CloseEvent) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	cancel := s.connCancel
	s.connCancel = nil
	s.flushing = false
	s.pendingHeartbeatRef = ""
	manual := s.manualClose
	s.manualClose = false
	channels := s.channelSnapshotLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.options.Metrics.setConnected(false)
	s.logger.Info().Int("code", event.Code).Str("reason", event.Reason).Msg("connection closed")

	s.triggerChanError(channels)
	s.heartbeatTimer.Stop()
	if !manual {
		s.scheduleReconnect()
	}

	s.callbacksMu.RLock()
	callbacks := append([]func(CloseEvent){}, s.closeCallbacks...)
	s.callbacksMu.RUnlock()
	for _, callback := range callbacks {
		callback(event)
	}
}

// onConnError marks channels errored and notifies error listeners. It does
// not close the transport or schedule a reconnect.
func (s *Socket) onConnError(err error) {
	s.mu.Lock()
	channels := s.channelSnapshotLocked()
	s.mu.Unlock()

	s.triggerChanError(channels)

	s.callbacksMu.RLock()
	callbacks := append([]func(error){}, s.errorCallbacks...)
	s.callbacksMu.RUnlock()
	for _, callback := range callbacks {
		callback(err)
	}
}

func (s *Socket) triggerChanError(channels []*Channel) {
	for _, ch := range channels {
		ch.Trigger(EventError, nil, "")
	}
}

// sendHeartbeat is run on every heartbeat tick. An unanswered previous
// heartbeat force-closes the connection, which schedules a reconnect.
func (s *Socket) sendHeartbeat() {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || !conn.IsOpen() {
		s.mu.Unlock()
		return
	}

	if s.pendingHeartbeatRef != "" {
		s.pendingHeartbeatRef = ""
		s.mu.Unlock()

		s.logger.Warn().Msg("heartbeat timeout, closing connection")
		s.options.Metrics.heartbeatTimeout()
		conn.Close(CloseNormalClosure, "heartbeat timeout")
		s.onConnClose(conn, CloseEvent{Code: CloseNormalClosure, Reason: "heartbeat timeout"})
		return
	}

	ref := s.makeRefLocked()
	s.pendingHeartbeatRef = ref
	s.mu.Unlock()

	s.Push(&Message{
		Topic:   TopicPhoenix,
		Event:   EventHeartbeat,
		Payload: map[string]interface{}{},
		Ref:     ref,
	})
}

// scheduleReconnect arms the single reconnect timer for the next attempt.
func (s *Socket) scheduleReconnect() {
	if !*s.options.ReconnectEnabled {
		return
	}

	s.mu.Lock()
	if s.options.MaxReconnectAttempts > 0 && s.reconnectTries >= s.options.MaxReconnectAttempts {
		s.mu.Unlock()
		s.logger.Warn().Int("max_attempts", s.options.MaxReconnectAttempts).Msg("max reconnect attempts reached")
		return
	}
	s.reconnectTries++
	tries := s.reconnectTries
	delay := s.options.ReconnectAfterMs(tries)
	s.reconnectTimer.Schedule(delay, s.attemptReconnect)
	s.mu.Unlock()

	s.options.Metrics.reconnectScheduled()
	s.logger.Info().Int("attempt", tries).Dur("delay", delay).Msg("scheduling reconnect")
}

func (s *Socket) attemptReconnect() {
	s.logger.Info().Msg("attempting to reconnect")
	if err := s.Connect(context.Background()); err != nil && !errors.Is(err, ErrConnectAborted) {
		s.scheduleReconnect()
	}
}
