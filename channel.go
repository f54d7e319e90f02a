package gophxchannels

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ChannelState represents the channel state
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoined
	ChannelJoining
	ChannelLeaving
)

// String returns the string representation of the channel state
func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoined:
		return "joined"
	case ChannelJoining:
		return "joining"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// EventCallback receives the payload of a channel event.
type EventCallback func(payload interface{})

// MessageHook intercepts every payload before it reaches bindings. It must
// return a non-nil payload whenever it is given one.
type MessageHook func(event string, payload interface{}, ref string) interface{}

// EventBinding represents an event callback binding
type EventBinding struct {
	event    string
	ref      int
	callback EventCallback
}

// Channel represents a Phoenix channel
type Channel struct {
	topic  string
	params map[string]interface{}
	socket *Socket
	logger zerolog.Logger

	mu          sync.RWMutex
	state       ChannelState
	bindings    []EventBinding
	bindingRef  int
	timeout     time.Duration
	joinedOnce  bool
	joinPush    *Push
	pushBuffer  []*Push
	onMessage   MessageHook
	rejoinTimer scheduledTask
}

// newChannel creates a new channel instance
func newChannel(topic string, params map[string]interface{}, socket *Socket) *Channel {
	if params == nil {
		params = make(map[string]interface{})
	}

	ch := &Channel{
		topic:     topic,
		params:    params,
		socket:    socket,
		logger:    socket.logger.With().Str("topic", topic).Logger(),
		state:     ChannelClosed,
		bindings:  make([]EventBinding, 0),
		timeout:   socket.options.Timeout,
		onMessage: func(event string, payload interface{}, ref string) interface{} { return payload },
	}

	ch.joinPush = NewPush(ch, EventJoin, func() interface{} {
		return ch.params
	}, ch.timeout)

	ch.joinPush.Receive(StatusOK, func(resp interface{}) {
		ch.mu.Lock()
		ch.state = ChannelJoined
		buffered := ch.pushBuffer
		ch.pushBuffer = nil
		ch.mu.Unlock()

		ch.rejoinTimer.Cancel()
		ch.logger.Debug().Int("buffered", len(buffered)).Msg("joined")
		for _, push := range buffered {
			push.Send()
		}
	})

	ch.joinPush.Receive(StatusError, func(reason interface{}) {
		ch.logger.Warn().Interface("reason", reason).Msg("join rejected")
		ch.errored()
	})

	ch.joinPush.Receive(StatusTimeout, func(resp interface{}) {
		ch.logger.Warn().Msg("join timed out")
		ch.errored()
	})

	ch.On(EventClose, func(payload interface{}) {
		ch.rejoinTimer.Cancel()
		ch.mu.Lock()
		ch.state = ChannelClosed
		ch.mu.Unlock()
		ch.logger.Debug().Msg("closed")
		ch.socket.remove(ch)
	})

	ch.On(EventError, func(payload interface{}) {
		ch.errored()
	})

	return ch
}

// errored moves a live channel to errored and arms the rejoin timer.
func (ch *Channel) errored() {
	ch.mu.Lock()
	if ch.state == ChannelLeaving || ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	ch.state = ChannelErrored
	timeout := ch.timeout
	ch.mu.Unlock()

	ch.logger.Debug().Dur("rejoin_in", timeout).Msg("errored")
	ch.rejoinTimer.Schedule(timeout, func() {
		if ch.socket.IsConnected() {
			ch.rejoin(0)
		}
	})
}

// onSocketOpen is called by the socket after every successful connect.
func (ch *Channel) onSocketOpen() {
	ch.rejoinTimer.Cancel()
	if ch.IsErrored() {
		ch.rejoin(0)
	}
}

// Join joins the channel. It may be called only once per channel instance.
func (ch *Channel) Join(timeout ...time.Duration) *Push {
	ch.mu.Lock()
	if ch.joinedOnce {
		ch.mu.Unlock()
		panic("tried to join multiple times. 'Join' can only be called a single time per channel instance")
	}
	if len(timeout) > 0 {
		ch.timeout = timeout[0]
	}
	ch.joinedOnce = true
	ch.mu.Unlock()

	ch.rejoin(0)
	return ch.joinPush
}

// rejoin resends the join push unless the channel is leaving. A zero
// timeout uses the channel's timeout.
func (ch *Channel) rejoin(timeout time.Duration) {
	ch.mu.Lock()
	if ch.state == ChannelLeaving {
		ch.mu.Unlock()
		return
	}
	if timeout == 0 {
		timeout = ch.timeout
	}
	ch.state = ChannelJoining
	ch.mu.Unlock()

	ch.joinPush.Resend(timeout)
}

// Leave leaves the channel. The returned push resolves with "ok" once the
// server acknowledges, or locally when the channel cannot push.
func (ch *Channel) Leave(timeout ...time.Duration) *Push {
	ch.mu.Lock()
	leaveTimeout := ch.timeout
	if len(timeout) > 0 {
		leaveTimeout = timeout[0]
	}
	canPush := ch.state == ChannelJoined
	ch.state = ChannelLeaving
	ch.mu.Unlock()

	ch.rejoinTimer.Cancel()
	ch.joinPush.cancelTimeout()

	onClose := func(resp interface{}) {
		ch.logger.Debug().Msg("left")
		ch.Trigger(EventClose, "leave", "")
	}

	leavePush := NewPush(ch, EventLeave, func() interface{} { return map[string]interface{}{} }, leaveTimeout)
	leavePush.Receive(StatusOK, onClose)
	leavePush.Receive(StatusTimeout, onClose)

	if canPush && ch.socket.IsConnected() {
		leavePush.Send()
	} else {
		// nothing to tell the server; resolve without buffering a phx_leave
		leavePush.StartTimeout()
		leavePush.Trigger(StatusOK, map[string]interface{}{})
	}

	return leavePush
}

// Push sends an event to the channel. Pushes issued while the channel is not
// joined, including before Join, are buffered and sent in order once the
// join succeeds. Their timeout runs from the moment they are buffered.
func (ch *Channel) Push(event string, payload interface{}, timeout ...time.Duration) *Push {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	ch.mu.Lock()
	pushTimeout := ch.timeout
	if len(timeout) > 0 {
		pushTimeout = timeout[0]
	}
	pushEvent := NewPush(ch, event, func() interface{} { return payload }, pushTimeout)

	if ch.state == ChannelJoined && ch.socket.IsConnected() {
		ch.mu.Unlock()
		pushEvent.Send()
		return pushEvent
	}
	ch.pushBuffer = append(ch.pushBuffer, pushEvent)
	ch.mu.Unlock()

	pushEvent.StartTimeout()
	return pushEvent
}

// On registers an event handler and returns its binding reference
func (ch *Channel) On(event string, callback EventCallback) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.bindingRef++
	ref := ch.bindingRef

	ch.bindings = append(ch.bindings, EventBinding{
		event:    event,
		ref:      ref,
		callback: callback,
	})

	return ref
}

// Off removes all handlers for event, or only the one with the given ref
func (ch *Channel) Off(event string, ref ...int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	newBindings := make([]EventBinding, 0, len(ch.bindings))
	for _, binding := range ch.bindings {
		if binding.event != event {
			newBindings = append(newBindings, binding)
			continue
		}
		if len(ref) > 0 && binding.ref != ref[0] {
			newBindings = append(newBindings, binding)
		}
	}
	ch.bindings = newBindings
}

// OnMessage replaces the interception hook applied before dispatch.
func (ch *Channel) OnMessage(hook MessageHook) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMessage = hook
}

// Trigger dispatches an event to the channel's bindings in registration
// order. A phx_reply is re-dispatched on the private reply event of its ref.
func (ch *Channel) Trigger(event string, payload interface{}, ref string) {
	ch.mu.RLock()
	hook := ch.onMessage
	ch.mu.RUnlock()

	handledPayload := hook(event, payload, ref)
	if payload != nil && handledPayload == nil {
		panic("channel onMessage callbacks must return the payload, modified or unmodified")
	}

	ch.mu.RLock()
	eventBindings := make([]EventBinding, 0)
	for _, binding := range ch.bindings {
		if binding.event == event {
			eventBindings = append(eventBindings, binding)
		}
	}
	ch.mu.RUnlock()

	for _, binding := range eventBindings {
		binding.callback(handledPayload)
	}

	if event == EventReply && ref != "" {
		ch.Trigger(replyEventName(ref), handledPayload, ref)
	}
}

// IsMember reports whether messages for topic are routed to this channel
func (ch *Channel) IsMember(topic string) bool {
	return ch.topic == topic
}

// IsClosed returns true if the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.State() == ChannelClosed
}

// IsErrored returns true if the channel is in error state
func (ch *Channel) IsErrored() bool {
	return ch.State() == ChannelErrored
}

// IsJoined returns true if the channel is joined
func (ch *Channel) IsJoined() bool {
	return ch.State() == ChannelJoined
}

// IsJoining returns true if the channel is joining
func (ch *Channel) IsJoining() bool {
	return ch.State() == ChannelJoining
}

// IsLeaving returns true if the channel is leaving
func (ch *Channel) IsLeaving() bool {
	return ch.State() == ChannelLeaving
}

// State returns the current channel state
func (ch *Channel) State() ChannelState {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

// Topic returns the channel topic
func (ch *Channel) Topic() string {
	return ch.topic
}

// Socket returns the socket that owns the channel
func (ch *Channel) Socket() *Socket {
	return ch.socket
}
