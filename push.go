package gophxchannels

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReceiveHook represents a callback for handling responses
type ReceiveHook struct {
	status   string
	callback func(interface{})
}

// Push represents one request to a channel awaiting a status-tagged reply.
type Push struct {
	channel *Channel
	event   string
	payload func() interface{}

	mu           sync.Mutex
	timeout      time.Duration
	timeoutTimer scheduledTask
	recHooks     []ReceiveHook
	receivedResp *ReplyPayload
	sent         bool
	ref          string
	refEvent     string
	refEventRef  int
	span         trace.Span
}

// NewPush creates a new push instance
func NewPush(channel *Channel, event string, payload func() interface{}, timeout time.Duration) *Push {
	if payload == nil {
		payload = func() interface{} { return map[string]interface{}{} }
	}
	return &Push{
		channel:  channel,
		event:    event,
		payload:  payload,
		timeout:  timeout,
		recHooks: make([]ReceiveHook, 0),
	}
}

// Resend resets and resends the push with a new timeout
func (p *Push) Resend(timeout time.Duration) {
	p.mu.Lock()
	p.timeout = timeout
	p.reset()
	msg := p.send()
	p.mu.Unlock()

	p.transmit(msg)
}

// Send sends the push message. It is a no-op once the push timed out.
func (p *Push) Send() {
	p.mu.Lock()
	msg := p.send()
	p.mu.Unlock()

	p.transmit(msg)
}

// send arms the reply wait and builds the message (must be called with lock held)
func (p *Push) send() *Message {
	if p.hasReceived(StatusTimeout) {
		return nil
	}

	p.startTimeout()
	p.sent = true

	return &Message{
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payload(),
		Ref:     p.ref,
	}
}

func (p *Push) transmit(msg *Message) {
	if msg != nil {
		p.channel.socket.Push(msg)
	}
}

// Receive registers a callback for a specific response status. If a
// response with that status was already received the callback also runs
// immediately.
func (p *Push) Receive(status string, callback func(interface{})) *Push {
	p.mu.Lock()
	var replay *ReplyPayload
	if p.hasReceived(status) {
		replay = p.receivedResp
	}
	p.recHooks = append(p.recHooks, ReceiveHook{
		status:   status,
		callback: callback,
	})
	p.mu.Unlock()

	if replay != nil {
		callback(replay.Response)
	}
	return p
}

// Reset clears the reply wait so the push can be sent again
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// reset performs the actual reset (must be called with lock held)
func (p *Push) reset() {
	p.cancelRefEvent()
	p.timeoutTimer.Cancel()
	p.endSpan("reset")
	p.ref = ""
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
}

// cancelRefEvent removes the reply event listener (must be called with lock held)
func (p *Push) cancelRefEvent() {
	if p.refEvent != "" && p.refEventRef != 0 {
		p.channel.Off(p.refEvent, p.refEventRef)
		p.refEventRef = 0
	}
}

// cancelTimeout stops the timeout timer without dropping the reply wait.
func (p *Push) cancelTimeout() {
	p.timeoutTimer.Cancel()
}

// StartTimeout arms the reply wait without sending
func (p *Push) StartTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startTimeout()
}

// startTimeout assigns a ref, subscribes to its reply event and arms the
// timeout. It is a no-op while a reply wait is already armed (must be
// called with lock held).
func (p *Push) startTimeout() {
	if p.refEventRef != 0 {
		return
	}

	ref := p.channel.socket.MakeRef()
	p.ref = ref
	p.refEvent = replyEventName(ref)

	_, p.span = p.channel.socket.options.Tracer.Start(context.Background(), "phx.push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("phx.topic", p.channel.topic),
			attribute.String("phx.event", p.event),
			attribute.String("phx.ref", ref),
		))

	p.refEventRef = p.channel.On(p.refEvent, func(payload interface{}) {
		p.handleReply(ref, payload)
	})

	p.timeoutTimer.Schedule(p.timeout, func() {
		p.mu.Lock()
		current := p.ref == ref && p.receivedResp == nil
		p.mu.Unlock()
		if current {
			p.Trigger(StatusTimeout, map[string]interface{}{})
		}
	})
}

func (p *Push) handleReply(ref string, payload interface{}) {
	reply, err := parseReply(payload)
	if err != nil {
		p.channel.logger.Warn().Err(err).Str("ref", ref).Msg("dropping malformed reply")
		return
	}

	p.mu.Lock()
	if p.ref != ref {
		p.mu.Unlock()
		return
	}
	p.cancelRefEvent()
	p.timeoutTimer.Cancel()
	p.receivedResp = reply
	p.endSpan(reply.Status)
	hooks := make([]ReceiveHook, 0, len(p.recHooks))
	for _, hook := range p.recHooks {
		if hook.status == reply.Status {
			hooks = append(hooks, hook)
		}
	}
	p.mu.Unlock()

	p.channel.socket.options.Metrics.pushReply(reply.Status)
	for _, hook := range hooks {
		hook.callback(reply.Response)
	}
}

// endSpan finishes the tracing span of the current reply wait (must be
// called with lock held).
func (p *Push) endSpan(status string) {
	if p.span == nil {
		return
	}
	p.span.SetAttributes(attribute.String("phx.status", status))
	if status != StatusOK {
		p.span.SetStatus(codes.Error, status)
	}
	p.span.End()
	p.span = nil
}

// hasReceived checks if a response with the given status was received (must be called with lock held)
func (p *Push) hasReceived(status string) bool {
	return p.receivedResp != nil && p.receivedResp.Status == status
}

// Trigger delivers a synthetic reply through the channel, exactly as if the
// server had replied with status and response.
func (p *Push) Trigger(status string, response interface{}) {
	p.mu.Lock()
	refEvent, ref := p.refEvent, p.ref
	p.mu.Unlock()

	if refEvent == "" {
		return
	}

	payload := map[string]interface{}{
		"status":   status,
		"response": response,
	}
	p.channel.Trigger(refEvent, payload, ref)
}

// HasReceived returns true if a response with the given status was received
func (p *Push) HasReceived(status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasReceived(status)
}

// Response returns the received response if available
func (p *Push) Response() *ReplyPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.receivedResp
}

// IsSent returns true if the push has been sent
func (p *Push) IsSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

// Ref returns the reference of the outstanding reply wait
func (p *Push) Ref() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// Event returns the pushed event name
func (p *Push) Event() string {
	return p.event
}

// Timeout returns the current reply timeout
func (p *Push) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}
