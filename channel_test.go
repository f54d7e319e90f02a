package gophxchannels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reply delivers a synthetic phx_reply for ref straight into ch.
func reply(ch *Channel, ref, status string, response interface{}) {
	ch.Trigger(EventReply, map[string]interface{}{
		"status":   status,
		"response": response,
	}, ref)
}

// joinTestChannel joins topic on a connected socket and acknowledges it.
func joinTestChannel(t *testing.T, socket *Socket, topic string) *Channel {
	t.Helper()
	ch := socket.Channel(topic, nil)
	join := ch.Join()
	reply(ch, join.Ref(), StatusOK, map[string]interface{}{})
	require.True(t, ch.IsJoined())
	return ch
}

func TestChannelCreation(t *testing.T) {
	socket, _ := newTestSocket(t, nil)

	ch := socket.Channel("room:lobby", map[string]interface{}{"user_id": 1})

	assert.Equal(t, "room:lobby", ch.Topic())
	assert.Equal(t, ChannelClosed, ch.State())
	assert.True(t, ch.IsClosed())
	assert.Same(t, socket, ch.Socket())
	assert.Equal(t, socket.options.Timeout, ch.timeout)
	assert.Equal(t, []*Channel{ch}, socket.Channels())
}

func TestChannelStates(t *testing.T) {
	tests := []struct {
		state    ChannelState
		expected string
	}{
		{ChannelClosed, "closed"},
		{ChannelErrored, "errored"},
		{ChannelJoined, "joined"},
		{ChannelJoining, "joining"},
		{ChannelLeaving, "leaving"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, test.state.String())
	}
}

func TestChannelJoinSendsJoinWithParams(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", map[string]interface{}{"token": "abc"})

	join := ch.Join()
	assert.True(t, ch.IsJoining())

	sent := dialer.last().sentMessages(t)
	require.Len(t, sent, 1)
	assert.Equal(t, "room:lobby", sent[0].Topic)
	assert.Equal(t, EventJoin, sent[0].Event)
	assert.Equal(t, map[string]interface{}{"token": "abc"}, sent[0].Payload)
	assert.Equal(t, join.Ref(), sent[0].Ref)
}

func TestChannelJoinTwicePanics(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, ch *Channel, join *Push)
		state ChannelState
	}{
		{
			name:  "joining",
			setup: func(t *testing.T, ch *Channel, join *Push) {},
			state: ChannelJoining,
		},
		{
			name: "joined",
			setup: func(t *testing.T, ch *Channel, join *Push) {
				join.Trigger(StatusOK, map[string]interface{}{})
			},
			state: ChannelJoined,
		},
		{
			name: "errored",
			setup: func(t *testing.T, ch *Channel, join *Push) {
				join.Trigger(StatusError, map[string]interface{}{"reason": "denied"})
			},
			state: ChannelErrored,
		},
		{
			name: "leaving",
			setup: func(t *testing.T, ch *Channel, join *Push) {
				join.Trigger(StatusOK, map[string]interface{}{})
				ch.Leave()
			},
			state: ChannelLeaving,
		},
		{
			name: "closed",
			setup: func(t *testing.T, ch *Channel, join *Push) {
				join.Trigger(StatusOK, map[string]interface{}{})
				leave := ch.Leave()
				leave.Trigger(StatusOK, map[string]interface{}{})
			},
			state: ChannelClosed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			socket, _ := connectTestSocket(t, nil)
			ch := socket.Channel("room:lobby", nil)
			join := ch.Join()

			test.setup(t, ch, join)
			require.Equal(t, test.state, ch.State())

			assert.Panics(t, func() {
				ch.Join()
			})
		})
	}
}

func TestChannelJoinBeforeConnectIsFlushedOnOpen(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)
	ch.Join()

	require.NoError(t, socket.Connect(context.Background()))

	assert.Equal(t, []string{EventJoin}, dialer.last().sentEvents(t))
	assert.True(t, ch.IsJoining())
}

func TestChannelJoinOverTheWire(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	joined := make(chan interface{}, 1)
	join := ch.Join()
	join.Receive(StatusOK, func(resp interface{}) {
		joined <- resp
	})

	dialer.last().deliver(t, &Message{
		Topic:   "room:lobby",
		Event:   EventReply,
		Payload: map[string]interface{}{"status": "ok", "response": map[string]interface{}{"user": "bob"}},
		Ref:     join.Ref(),
	})

	select {
	case resp := <-joined:
		assert.Equal(t, map[string]interface{}{"user": "bob"}, resp)
	case <-time.After(time.Second):
		t.Fatal("join reply was not delivered")
	}
	assert.True(t, ch.IsJoined())
}

func TestChannelPushBeforeJoinIsBufferedUntilJoined(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	var push *Push
	require.NotPanics(t, func() {
		push = ch.Push("new_msg", map[string]interface{}{"body": "early"})
	})
	assert.False(t, push.IsSent())
	assert.NotEmpty(t, push.Ref())
	assert.Empty(t, dialer.last().sentEvents(t))

	join := ch.Join()
	assert.Equal(t, []string{EventJoin}, dialer.last().sentEvents(t))

	reply(ch, join.Ref(), StatusOK, map[string]interface{}{})

	sent := dialer.last().sentMessages(t)
	require.Len(t, sent, 2)
	assert.Equal(t, EventJoin, sent[0].Event)
	assert.Equal(t, "new_msg", sent[1].Event)
	assert.Equal(t, push.Ref(), sent[1].Ref)
	assert.Equal(t, map[string]interface{}{"body": "early"}, sent[1].Payload)
	assert.True(t, push.IsSent())

	// a second ok must not resend the drained buffer
	reply(ch, join.Ref(), StatusOK, map[string]interface{}{})
	assert.Len(t, dialer.last().sentMessages(t), 2)
}

func TestChannelPushBeforeJoinTimesOut(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	timedOut := make(chan struct{}, 1)
	ch.Push("new_msg", nil, 20*time.Millisecond).Receive(StatusTimeout, func(interface{}) {
		timedOut <- struct{}{}
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("buffered push did not time out")
	}
	assert.True(t, ch.IsClosed())
}

func TestChannelBuffersPushesUntilJoined(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)
	join := ch.Join()

	first := ch.Push("first", map[string]interface{}{"n": 1})
	second := ch.Push("second", nil)
	assert.False(t, first.IsSent())
	assert.NotEmpty(t, first.Ref(), "buffered pushes still wait for their reply")
	assert.Equal(t, []string{EventJoin}, dialer.last().sentEvents(t))

	reply(ch, join.Ref(), StatusOK, map[string]interface{}{})

	sent := dialer.last().sentMessages(t)
	require.Len(t, sent, 3)
	assert.Equal(t, "first", sent[1].Event)
	assert.Equal(t, first.Ref(), sent[1].Ref)
	assert.Equal(t, "second", sent[2].Event)
	assert.Equal(t, map[string]interface{}{}, sent[2].Payload)
	assert.True(t, first.IsSent())
	assert.True(t, second.IsSent())
}

func TestChannelPushWhenJoinedSendsImmediately(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := joinTestChannel(t, socket, "room:lobby")

	push := ch.Push("new_msg", map[string]interface{}{"body": "hi"})

	sent := dialer.last().sentMessages(t)
	last := sent[len(sent)-1]
	assert.Equal(t, "new_msg", last.Event)
	assert.Equal(t, push.Ref(), last.Ref)
	assert.True(t, push.IsSent())
}

func TestChannelJoinErrorMarksErrored(t *testing.T) {
	socket, _ := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)
	join := ch.Join()

	var reason interface{}
	join.Receive(StatusError, func(resp interface{}) {
		reason = resp
	})
	reply(ch, join.Ref(), StatusError, map[string]interface{}{"reason": "unauthorized"})

	assert.Equal(t, map[string]interface{}{"reason": "unauthorized"}, reason)
	assert.True(t, ch.IsErrored())
	assert.True(t, ch.rejoinTimer.Pending())
}

func TestChannelJoinTimeoutMarksErrored(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	timedOut := make(chan struct{}, 1)
	ch.Join(20 * time.Millisecond).Receive(StatusTimeout, func(interface{}) {
		timedOut <- struct{}{}
	})

	select {
	case <-timedOut:
	case <-time.After(time.Second):
		t.Fatal("join did not time out")
	}
	assert.True(t, ch.IsErrored())
}

func TestChannelErrorSchedulesRejoin(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)
	join := ch.Join(30 * time.Millisecond)
	reply(ch, join.Ref(), StatusOK, map[string]interface{}{})
	require.True(t, ch.IsJoined())

	ch.Trigger(EventError, nil, "")
	assert.True(t, ch.IsErrored())
	assert.True(t, ch.rejoinTimer.Pending())

	require.Eventually(t, func() bool {
		joins := 0
		for _, event := range dialer.last().sentEvents(t) {
			if event == EventJoin {
				joins++
			}
		}
		return joins >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestChannelErrorWhileClosedOrLeavingIsIgnored(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	ch.Trigger(EventError, nil, "")
	assert.True(t, ch.IsClosed())
	assert.False(t, ch.rejoinTimer.Pending())
}

func TestChannelRejoinsAfterReconnect(t *testing.T) {
	socket, dialer := connectTestSocket(t, &SocketOptions{
		ReconnectAfterMs: func(int) time.Duration { return 10 * time.Millisecond },
	})
	ch := joinTestChannel(t, socket, "room:lobby")

	dialer.last().fail(&CloseError{Code: CloseGoingAway})

	require.Eventually(t, func() bool {
		if dialer.count() < 2 {
			return false
		}
		events := dialer.last().sentEvents(t)
		return len(events) > 0 && events[0] == EventJoin
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, ch.IsJoining())
	assert.False(t, ch.rejoinTimer.Pending())
}

func TestChannelSocketErrorMarksChannelsErrored(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := joinTestChannel(t, socket, "room:lobby")

	dialer.last().fail(errors.New("connection reset"))

	require.Eventually(t, ch.IsErrored, time.Second, 5*time.Millisecond)
}

func TestChannelOnOff(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	var calls []string
	ref1 := ch.On("new_msg", func(interface{}) { calls = append(calls, "one") })
	ref2 := ch.On("new_msg", func(interface{}) { calls = append(calls, "two") })
	ch.On("other", func(interface{}) { calls = append(calls, "other") })
	assert.Greater(t, ref2, ref1)

	ch.Trigger("new_msg", map[string]interface{}{}, "")
	assert.Equal(t, []string{"one", "two"}, calls)

	calls = nil
	ch.Off("new_msg", ref1)
	ch.Trigger("new_msg", map[string]interface{}{}, "")
	assert.Equal(t, []string{"two"}, calls)

	calls = nil
	ch.Off("new_msg")
	ch.Trigger("new_msg", map[string]interface{}{}, "")
	ch.Trigger("other", map[string]interface{}{}, "")
	assert.Equal(t, []string{"other"}, calls)
}

func TestChannelOffInsideCallback(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	calls := 0
	var ref int
	ref = ch.On("once", func(interface{}) {
		calls++
		ch.Off("once", ref)
	})

	ch.Trigger("once", nil, "")
	ch.Trigger("once", nil, "")
	assert.Equal(t, 1, calls)
}

func TestChannelOnMessageHook(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	ch.OnMessage(func(event string, payload interface{}, ref string) interface{} {
		return map[string]interface{}{"event": event, "wrapped": payload}
	})

	var received interface{}
	ch.On("new_msg", func(payload interface{}) {
		received = payload
	})
	ch.Trigger("new_msg", "hello", "")

	assert.Equal(t, map[string]interface{}{"event": "new_msg", "wrapped": "hello"}, received)
}

func TestChannelOnMessageHookMustReturnPayload(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	ch.OnMessage(func(event string, payload interface{}, ref string) interface{} {
		return nil
	})

	assert.Panics(t, func() {
		ch.Trigger("new_msg", map[string]interface{}{}, "")
	})
	assert.NotPanics(t, func() {
		ch.Trigger("new_msg", nil, "")
	})
}

func TestChannelLeave(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := joinTestChannel(t, socket, "room:lobby")

	closed := make(chan struct{}, 1)
	ch.On(EventClose, func(interface{}) {
		closed <- struct{}{}
	})

	leave := ch.Leave()
	assert.True(t, ch.IsLeaving())

	sent := dialer.last().sentMessages(t)
	last := sent[len(sent)-1]
	assert.Equal(t, EventLeave, last.Event)
	assert.Equal(t, leave.Ref(), last.Ref)

	reply(ch, leave.Ref(), StatusOK, map[string]interface{}{})

	<-closed
	assert.True(t, ch.IsClosed())
	assert.Empty(t, socket.Channels())
}

func TestChannelLeaveWithoutJoinClosesLocally(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	var statuses []string
	leave := ch.Leave()
	leave.Receive(StatusOK, func(interface{}) {
		statuses = append(statuses, StatusOK)
	})

	assert.Equal(t, []string{StatusOK}, statuses)
	assert.True(t, ch.IsClosed())
	assert.Empty(t, socket.Channels())

	socket.mu.Lock()
	assert.Empty(t, socket.sendBuffer, "an offline leave must not be queued for the next connect")
	socket.mu.Unlock()

	require.NoError(t, socket.Connect(context.Background()))
	assert.Empty(t, dialer.last().sentEvents(t))
}

func TestChannelLeaveUnjoinedWhileConnectedSendsNothing(t *testing.T) {
	socket, dialer := connectTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	ch.Leave()

	assert.True(t, ch.IsClosed())
	assert.Empty(t, dialer.last().sentEvents(t))
}

func TestChannelLeaveTimeoutStillCloses(t *testing.T) {
	socket, _ := connectTestSocket(t, nil)
	ch := joinTestChannel(t, socket, "room:lobby")

	ch.Leave(20 * time.Millisecond)

	require.Eventually(t, ch.IsClosed, time.Second, 5*time.Millisecond)
	assert.Empty(t, socket.Channels())
}

func TestChannelRemoveKeepsDuplicateTopics(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	first := socket.Channel("room:lobby", nil)
	second := socket.Channel("room:lobby", nil)

	first.Trigger(EventClose, nil, "")

	assert.Equal(t, []*Channel{second}, socket.Channels())
}

func TestChannelConcurrentTrigger(t *testing.T) {
	socket, _ := newTestSocket(t, nil)
	ch := socket.Channel("room:lobby", nil)

	var mu sync.Mutex
	count := 0
	ch.On("tick", func(interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch.Trigger("tick", map[string]interface{}{}, "")
			ch.On("noop", func(interface{}) {})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, count)
}
