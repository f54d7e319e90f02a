// Package gophxchannels provides a Go client engine for Phoenix Channels.
// It multiplexes many topic-scoped channels over one persistent connection,
// correlates pushes with their replies, and keeps a merged view of presence.
//
// Basic usage:
//
//	socket := gophxchannels.NewSocket("ws://localhost:4000/socket/websocket", nil)
//	if err := socket.Connect(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	defer socket.Disconnect()
//
//	channel := socket.Channel("room:lobby", nil)
//	join := channel.Join()
//	join.Receive("ok", func(resp interface{}) {
//		fmt.Println("Joined successfully")
//	})
package gophxchannels

import "time"

// VSN is the protocol version sent on connect.
const VSN = "1.0.0"

// Common Phoenix channel events
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"

	// TopicPhoenix is the reserved topic heartbeats are sent on.
	TopicPhoenix = "phoenix"
)

// Common reply statuses
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

// replyEventName returns the private event a reply to ref is delivered on.
func replyEventName(ref string) string {
	return "chan_reply_" + ref
}
