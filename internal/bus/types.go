// Package bus defines the message shapes that cross the boundary between
// transport adapters (Discord, Slack, IRC) and the session coordinator.
package bus

import "strings"

// Arc identifies a conversation stream: a server/platform plus a channel.
// (arc, nick) or (arc, threadID) identifies a session key (see sessionkey.Key).
type Arc struct {
	ServerTag   string `json:"server_tag"`
	ChannelName string `json:"channel_name"`
}

// String renders the arc as a stable key component: server tag and
// channel name joined by a single '#', so an IRC channel name that
// already starts with '#' is not doubled.
func (a Arc) String() string {
	if strings.HasPrefix(a.ChannelName, "#") {
		return a.ServerTag + a.ChannelName
	}
	return a.ServerTag + "#" + a.ChannelName
}

// RoomMessage is an inbound chat message normalized at the transport boundary.
// Created at ingress and treated as immutable afterward.
type RoomMessage struct {
	Arc             Arc
	Nick            string
	MyNick          string
	Content         string
	ThreadID        string // empty if not a threaded message
	ThreadStarterID string
	PlatformID      string
	Direct          bool // explicitly addressed to the bot: a DM, a mention, or an @-prefix
	Secrets         map[string]string // e.g. reply tokens, webhook signatures; never logged
}

// OutboundMessage is a reply to be delivered back to the originating channel.
type OutboundMessage struct {
	Arc      Arc
	ThreadID string
	Text     string
}

// SendRetryEvent reports a retry/giveup decision from the send-retry policy.
type SendRetryEvent struct {
	Type         string // "retry" | "giveup"
	Platform     string
	Destination  string
	Attempt      int
	MaxAttempts  int
	RetryAfterMs int64
	Retryable    bool
	Error        string
}

// Event is a broadcast-style notification for observability consumers.
// Payload is left loosely typed since consumers are heterogeneous.
type Event struct {
	Name    string
	Payload any
}

// EventPublisher abstracts event broadcast + subscription so core
// components don't depend on a concrete transport.
type EventPublisher interface {
	Subscribe(id string, handler func(Event))
	Unsubscribe(id string)
	Broadcast(event Event)
}
