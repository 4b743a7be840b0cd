// Package sessionkey builds and parses the SessionKey triple that
// partitions the bot's attention: at most one active agent run per key.
//
// Format: {arc}|{nick}|{threadID}
//
//	DM/channel, per-nick: libera#test|alice|
//	Threaded, wildcard:   discord#general|*|1234567890
//
// For threaded messages the nick is the wildcard "*" so any user in the
// thread steers the same session.
package sessionkey

import (
	"fmt"
	"strings"

	"github.com/oakmoss/steerbot/internal/bus"
)

// Wildcard is the nick placeholder used for threaded sessions.
const Wildcard = "*"

// Key is the opaque, comparable session partition key.
type Key string

// For builds the session key for an inbound message. Threaded messages
// use the wildcard nick so every participant in the thread shares one
// session; non-threaded messages partition per (arc, nick).
func For(m bus.RoomMessage) Key {
	if m.ThreadID != "" {
		return Key(fmt.Sprintf("%s|%s|%s", m.Arc.String(), Wildcard, m.ThreadID))
	}
	return Key(fmt.Sprintf("%s|%s|", m.Arc.String(), m.Nick))
}

// ForArc builds a session key for arc-scoped (non-per-user) work, such as
// the proactive runner's channel-level debounce/session tracking.
func ForArc(a bus.Arc) Key {
	return Key(fmt.Sprintf("%s|%s|", a.String(), Wildcard))
}

// Parse splits a Key back into its components. Returns ok=false if the
// key is malformed (should never happen for keys built by For/ForArc).
func Parse(k Key) (arcKey, nick, threadID string, ok bool) {
	parts := strings.SplitN(string(k), "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
