// Package channels provides the transport adapter abstraction: each
// chat platform (Discord, Slack, IRC) implements Channel to turn
// platform events into bus.RoomMessage and platform sends into
// bus.OutboundMessage delivery, so the session coordinator never
// depends on a concrete platform SDK.
package channels

import (
	"context"
	"strings"

	"github.com/oakmoss/steerbot/internal/bus"
)

// Dispatch is how a Channel hands a normalized inbound message to the
// core. Injected rather than imported directly so internal/channels
// never depends on internal/coordinator.
type Dispatch func(ctx context.Context, msg bus.RoomMessage)

// Channel is the transport contract every platform adapter satisfies.
type Channel interface {
	// Name identifies the platform ("discord", "slack", "irc").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is actively connected.
	IsRunning() bool
}

// BaseChannel holds the bookkeeping shared by every adapter. Channel
// implementations embed it.
type BaseChannel struct {
	name      string
	dispatch  Dispatch
	running   bool
	allowList []string
}

// NewBaseChannel creates a BaseChannel. An empty allowList allows every
// sender.
func NewBaseChannel(name string, dispatch Dispatch, allowList []string) *BaseChannel {
	return &BaseChannel{name: name, dispatch: dispatch, allowList: allowList}
}

// Name returns the channel's platform identifier.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports the channel's connected state.
func (c *BaseChannel) IsRunning() bool { return c.running }

// SetRunning updates the connected state; adapters call this from
// Start/Stop.
func (c *BaseChannel) SetRunning(running bool) { c.running = running }

// IsAllowed reports whether senderID may be processed. An empty
// allowlist allows everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		if senderID == strings.TrimPrefix(allowed, "@") {
			return true
		}
	}
	return false
}

// Deliver forwards a normalized message to the dispatch function if the
// sender is allowed; otherwise it's silently dropped.
func (c *BaseChannel) Deliver(ctx context.Context, msg bus.RoomMessage) {
	if !c.IsAllowed(msg.Nick) {
		return
	}
	c.dispatch(ctx, msg)
}
