// Package slack implements the Slack transport adapter using Socket
// Mode (api + socketmode.Client, an event loop over client.Events), so
// the bot needs no public HTTP endpoint.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/channels"
)

// Config configures the Slack adapter.
type Config struct {
	BotToken  string
	AppToken  string
	ServerTag string
	AllowFrom []string
}

// Channel connects to Slack via Socket Mode.
type Channel struct {
	*channels.BaseChannel
	api       *slack.Client
	client    *socketmode.Client
	cfg       Config
	botUserID string
	cancel    context.CancelFunc
}

// New creates a Slack channel. dispatch receives every accepted inbound
// message.
func New(cfg Config, dispatch channels.Dispatch) *Channel {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)

	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", dispatch, cfg.AllowFrom),
		api:         api,
		client:      client,
		cfg:         cfg,
	}
}

// Start connects over Socket Mode and begins the event loop.
func (c *Channel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.eventLoop(runCtx)
	go func() {
		if err := c.client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack: socket mode run failed", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("slack: connected", "bot_user_id", c.botUserID)
	return nil
}

// Stop disconnects the Socket Mode session.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send posts an outbound message to a Slack channel, optionally as a
// threaded reply.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack: channel not running")
	}
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadID))
	}
	_, _, err := c.api.PostMessageContext(ctx, msg.Arc.ChannelName, opts...)
	if err != nil {
		return classifySendErr(fmt.Errorf("slack: post message: %w", err))
	}
	return nil
}

// rateLimitedError marks a Slack rate_limited response as retryable for
// the send-retry policy, carrying the server's Retry-After hint.
type rateLimitedError struct {
	err        error
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string             { return e.err.Error() }
func (e *rateLimitedError) Unwrap() error             { return e.err }
func (e *rateLimitedError) Retryable() bool           { return true }
func (e *rateLimitedError) RetryAfter() time.Duration { return e.retryAfter }

// classifySendErr wraps Slack's RateLimitedError as a rateLimitedError;
// any other post error passes through unchanged and fails fast.
func classifySendErr(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return &rateLimitedError{err: err, retryAfter: rl.RetryAfter}
	}
	return err
}

// eventLoop drains Socket Mode events, acking each and forwarding
// message events to the dispatch function.
func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.client.Ack(*evt.Request)

			inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			c.handleMessage(ctx, inner)
		}
	}
}

func (c *Channel) handleMessage(ctx context.Context, m *slackevents.MessageEvent) {
	if m.User == "" || m.User == c.botUserID || m.BotID != "" {
		return
	}
	if m.SubType != "" {
		// edits, joins, etc. - not a new conversational turn
		return
	}

	threadID := m.ThreadTimeStamp
	if threadID == m.TimeStamp {
		threadID = ""
	}

	// Direct messages (channel IDs beginning "D") and @-mentions are
	// addressed to the bot; anything else in a shared channel is passive
	// traffic for the coordinator's passive path.
	mention := "<@" + c.botUserID + ">"
	direct := strings.HasPrefix(m.Channel, "D") || strings.Contains(m.Text, mention)

	// The mention token is Slack plumbing, not conversational text; strip
	// it so the command resolver sees the trigger as the first token.
	content := strings.TrimSpace(strings.Replace(m.Text, mention, "", 1))

	roomMsg := bus.RoomMessage{
		Arc:        bus.Arc{ServerTag: c.cfg.ServerTag, ChannelName: m.Channel},
		Nick:       m.User,
		Content:    content,
		ThreadID:   threadID,
		PlatformID: m.TimeStamp,
		Direct:     direct,
	}
	c.Deliver(ctx, roomMsg)
}
