// Package discord implements the Discord transport adapter: discordgo
// session setup and gateway intents, chunked sending for Discord's
// 2000-char message cap, and a requireMention gate for group channels.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/channels"
)

// maxMessageLen is Discord's hard cap on a single message's content.
const maxMessageLen = 2000

// Config configures the Discord adapter.
type Config struct {
	Token           string
	ServerTag       string // this repo's Arc.ServerTag for every message from this bot
	AllowFrom       []string
	RequireMention  bool
}

// Channel connects to Discord via the bot gateway.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	cfg            Config
	botUserID      string
	placeholders   sync.Map // channelID -> discord message ID of a "thinking" placeholder
}

// New creates a Discord channel. dispatch receives every accepted
// inbound message.
func New(cfg Config, dispatch channels.Dispatch) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", dispatch, cfg.AllowFrom),
		session:     session,
		cfg:         cfg,
	}, nil
}

// Start opens the gateway connection.
func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, m)
	})

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord: connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers an outbound message, chunking if it exceeds Discord's
// message length cap.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord: channel not running")
	}
	channelID := msg.Arc.ChannelName
	if channelID == "" {
		return fmt.Errorf("discord: empty channel ID")
	}

	content := msg.Text
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		send := &discordgo.MessageSend{Content: chunk}
		if msg.ThreadID != "" {
			// discordgo sends to a thread the same way as any channel ID
			// once the thread has been created; the thread's own ID is
			// the channel ID to send to.
			_, err := c.session.ChannelMessageSendComplex(msg.ThreadID, send)
			if err != nil {
				return classifySendErr(fmt.Errorf("discord: send to thread: %w", err))
			}
			continue
		}
		if _, err := c.session.ChannelMessageSendComplex(channelID, send); err != nil {
			return classifySendErr(fmt.Errorf("discord: send message: %w", err))
		}
	}
	return nil
}

// rateLimitedError marks a Discord rate-limit response as retryable for
// the send-retry policy, carrying the server's retry-after hint.
type rateLimitedError struct {
	err        error
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string             { return e.err.Error() }
func (e *rateLimitedError) Unwrap() error             { return e.err }
func (e *rateLimitedError) Retryable() bool           { return true }
func (e *rateLimitedError) RetryAfter() time.Duration { return e.retryAfter }

// classifySendErr wraps a Discord rate-limit error (429 / RateLimitError)
// as a rateLimitedError; any other send error passes through unchanged
// and fails fast.
func classifySendErr(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &rateLimitedError{err: err, retryAfter: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
		return &rateLimitedError{err: err}
	}
	return err
}

// handleMessage normalizes a Discord gateway event into a bus.RoomMessage
// and hands it to the dispatch function.
func (c *Channel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isGroup := m.GuildID != ""
	mentioned := !isGroup
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	// In groups configured to require an explicit mention, a passive
	// (non-mentioning) message still reaches the coordinator so the
	// Proactive Runner and auto-chronicler see the full conversation —
	// only mention-gated *direct* dispatch is skipped.
	direct := mentioned || !c.cfg.RequireMention

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	threadID := ""
	if m.Thread != nil {
		threadID = m.Thread.ID
	}

	roomMsg := bus.RoomMessage{
		Arc:        bus.Arc{ServerTag: c.cfg.ServerTag, ChannelName: m.ChannelID},
		Nick:       displayName(m),
		MyNick:     c.session.State.User.Username,
		Content:    content,
		ThreadID:   threadID,
		PlatformID: m.ID,
		Direct:     direct,
	}

	c.Deliver(ctx, roomMsg)
}

// displayName prefers a guild nickname/global display name over the bare
// username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
