package slack

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/sendretry"
)

func TestClassifySendErrWrapsRateLimit(t *testing.T) {
	rl := &slack.RateLimitedError{RetryAfter: time.Second}
	got := classifySendErr(fmt.Errorf("slack: post message: %w", rl))

	var re sendretry.RetryableError
	if !errors.As(got, &re) {
		t.Fatalf("classifySendErr() = %T, want a RetryableError", got)
	}
	if !re.Retryable() || re.RetryAfter() != time.Second {
		t.Fatalf("Retryable()/RetryAfter() = %v/%v, want true/1s", re.Retryable(), re.RetryAfter())
	}
}

func TestClassifySendErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("slack: post message: invalid_auth")
	if got := classifySendErr(plain); got != plain {
		t.Fatalf("classifySendErr() = %v, want the error unchanged", got)
	}
}

func newTestChannel(t *testing.T, allowFrom []string) (*Channel, *[]bus.RoomMessage) {
	t.Helper()
	var delivered []bus.RoomMessage
	ch := New(Config{BotToken: "xoxb-test", AppToken: "xapp-test", ServerTag: "workspace", AllowFrom: allowFrom}, func(ctx context.Context, msg bus.RoomMessage) {
		delivered = append(delivered, msg)
	})
	ch.botUserID = "UBOT123"
	return ch, &delivered
}

func TestHandleMessageSkipsBotAndOwnMessages(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)

	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "UBOT123", Text: "hi"})
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{BotID: "B123", User: "U1", Text: "hi"})
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{})

	if len(*delivered) != 0 {
		t.Fatalf("handleMessage() delivered %d messages, want 0", len(*delivered))
	}
}

func TestHandleMessageSkipsSubtypes(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Text: "edited", SubType: "message_changed"})
	if len(*delivered) != 0 {
		t.Fatalf("handleMessage() delivered %d messages for a subtype event, want 0", len(*delivered))
	}
}

func TestHandleMessageDirectForDMChannel(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "D1234", Text: "hello"})

	if len(*delivered) != 1 {
		t.Fatalf("handleMessage() delivered %d, want 1", len(*delivered))
	}
	if !(*delivered)[0].Direct {
		t.Fatal("handleMessage() in a D-channel want Direct=true")
	}
}

func TestHandleMessageDirectForMention(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "C1234", Text: "hey <@UBOT123> help me"})

	if len(*delivered) != 1 || !(*delivered)[0].Direct {
		t.Fatalf("handleMessage() with mention want one Direct message, got %+v", *delivered)
	}
}

func TestHandleMessageStripsMentionToken(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "C1234", Text: "<@UBOT123> !s help me"})

	if (*delivered)[0].Content != "!s help me" {
		t.Fatalf("Content = %q, want mention token stripped", (*delivered)[0].Content)
	}
}

func TestHandleMessagePassiveInChannel(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U1", Channel: "C1234", Text: "just chatting"})

	if len(*delivered) != 1 {
		t.Fatalf("handleMessage() delivered %d, want 1", len(*delivered))
	}
	if (*delivered)[0].Direct {
		t.Fatal("handleMessage() unaddressed channel message want Direct=false")
	}
}

func TestHandleMessageThreadIDOmittedForRootMessage(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U1", Channel: "C1", Text: "root", TimeStamp: "100.1", ThreadTimeStamp: "100.1",
	})
	if (*delivered)[0].ThreadID != "" {
		t.Fatalf("ThreadID for a root message = %q, want empty", (*delivered)[0].ThreadID)
	}
}

func TestHandleMessageThreadIDSetForReply(t *testing.T) {
	ch, delivered := newTestChannel(t, nil)
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{
		User: "U1", Channel: "C1", Text: "reply", TimeStamp: "100.2", ThreadTimeStamp: "100.1",
	})
	if (*delivered)[0].ThreadID != "100.1" {
		t.Fatalf("ThreadID for a reply = %q, want 100.1", (*delivered)[0].ThreadID)
	}
}

func TestHandleMessageRespectsAllowlist(t *testing.T) {
	ch, delivered := newTestChannel(t, []string{"U1"})
	ch.handleMessage(context.Background(), &slackevents.MessageEvent{User: "U2", Channel: "C1", Text: "stranger danger"})
	if len(*delivered) != 0 {
		t.Fatalf("handleMessage() from a disallowed sender delivered %d, want 0", len(*delivered))
	}
}
