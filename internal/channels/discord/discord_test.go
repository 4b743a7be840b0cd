package discord

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/oakmoss/steerbot/internal/sendretry"
)

func TestClassifySendErrWrapsRateLimit(t *testing.T) {
	rl := &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{
		TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 250 * time.Millisecond},
	}}
	got := classifySendErr(fmt.Errorf("discord: send message: %w", rl))

	var re sendretry.RetryableError
	if !errors.As(got, &re) {
		t.Fatalf("classifySendErr() = %T, want a RetryableError", got)
	}
	if !re.Retryable() {
		t.Fatal("Retryable() = false, want true for a rate-limit error")
	}
	if re.RetryAfter() != 250*time.Millisecond {
		t.Fatalf("RetryAfter() = %v, want 250ms", re.RetryAfter())
	}
}

func TestClassifySendErrPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("discord: send message: 403 forbidden")
	got := classifySendErr(plain)
	if got != plain {
		t.Fatalf("classifySendErr() = %v, want the error unchanged", got)
	}
	var re sendretry.RetryableError
	if errors.As(got, &re) {
		t.Fatal("a plain send error must not classify as retryable")
	}
}

func TestDisplayNamePrefersGuildNickname(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice_underscore", GlobalName: "Alice G"},
		Member: &discordgo.Member{Nick: "Ali"},
	}}
	if got := displayName(m); got != "Ali" {
		t.Fatalf("displayName() = %q, want Ali", got)
	}
}

func TestDisplayNameFallsBackToGlobalName(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice_underscore", GlobalName: "Alice G"},
	}}
	if got := displayName(m); got != "Alice G" {
		t.Fatalf("displayName() = %q, want Alice G", got)
	}
}

func TestDisplayNameFallsBackToUsername(t *testing.T) {
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author: &discordgo.User{Username: "alice_underscore"},
	}}
	if got := displayName(m); got != "alice_underscore" {
		t.Fatalf("displayName() = %q, want alice_underscore", got)
	}
}
