package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/oakmoss/steerbot/internal/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndHistoryOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	for _, msg := range []llm.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	} {
		if err := s.AppendMessage(ctx, key, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	got, err := s.History(ctx, key, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("History() len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Content != w {
			t.Errorf("History()[%d] = %q, want %q", i, got[i].Content, w)
		}
	}
}

func TestHistoryLimitReturnsMostRecentInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	for _, c := range []string{"a", "b", "c", "d"} {
		s.AppendMessage(ctx, key, llm.Message{Role: "user", Content: c})
	}

	got, err := s.History(ctx, key, 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "c" || got[1].Content != "d" {
		t.Fatalf("History(limit=2) = %+v, want [c d]", got)
	}
}

func TestAccumulateUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	if err := s.AccumulateUsage(ctx, key, llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}); err != nil {
		t.Fatalf("AccumulateUsage() error = %v", err)
	}
	if err := s.AccumulateUsage(ctx, key, llm.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}); err != nil {
		t.Fatalf("AccumulateUsage() error = %v", err)
	}

	var prompt, completion int
	row := s.db.QueryRowContext(ctx, `SELECT prompt_tokens, completion_tokens FROM sessions WHERE session_key = ?`, key)
	if err := row.Scan(&prompt, &completion); err != nil {
		t.Fatalf("scan totals: %v", err)
	}
	if prompt != 13 || completion != 6 {
		t.Fatalf("accumulated usage = (%d, %d), want (13, 6)", prompt, completion)
	}
}

func TestModeKeyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	got, err := s.ModeKey(ctx, key)
	if err != nil {
		t.Fatalf("ModeKey() error = %v", err)
	}
	if got != "" {
		t.Fatalf("ModeKey() on unseen session = %q, want empty", got)
	}

	if err := s.SetModeKey(ctx, key, "serious"); err != nil {
		t.Fatalf("SetModeKey() error = %v", err)
	}
	got, err = s.ModeKey(ctx, key)
	if err != nil {
		t.Fatalf("ModeKey() error = %v", err)
	}
	if got != "serious" {
		t.Fatalf("ModeKey() = %q, want serious", got)
	}
}

func TestTruncateHistoryKeepsOnlyMostRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	for _, c := range []string{"a", "b", "c", "d", "e"} {
		s.AppendMessage(ctx, key, llm.Message{Role: "user", Content: c})
	}
	if err := s.TruncateHistory(ctx, key, 2); err != nil {
		t.Fatalf("TruncateHistory() error = %v", err)
	}

	got, err := s.History(ctx, key, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 2 || got[0].Content != "d" || got[1].Content != "e" {
		t.Fatalf("History() after truncate = %+v, want [d e]", got)
	}
}

func TestDeleteRemovesSessionAndMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "libera#test|alice|"

	s.AppendMessage(ctx, key, llm.Message{Role: "user", Content: "hi"})
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, err := s.History(ctx, key, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("History() after Delete = %+v, want empty", got)
	}
}

func TestRecentMessagesUsesWildcardNickKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	arcKey := "libera#test"

	s.AppendMessage(ctx, arcKey+"|*|", llm.Message{Role: "user", Content: "channel chatter"})

	got, err := s.RecentMessages(ctx, arcKey, 10)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(got) != 1 || got[0].Content != "channel chatter" {
		t.Fatalf("RecentMessages() = %+v", got)
	}
}
