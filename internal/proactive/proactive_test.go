package proactive

import (
	"context"
	"testing"
	"time"

	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/llm"
	"github.com/oakmoss/steerbot/internal/ratelimit"
)

// scriptedCompleter returns canned Chat responses in call order, one per
// validation model (a single low score rejects before the classifier
// ever runs).
type scriptedCompleter struct {
	responses []string
	calls     int
	simple    string // canned CompleteSimple answer (the mode classifier's label)
	simpleErr error
}

func (s *scriptedCompleter) Chat(ctx context.Context, candidates []string, req llm.ChatRequest) (*llm.ChatResponse, string, error) {
	if s.calls >= len(s.responses) {
		return nil, "", errNoMoreResponses
	}
	resp := s.responses[s.calls]
	s.calls++
	return &llm.ChatResponse{Content: resp}, candidates[0], nil
}

func (s *scriptedCompleter) CompleteSimple(ctx context.Context, model, systemPrompt, userText string) (string, error) {
	return s.simple, s.simpleErr
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errNoMoreResponses = fakeErr("no more scripted responses")

func newTestRunner(completer ChatCompleter, limit int) *Runner {
	return &Runner{
		completer: completer,
		limiter:   ratelimit.New(limit, time.Minute),
	}
}

func TestEvaluateProactiveInterjectionRejectsLowScore(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"score: 3/10"}}
	r := newTestRunner(completer, 10)

	cfg := config.ProactiveConfig{
		InterjectThreshold: 7,
		ValidationModels:   []string{"anthropic:claude-3"},
		Prompts:            config.ProactivePrompts{Interject: "score this: {message}"},
	}

	interject, reason := r.evaluateProactiveInterjection(context.Background(), cfg, nil, "alice: hey is anyone around")
	if interject {
		t.Fatalf("evaluateProactiveInterjection() = true, want false (reason %q)", reason)
	}
	if completer.calls != 1 {
		t.Fatalf("completer calls = %d, want 1 (no further models consulted after early reject)", completer.calls)
	}
}

func TestEvaluateProactiveInterjectionApprovesHighScore(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"8/10", "9/10"}}
	r := newTestRunner(completer, 10)

	cfg := config.ProactiveConfig{
		InterjectThreshold: 7,
		ValidationModels:   []string{"anthropic:claude-3", "openai:gpt-4o"},
		Prompts:            config.ProactivePrompts{Interject: "score this: {message}"},
	}

	interject, reason := r.evaluateProactiveInterjection(context.Background(), cfg, nil, "alice: what a day")
	if !interject {
		t.Fatalf("evaluateProactiveInterjection() = false (reason %q), want true", reason)
	}
	if completer.calls != 2 {
		t.Fatalf("completer calls = %d, want 2 (all validation models consulted)", completer.calls)
	}
}

func TestEvaluateProactiveInterjectionRateLimited(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"9/10"}}
	r := newTestRunner(completer, 0) // zero budget: every check fails

	cfg := config.ProactiveConfig{
		InterjectThreshold: 7,
		ValidationModels:   []string{"anthropic:claude-3"},
		Prompts:            config.ProactivePrompts{Interject: "score this: {message}"},
	}

	interject, reason := r.evaluateProactiveInterjection(context.Background(), cfg, nil, "hello")
	if interject {
		t.Fatal("evaluateProactiveInterjection() with zero rate budget = true, want false")
	}
	if reason != "rate limited" {
		t.Fatalf("reason = %q, want %q", reason, "rate limited")
	}
	if completer.calls != 0 {
		t.Fatalf("completer calls = %d, want 0 (rate limiter short-circuits before any LLM call)", completer.calls)
	}
}

func TestEvaluateProactiveInterjectionLLMErrorDeclines(t *testing.T) {
	completer := &scriptedCompleter{responses: nil} // first Chat() call errors immediately
	r := newTestRunner(completer, 10)

	cfg := config.ProactiveConfig{
		InterjectThreshold: 7,
		ValidationModels:   []string{"anthropic:claude-3"},
		Prompts:            config.ProactivePrompts{Interject: "score this: {message}"},
	}

	interject, reason := r.evaluateProactiveInterjection(context.Background(), cfg, nil, "hello")
	if interject {
		t.Fatal("evaluateProactiveInterjection() on LLM error = true, want false")
	}
	if reason == "" {
		t.Fatal("evaluateProactiveInterjection() on LLM error want a non-empty reason")
	}
}

// seriousGateConfig declares a serious and a sarcastic mode with
// classifier labels mapping onto their triggers, and marks "serious" as
// the mode proactive interjection requires.
func seriousGateConfig() *config.Config {
	cmd := config.CommandConfig{
		DefaultMode: "classifier:serious",
		Modes: map[string]config.Mode{
			"serious":   {Model: []string{"anthropic:claude-3"}, Triggers: map[string]bool{"!s": true}, Steering: true},
			"sarcastic": {Model: []string{"anthropic:claude-3"}, Triggers: map[string]bool{"!d": true}, Steering: true},
		},
		ModeClassifier: config.ModeClassifier{
			Model:         "anthropic:claude-3",
			Labels:        map[string]string{"SERIOUS": "!s", "SARCASTIC": "!d"},
			FallbackLabel: "SARCASTIC",
		},
	}
	return config.FromSnapshot(cmd, config.ProactiveConfig{SeriousModeKey: "serious"}, "")
}

func TestConfirmSeriousModeAcceptsSeriousClassification(t *testing.T) {
	completer := &scriptedCompleter{simple: "SERIOUS"}
	r := &Runner{cfg: seriousGateConfig(), completer: completer, limiter: ratelimit.New(10, time.Minute)}

	if !r.confirmSeriousMode(context.Background(), "libera#test", "can someone explain TLS handshakes?") {
		t.Fatal("confirmSeriousMode() = false for a SERIOUS classification, want true")
	}
}

func TestConfirmSeriousModeRejectsOtherMode(t *testing.T) {
	completer := &scriptedCompleter{simple: "SARCASTIC"}
	r := &Runner{cfg: seriousGateConfig(), completer: completer, limiter: ratelimit.New(10, time.Minute)}

	if r.confirmSeriousMode(context.Background(), "libera#test", "lol nice one") {
		t.Fatal("confirmSeriousMode() = true for a SARCASTIC classification, want false")
	}
}

func TestConfirmSeriousModeFallbackLabelRejects(t *testing.T) {
	// An unrecognized answer falls back to SARCASTIC, whose mode isn't
	// the serious one, so the gate must reject.
	completer := &scriptedCompleter{simple: "GARBAGE"}
	r := &Runner{cfg: seriousGateConfig(), completer: completer, limiter: ratelimit.New(10, time.Minute)}

	if r.confirmSeriousMode(context.Background(), "libera#test", "hm") {
		t.Fatal("confirmSeriousMode() = true for an unrecognized label, want false (fallback isn't serious)")
	}
}

func TestParseScoreFindsIntegerBeforeSlashTen(t *testing.T) {
	cases := map[string]int{
		"7/10":                     7,
		"I'd put this at 8 / 10.":  8,
		"score: 10/10":             10,
	}
	for input, want := range cases {
		got, ok := parseScore(input)
		if !ok || got != want {
			t.Errorf("parseScore(%q) = (%d, %v), want (%d, true)", input, got, ok, want)
		}
	}
}

func TestParseScoreNoMatch(t *testing.T) {
	if _, ok := parseScore("no score here"); ok {
		t.Fatal("parseScore() on text with no score want ok=false")
	}
}

func TestStripNickPrefix(t *testing.T) {
	cases := map[string]string{
		"alice: hello there": "hello there",
		"bob, what's up":     "what's up",
		"no prefix at all":   "no prefix at all",
	}
	for input, want := range cases {
		if got := stripNickPrefix(input); got != want {
			t.Errorf("stripNickPrefix(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestContextAsUserTurnsPrefixesAssistant(t *testing.T) {
	convo := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	out := contextAsUserTurns(convo)
	if len(out) != 2 {
		t.Fatalf("contextAsUserTurns() len = %d, want 2", len(out))
	}
	if out[0].Role != "user" || out[0].Content != "hi" {
		t.Errorf("contextAsUserTurns()[0] = %+v", out[0])
	}
	if out[1].Role != "user" || out[1].Content != "[assistant] hello" {
		t.Errorf("contextAsUserTurns()[1] = %+v", out[1])
	}
}
