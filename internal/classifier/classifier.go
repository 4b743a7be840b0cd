// Package classifier implements the LLM-backed mode label classifier,
// used when an inbound message carries no explicit trigger token and
// CommandConfig.DefaultMode is "classifier:<modeKey>".
package classifier

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/oakmoss/steerbot/internal/config"
)

// Completer is the minimal LLM surface the classifier needs, satisfied by
// internal/llm.Client.
type Completer interface {
	CompleteSimple(ctx context.Context, model string, prompt string, userText string) (string, error)
}

// Classify asks the configured classifier model to pick one of
// cfg.ModeClassifier's labels for msgText, returning the label. On any
// error, or when the model's answer doesn't match a declared label, the
// configured fallback label is returned instead so resolution can always
// proceed.
func Classify(ctx context.Context, c Completer, cfg config.ModeClassifier, msgText string) (label string, err error) {
	if len(cfg.Labels) == 0 {
		return cfg.FallbackLabel, fmt.Errorf("classifier: no labels configured")
	}

	raw, callErr := c.CompleteSimple(ctx, cfg.Model, cfg.Prompt, msgText)
	if callErr != nil {
		return cfg.FallbackLabel, fmt.Errorf("classifier: completion failed, using fallback %q: %w", cfg.FallbackLabel, callErr)
	}

	// Exact match first: the normalized answer is itself a declared label.
	exact := normalizeLabel(raw)
	if _, ok := cfg.Labels[exact]; ok {
		return exact, nil
	}

	// Otherwise scan the whole response for label tokens at word
	// boundaries; highest occurrence count wins, ties broken by sorted
	// label order so the pick is deterministic.
	if found := bestWordMatch(raw, cfg.Labels); found != "" {
		return found, nil
	}

	return cfg.FallbackLabel, fmt.Errorf("classifier: model returned unrecognized label %q, using fallback %q", exact, cfg.FallbackLabel)
}

// normalizeLabel trims whitespace/punctuation and uppercases the model's
// raw answer so minor formatting differences ("Serious.", " serious\n")
// still match a declared label.
func normalizeLabel(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.Trim(s, ".!?\"'`")
	if idx := strings.IndexAny(s, "\n"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// bestWordMatch counts whole-word occurrences of each declared label in
// text (case-insensitive) and returns the most frequent one, or "" when
// no label appears at all.
func bestWordMatch(text string, labels map[string]string) string {
	upper := strings.ToUpper(text)

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestCount := "", 0
	for _, name := range names {
		if n := countWholeWord(upper, name); n > bestCount {
			best, bestCount = name, n
		}
	}
	return best
}

// countWholeWord counts occurrences of word in text that are bounded on
// both sides by non-letter/digit runes (or the string edges).
func countWholeWord(text, word string) int {
	count, offset := 0, 0
	for {
		idx := strings.Index(text[offset:], word)
		if idx < 0 {
			return count
		}
		start := offset + idx
		end := start + len(word)
		if boundaryAt(text, start-1) && boundaryAt(text, end) {
			count++
		}
		offset = end
	}
}

func boundaryAt(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	r := rune(text[i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
