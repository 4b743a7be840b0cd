package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Summarizer is the minimal LLM surface the auto-chronicler's chapter-close
// summary call needs, satisfied by internal/llm.Client.
type Summarizer interface {
	CompleteSimple(ctx context.Context, model, systemPrompt, userText string) (string, error)
}

const chapterSummaryPrompt = "Summarize this conversation chapter in two or three sentences, for a reader who hasn't seen it."

// AutoChronicler records passive conversation traffic as chronicle
// paragraphs and, on a cron schedule, closes chapters that have gone
// quiet with an LLM-written summary, then opens the next one.
type AutoChronicler struct {
	store        *Store
	summarizer   Summarizer
	model        string
	schedule     string
	staleAfter   time.Duration
	pollInterval time.Duration
}

// NewAutoChronicler creates an AutoChronicler. schedule is a standard
// five-field cron expression checked against wall-clock time every
// pollInterval (default one minute); staleAfter is how long an arc must
// have gone without a new paragraph before its chapter is eligible to
// close.
func NewAutoChronicler(store *Store, summarizer Summarizer, model, schedule string, staleAfter, pollInterval time.Duration) *AutoChronicler {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &AutoChronicler{
		store:        store,
		summarizer:   summarizer,
		model:        model,
		schedule:     schedule,
		staleAfter:   staleAfter,
		pollInterval: pollInterval,
	}
}

// Observe appends one line of passive conversation to arcKey's current
// chronicle chapter; the Session Coordinator calls this for every
// passive message it handles.
func (a *AutoChronicler) Observe(ctx context.Context, arcKey, nick, body string) error {
	_, err := a.store.AppendParagraph(ctx, arcKey, fmt.Sprintf("%s: %s", nick, body))
	return err
}

// Run polls the configured cron schedule until ctx is cancelled, sweeping
// stale chapters closed whenever the schedule is due.
func (a *AutoChronicler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gronx.New().IsDue(a.schedule)
			if err != nil {
				slog.Warn("chronicle: invalid auto-chronicler schedule", "schedule", a.schedule, "error", err)
				continue
			}
			if !due {
				continue
			}
			if err := a.sweep(ctx); err != nil {
				slog.Error("chronicle: sweep failed", "error", err)
			}
		}
	}
}

func (a *AutoChronicler) sweep(ctx context.Context) error {
	arcKeys, err := a.store.StaleArcs(ctx, a.staleAfter)
	if err != nil {
		return fmt.Errorf("chronicle: list stale arcs: %w", err)
	}
	for _, arcKey := range arcKeys {
		if err := a.closeChapter(ctx, arcKey); err != nil {
			slog.Error("chronicle: close chapter failed", "arc", arcKey, "error", err)
		}
	}
	return nil
}

// closeChapter summarizes an arc's recent paragraphs with the LLM adapter
// and opens the next chapter titled with that summary, so the chronicle
// reads as a sequence of titled chapters rather than one unbroken stream.
func (a *AutoChronicler) closeChapter(ctx context.Context, arcKey string) error {
	paragraphs, err := a.store.RecentParagraphs(ctx, arcKey, 200)
	if err != nil {
		return err
	}
	if len(paragraphs) == 0 {
		return nil
	}

	var body strings.Builder
	for _, p := range paragraphs {
		body.WriteString(p.Body)
		body.WriteString("\n")
	}

	summary, err := a.summarizer.CompleteSimple(ctx, a.model, chapterSummaryPrompt, body.String())
	if err != nil {
		return fmt.Errorf("chronicle: summarize chapter: %w", err)
	}

	if _, err := a.store.OpenChapter(ctx, arcKey, summary); err != nil {
		return fmt.Errorf("chronicle: open next chapter: %w", err)
	}
	return nil
}
