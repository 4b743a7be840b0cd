// Package proactive implements the Proactive Runner: for channels
// configured as "interjecting", watches conversation until it goes
// quiet, runs a scored validation pipeline to decide whether an
// unprompted reply is warranted, and — only if a mode classifier
// separately confirms the "serious" mode — hands off to the session
// coordinator to actually run and deliver that reply.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oakmoss/steerbot/internal/agentrt"
	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/classifier"
	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/llm"
	"github.com/oakmoss/steerbot/internal/ratelimit"
	"github.com/oakmoss/steerbot/internal/resolver"
)

// ChatCompleter is the minimal multi-turn completion surface the
// validation pipeline needs, satisfied by internal/llm.Client.
type ChatCompleter interface {
	Chat(ctx context.Context, candidates []string, req llm.ChatRequest) (*llm.ChatResponse, string, error)
	CompleteSimple(ctx context.Context, model, systemPrompt, userText string) (string, error)
}

// HistoryProvider returns the conversation context for a channel, bounded
// to historySize messages, used both to detect new activity during the
// debounce loop and as the validation pipeline's context.
type HistoryProvider interface {
	RecentMessages(ctx context.Context, arcKey string, historySize int) ([]llm.Message, error)
}

// Executor runs an approved proactive interjection as a real session
// turn and delivers its reply — in practice the session coordinator,
// injected here to avoid an import cycle (coordinator already depends on
// runner/history/steering; proactive stays a peer, not a dependency).
type Executor interface {
	ExecuteProactive(ctx context.Context, arcKey string, modeKey string, msg bus.RoomMessage) (agentrt.AgentSession, error)
}

// scorePattern matches a "<score>/10"-shaped integer anywhere in a
// validation model's response.
var scorePattern = regexp.MustCompile(`(\d{1,2})\s*/\s*10`)

// Runner drives the proactive interjection pipeline for every
// interjecting channel.
type Runner struct {
	cfg       *config.Config
	completer ChatCompleter
	history   HistoryProvider
	executor  Executor
	limiter   *ratelimit.Limiter

	mu              sync.Mutex
	activeDebounces map[string]bool
	activeAgents    map[string]agentrt.AgentSession
}

// New creates a Runner. limiter is shared across every interjecting
// channel, not scoped per-channel.
func New(cfg *config.Config, completer ChatCompleter, history HistoryProvider, executor Executor, limiter *ratelimit.Limiter) *Runner {
	return &Runner{
		cfg:             cfg,
		completer:       completer,
		history:         history,
		executor:        executor,
		limiter:         limiter,
		activeDebounces: make(map[string]bool),
		activeAgents:    make(map[string]agentrt.AgentSession),
	}
}

// SteerOrStart is called for every inbound message on a channel that
// might be interjecting. Returns true only if the message was steered
// into an active proactive agent. Returns false in every other case: the
// channel is not interjecting, a debounce is already running for it, or
// this call started a new debounce.
func (r *Runner) SteerOrStart(ctx context.Context, msg bus.RoomMessage, hasActiveCommandSession func() bool) bool {
	arcKey := msg.Arc.String()
	proactive := r.cfg.Proactive()
	if !proactive.InterjectingChannels[arcKey] {
		return false
	}

	r.mu.Lock()
	agent, hasAgent := r.activeAgents[arcKey]
	debouncing := r.activeDebounces[arcKey]
	r.mu.Unlock()

	if hasAgent {
		steerText := msg.Nick + ": " + msg.Content
		if err := agent.Steer(ctx, steerText); err != nil {
			slog.Warn("proactive: steer failed", "arc", arcKey, "error", err)
		}
		return true
	}

	if !debouncing {
		go r.runSession(context.WithoutCancel(ctx), arcKey, msg, hasActiveCommandSession)
	}
	return false
}

// runSession implements the debounce-until-silence loop: wait for a quiet
// period, bail out if a command session claimed the channel meanwhile,
// otherwise evaluate whether to interject and hand off to the executor.
func (r *Runner) runSession(ctx context.Context, arcKey string, trigger bus.RoomMessage, hasActiveCommandSession func() bool) {
	proactive := r.cfg.Proactive()

	r.mu.Lock()
	r.activeDebounces[arcKey] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeDebounces, arcKey)
		delete(r.activeAgents, arcKey)
		r.mu.Unlock()
	}()

	debounce := time.Duration(proactive.DebounceSeconds) * time.Second
	if debounce <= 0 {
		debounce = time.Second
	}

	lastSeen, err := lastMessageFingerprint(ctx, r.history, arcKey, proactive.HistorySize)
	if err != nil {
		slog.Warn("proactive: history lookup failed", "arc", arcKey, "error", err)
		return
	}
	for {
		select {
		case <-time.After(debounce):
		case <-ctx.Done():
			return
		}

		if hasActiveCommandSession() {
			return
		}

		seen, err := lastMessageFingerprint(ctx, r.history, arcKey, proactive.HistorySize)
		if err != nil {
			slog.Warn("proactive: history lookup failed", "arc", arcKey, "error", err)
			return
		}
		if seen == lastSeen {
			// no new message arrived during the last debounce window
			break
		}
		lastSeen = seen
	}

	convo, err := r.history.RecentMessages(ctx, arcKey, proactive.HistorySize)
	if err != nil {
		slog.Warn("proactive: history lookup failed", "arc", arcKey, "error", err)
		return
	}

	interject, reason := r.evaluateProactiveInterjection(ctx, proactive, convo, trigger.Content)
	if !interject {
		slog.Info("proactive: declined to interject", "arc", arcKey, "reason", reason)
		return
	}

	if !r.confirmSeriousMode(ctx, arcKey, trigger.Content) {
		return
	}

	session, err := r.executor.ExecuteProactive(ctx, arcKey, proactive.SeriousModeKey, trigger)
	if err != nil {
		slog.Error("proactive: executor failed", "arc", arcKey, "error", err)
		return
	}

	r.mu.Lock()
	r.activeAgents[arcKey] = session
	r.mu.Unlock()
}

// confirmSeriousMode classifies the triggering message and reports
// whether the mode it resolves to is the configured serious mode. The
// classifier returns a label; the label maps to a trigger, and the
// trigger to its owning mode key — only that final mode key is
// comparable to SeriousModeKey. Anything less than a confirmed serious
// classification abandons the interjection.
func (r *Runner) confirmSeriousMode(ctx context.Context, arcKey, content string) bool {
	cmd := r.cfg.Command()
	label, err := classifier.Classify(ctx, r.completer, cmd.ModeClassifier, content)
	if err != nil {
		slog.Warn("proactive: mode classification fell back", "arc", arcKey, "error", err)
	}

	trig, ok := resolver.TriggerForLabel(cmd, label)
	if !ok {
		slog.Info("proactive: classifier label resolves to no trigger, abandoning interjection", "arc", arcKey, "label", label)
		return false
	}
	_, modeKey, ok := resolver.RuntimeForTrigger(cmd, trig)
	if !ok {
		slog.Info("proactive: trigger resolves to no mode, abandoning interjection", "arc", arcKey, "trigger", trig)
		return false
	}
	if modeKey != r.cfg.Proactive().SeriousModeKey {
		slog.Info("proactive: classified mode isn't serious, abandoning interjection", "arc", arcKey, "label", label, "mode", modeKey)
		return false
	}
	return true
}

// evaluateProactiveInterjection runs the scored validation pipeline: a
// rate-limit gate, then one completion call per configured validation
// model, each producing a "<score>/10" the caller parses and
// early-rejects on if it falls well short of the threshold.
func (r *Runner) evaluateProactiveInterjection(ctx context.Context, cfg config.ProactiveConfig, convo []llm.Message, currentMessage string) (interject bool, reason string) {
	if !r.limiter.CheckLimit() {
		return false, "rate limited"
	}

	prompt := strings.ReplaceAll(cfg.Prompts.Interject, "{message}", stripNickPrefix(currentMessage))

	var finalScore int
	for i, model := range cfg.ValidationModels {
		messages := contextAsUserTurns(convo)
		resp, _, err := r.completer.Chat(ctx, []string{model}, llm.ChatRequest{
			Model:    model,
			System:   prompt,
			Messages: messages,
		})
		if err != nil {
			return false, fmt.Sprintf("validation model %d errored: %v", i, err)
		}

		score, ok := parseScore(resp.Content)
		if !ok {
			return false, fmt.Sprintf("validation model %d returned no parseable score", i)
		}
		finalScore = score

		if score < cfg.InterjectThreshold-1 {
			return false, fmt.Sprintf("validation model %d scored %d/10, below threshold", i, score)
		}
	}

	if finalScore < cfg.InterjectThreshold {
		return false, fmt.Sprintf("final score %d/10 below threshold %d", finalScore, cfg.InterjectThreshold)
	}
	return true, ""
}

// contextAsUserTurns renders conversation history as user-role messages,
// prefixing assistant entries with "[assistant] " so the validation
// model sees the full exchange as a single conversational stream.
func contextAsUserTurns(convo []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(convo))
	for _, m := range convo {
		content := m.Content
		if m.Role == "assistant" {
			content = "[assistant] " + content
		}
		out = append(out, llm.Message{Role: "user", Content: content})
	}
	return out
}

func parseScore(text string) (int, bool) {
	match := scorePattern.FindStringSubmatch(text)
	if match == nil {
		return 0, false
	}
	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// stripNickPrefix removes a leading "nick: " or "nick, " address prefix,
// matching the Command Resolver's own address-prefix convention, so the
// interject prompt's {message} placeholder sees just the content.
func stripNickPrefix(content string) string {
	if idx := strings.IndexAny(content, ":,"); idx > 0 && idx < 32 {
		rest := strings.TrimLeft(content[idx+1:], " ")
		if rest != "" {
			return rest
		}
	}
	return content
}

// lastMessageFingerprint identifies the most recent message in a
// channel's history without requiring llm.Message to carry a timestamp
// or ID: the debounce loop only needs to detect "did anything change
// since the last poll", and the tail message's role+content pair is
// sufficient for that (a real duplicate reply landing in the same
// debounce window is vanishingly unlikely and harmless to miss).
func lastMessageFingerprint(ctx context.Context, h HistoryProvider, arcKey string, historySize int) (string, error) {
	recent, err := h.RecentMessages(ctx, arcKey, historySize)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "", nil
	}
	last := recent[len(recent)-1]
	return last.Role + ":" + last.Content, nil
}
