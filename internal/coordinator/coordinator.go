// Package coordinator implements the session coordinator and command
// executor: the single point where an inbound RoomMessage becomes either
// a fresh agent run, a steering injection into one already in flight, a
// proactive-runner hand-off, or a handled slash-style control command
// ("/stop", "/stopall"). It deduplicates redelivered platform events,
// routes by session key to at most one active runner, and drives each
// session's queue with one goroutine per key.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oakmoss/steerbot/internal/agentrt"
	"github.com/oakmoss/steerbot/internal/bus"
	"github.com/oakmoss/steerbot/internal/classifier"
	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/history"
	"github.com/oakmoss/steerbot/internal/llm"
	"github.com/oakmoss/steerbot/internal/resolver"
	"github.com/oakmoss/steerbot/internal/runner"
	"github.com/oakmoss/steerbot/internal/sessionkey"
	"github.com/oakmoss/steerbot/internal/steering"
)

// dedupeWindow is how long a platform message ID is remembered to guard
// against the same inbound event being redelivered (e.g. a flaky gateway
// reconnect replaying its last few events).
const dedupeWindow = 5 * time.Minute

// silentReply, when returned by a mode's runtime as a reply, is dropped
// instead of being sent to the channel.
const silentReply = "<silent>"

// ProactiveNotifier is the Proactive Runner's entry point for a non-direct
// message, injected here (rather than imported concretely) to avoid an
// import cycle: internal/proactive already depends back on this package
// through its Executor interface.
type ProactiveNotifier interface {
	SteerOrStart(ctx context.Context, msg bus.RoomMessage, hasActiveCommandSession func() bool) bool
}

// ChronicleObserver is the auto-chronicler's passive-traffic sink,
// satisfied by internal/chronicle.AutoChronicler.
type ChronicleObserver interface {
	Observe(ctx context.Context, arcKey, nick, body string) error
}

// Deps bundles the collaborators a Coordinator dispatches work to.
type Deps struct {
	Config     *config.Config
	Completer  classifier.Completer
	Agent      agentrt.Agent
	History    *history.Store
	Proactive  ProactiveNotifier // nil disables the passive path's proactive hand-off
	Chronicler ChronicleObserver // nil disables passive-traffic chronicling
	Publish    func(bus.Event)
	SendReply  func(ctx context.Context, msg bus.OutboundMessage) error
	NowForTest func() time.Time // nil in production; overridable for tests
}

// session tracks the mutable state the coordinator keeps per session key.
// live is guarded by mu since HandleMessage (producer goroutines) and
// runSession (the one consumer goroutine for this key) both read/write it.
type session struct {
	queue *steering.Queue
	mu    sync.Mutex
	live  agentrt.AgentSession // the in-flight run's agent, nil between runs
}

func (s *session) setLive(agent agentrt.AgentSession) {
	s.mu.Lock()
	s.live = agent
	s.mu.Unlock()
}

func (s *session) liveSession() agentrt.AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// steer injects a follow-up into the in-flight run's agent so its next
// turn sees it. Before the agent exists (runner starting) — or in the
// narrow window where it was just disposed — the message buffers in the
// steering queue instead, and the next onAgentReady flush delivers it.
func (s *session) steer(ctx context.Context, msg bus.RoomMessage) {
	if agent := s.liveSession(); agent != nil {
		if err := agent.Steer(ctx, msg.Nick+": "+msg.Content); err == nil {
			return
		}
	}
	s.queue.EnqueuePassive(steering.Item{Message: msg})
}

// Coordinator dispatches inbound messages to session runners, one at a
// time per session key, and handles control commands directly.
type Coordinator struct {
	deps Deps

	mu       sync.Mutex
	sessions map[sessionkey.Key]*session
	seen     map[string]time.Time // platform message ID -> first-seen time, for dedupe
}

// New creates a Coordinator.
func New(deps Deps) *Coordinator {
	return &Coordinator{
		deps:     deps,
		sessions: make(map[sessionkey.Key]*session),
		seen:     make(map[string]time.Time),
	}
}

// HandleMessage is the entry point transport adapters call for every
// normalized inbound message.
func (c *Coordinator) HandleMessage(ctx context.Context, msg bus.RoomMessage) {
	if c.isDuplicate(msg.PlatformID) {
		return
	}

	cmd := c.deps.Config.Command()
	if cmd.IgnoreUsers[msg.Nick] {
		return
	}

	if handled := c.handleControlCommand(ctx, msg); handled {
		return
	}

	// Persist every inbound message under the arc's wildcard key so the
	// Proactive Runner's history-based debounce and context lookup see
	// the whole channel, not just per-nick sessions.
	arcWideKey := string(sessionkey.ForArc(msg.Arc))
	if err := c.deps.History.AppendMessage(ctx, arcWideKey, llm.Message{Role: "user", Content: msg.Nick + ": " + msg.Content}); err != nil {
		slog.Warn("coordinator: persist arc history failed", "arc", msg.Arc, "error", err)
	}

	if !msg.Direct {
		c.handlePassive(ctx, msg)
		return
	}

	resolved := resolver.Resolve(cmd, msg)
	if resolved.HelpRequested {
		c.sendHelp(ctx, msg)
		return
	}
	if resolved.ParseError != "" {
		c.deliverReply(ctx, msg, resolved.ParseError)
		return
	}

	key := sessionkey.For(msg)

	// An explicitly-triggered bypass message (help, parse error,
	// --no-context, steering=false mode) runs immediately without
	// consulting or creating this key's session/queue state at all.
	if !resolved.NeedsClassify && resolver.ShouldBypassSteering(resolved) {
		c.runBypass(ctx, key, resolved, msg)
		return
	}

	// A follow-up into an in-flight run steers the live agent — no new
	// run, and no classification needed for a message that isn't
	// starting one.
	c.mu.Lock()
	existing, exists := c.sessions[key]
	c.mu.Unlock()
	if exists && existing.queue.IsActive() {
		existing.steer(ctx, msg)
		return
	}

	if resolved.NeedsClassify {
		c.finishClassification(ctx, &resolved, msg, cmd)
	}
	if resolved.ModeKey == "" {
		slog.Warn("coordinator: message resolved to no mode, dropping", "session", key)
		return
	}
	if resolver.ShouldBypassSteering(resolved) {
		c.runBypass(ctx, key, resolved, msg)
		return
	}

	sess := c.sessionFor(key)
	item := steering.Item{Message: msg, Resolved: resolved}

	if sess.queue.EnqueueCommandOrStartRunner(item) {
		go c.runSession(ctx, key, sess)
	}
}

// runBypass executes a bypassing command outside any session state and
// delivers its reply directly.
func (c *Coordinator) runBypass(ctx context.Context, key sessionkey.Key, resolved resolver.ResolvedCommand, msg bus.RoomMessage) {
	result, err := c.runOne(ctx, key, resolved, resolved.CleanedContent, nil)
	if err != nil {
		slog.Error("coordinator: bypass run failed", "session", key, "error", err)
		return
	}
	c.deliverReply(ctx, msg, result.Content)
}

// handlePassive handles a non-direct message: steer an already-active
// session with the follow-up chatter, else offer it to the Proactive
// Runner, then let the auto-chronicler observe it either way.
func (c *Coordinator) handlePassive(ctx context.Context, msg bus.RoomMessage) {
	key := sessionkey.For(msg)
	c.mu.Lock()
	sess, exists := c.sessions[key]
	c.mu.Unlock()

	if exists && sess.queue.IsActive() {
		sess.steer(ctx, msg)
	} else if c.deps.Proactive != nil {
		c.deps.Proactive.SteerOrStart(ctx, msg, func() bool {
			return exists && sess.queue.IsActive()
		})
	}

	if c.deps.Chronicler != nil {
		if err := c.deps.Chronicler.Observe(ctx, msg.Arc.String(), msg.Nick, msg.Content); err != nil {
			slog.Warn("coordinator: chronicle observe failed", "arc", msg.Arc, "error", err)
		}
	}
}

// runSession drives one session's runner loop: take the next unit of
// work, run it with live steering wired (follow-ups arriving mid-run go
// straight to the agent via session.steer; anything buffered before the
// agent existed is flushed into it the moment the runner announces it),
// deliver the reply, and repeat until the queue goes idle.
func (c *Coordinator) runSession(ctx context.Context, key sessionkey.Key, sess *session) {
	for {
		item, ok := sess.queue.TakeNextWorkCompacted()
		if !ok {
			if empty := sess.queue.ReleaseSession(); empty {
				c.forgetSession(key, sess)
			}
			return
		}
		generation := sess.queue.Generation()
		resolved := item.Resolved

		onReady := func(agent agentrt.AgentSession) {
			sess.setLive(agent)
			if steerText, ok := sess.queue.DrainSteeringContextMessages(); ok {
				if err := agent.Steer(ctx, steerText); err != nil {
					slog.Warn("coordinator: steering flush failed", "session", key, "error", err)
				}
			}
		}

		result, err := c.runOne(ctx, key, resolved, resolved.CleanedContent, onReady)
		sess.setLive(nil)
		if sess.queue.Generation() != generation {
			// queue was Reset (a /stop landed) while this run was in
			// flight; drop the result rather than replying to a session
			// the user just cancelled.
			sess.queue.FinishItem(item)
			continue
		}
		if err != nil {
			slog.Error("coordinator: run failed", "session", key, "error", err)
			sess.queue.FailItem(item, err)
			sess.queue.AbortSession(err)
			c.forgetSession(key, sess)
			return
		}
		sess.queue.FinishItem(item)
		c.deliverReply(ctx, item.Message, result.Content)
	}
}

// runOne executes a single unit of work to completion and persists the
// resulting turn. onReady (may be nil) receives the run's live
// AgentSession before its first prompt, for steering wiring.
func (c *Coordinator) runOne(ctx context.Context, key sessionkey.Key, resolved resolver.ResolvedCommand, text string, onReady func(agentrt.AgentSession)) (*runner.RunResult, error) {
	if err := c.deps.History.SetModeKey(ctx, string(key), resolved.ModeKey); err != nil {
		slog.Warn("coordinator: persist mode key failed", "session", key, "error", err)
	}

	mode := c.deps.Config.Command().Modes[resolved.ModeKey]
	r := runner.New(c.deps.Agent)

	userText := text
	if !resolved.Flags[resolver.NoContextFlag] {
		if prior, histErr := c.deps.History.History(ctx, string(key), c.deps.Config.Command().HistorySize); histErr != nil {
			slog.Warn("coordinator: load context failed", "session", key, "error", histErr)
		} else if contextText := formatContext(prior); contextText != "" {
			userText = contextText + "\n" + text
		}
	}

	req := runner.RunRequest{
		SystemPrompt: mode.Prompt,
		UserText:     userText,
		Models:       resolved.Runtime.Model,
		Tools:        resolved.Runtime.ToolSet,
		OnAgentReady: onReady,
	}
	if len(req.Models) == 0 {
		req.Models = mode.Model
	}
	// An explicit @provider:modelId override replaces the mode's own
	// candidates for this one turn.
	if resolved.ModelOverride != "" {
		req.Models = []string{resolved.ModelOverride}
	}
	// A configured refusal-fallback model is appended as a last-resort
	// candidate so runner.Run's existing "try the next candidate on
	// refusal" loop reaches it only when every mode-declared model
	// refused.
	if fb := c.deps.Config.RefusalFallbackModel(); fb != "" && !containsModel(req.Models, fb) {
		req.Models = append(append([]string(nil), req.Models...), fb)
	}

	result, err := r.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.FellBack {
		result.Content = fmt.Sprintf("%s\n[refusal fallback to %s]", result.Content, bareModelID(result.ModelUsed))
	}

	if histErr := c.deps.History.AppendMessage(ctx, string(key), llm.Message{Role: "user", Content: text}); histErr != nil {
		slog.Warn("coordinator: persist user message failed", "session", key, "error", histErr)
	}
	if histErr := c.deps.History.AppendMessage(ctx, string(key), llm.Message{Role: "assistant", Content: result.Content}); histErr != nil {
		slog.Warn("coordinator: persist assistant message failed", "session", key, "error", histErr)
	}
	if histErr := c.deps.History.AccumulateUsage(ctx, string(key), result.Usage); histErr != nil {
		slog.Warn("coordinator: persist usage failed", "session", key, "error", histErr)
	}

	return result, nil
}

// formatContext renders prior session history as a block of text to
// prepend ahead of the user's actual turn, the way DrainSteeringContextMessages
// formats passive steering lines. Returns "" for no history, so callers
// can skip prepending anything.
func formatContext(msgs []llm.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = m.Role + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// ExecuteProactive runs an approved proactive interjection as its own
// agent session, outside the normal steering queue since the Proactive
// Runner already performed
// its own debounce/validation gating. The returned AgentSession stays
// live so the Proactive Runner can register it and route subsequent
// channel chatter into it via Steer until the channel goes quiet again.
func (c *Coordinator) ExecuteProactive(ctx context.Context, arcKey string, modeKey string, msg bus.RoomMessage) (agentrt.AgentSession, error) {
	mode, ok := c.deps.Config.Command().Modes[modeKey]
	if !ok {
		return nil, fmt.Errorf("coordinator: proactive mode %q not configured", modeKey)
	}

	key := sessionkey.ForArc(msg.Arc)
	session := c.deps.Agent.NewSession(ctx, mode.Prompt, mode.Model, mode.Tools)

	var turnResult agentrt.Event
	unsub := session.Subscribe(func(e agentrt.Event) {
		if e.Type == agentrt.EventTurnEnd {
			turnResult = e
		}
	})
	defer unsub()

	if err := session.Prompt(ctx, msg.Content); err != nil {
		session.Dispose()
		return nil, fmt.Errorf("coordinator: proactive prompt failed: %w", err)
	}

	// The triggering user message is already persisted under this same
	// arc-wide key by HandleMessage's unconditional history append; only
	// the assistant turn needs recording here.
	if histErr := c.deps.History.AppendMessage(ctx, string(key), llm.Message{Role: "assistant", Content: turnResult.Completion}); histErr != nil {
		slog.Warn("coordinator: persist proactive assistant message failed", "arc", arcKey, "error", histErr)
	}

	c.deliverReply(ctx, msg, turnResult.Completion)
	return session, nil
}

func (c *Coordinator) deliverReply(ctx context.Context, orig bus.RoomMessage, content string) {
	if strings.TrimSpace(content) == "" || content == silentReply {
		return
	}
	if c.deps.SendReply == nil {
		return
	}
	out := bus.OutboundMessage{Arc: orig.Arc, ThreadID: orig.ThreadID, Text: content}
	if err := c.deps.SendReply(ctx, out); err != nil {
		slog.Error("coordinator: send reply failed", "arc", orig.Arc, "error", err)
	}
}

// finishClassification resolves a command that had no explicit trigger by
// asking the mode classifier for a label, then mapping that label back to
// a trigger/mode via resolver.TriggerForLabel. Falls back to
// resolver.DefaultModeKey if classification yields nothing usable.
func (c *Coordinator) finishClassification(ctx context.Context, resolved *resolver.ResolvedCommand, msg bus.RoomMessage, cmd config.CommandConfig) {
	label, err := classifier.Classify(ctx, c.deps.Completer, cmd.ModeClassifier, msg.Content)
	if err != nil {
		slog.Warn("coordinator: classification fell back", "error", err, "label", label)
	}

	trigger, ok := resolver.TriggerForLabel(cmd, label)
	if !ok {
		modeKey, trig := resolver.DefaultModeKey(cmd, msg.Arc.String())
		resolved.ModeKey = modeKey
		resolved.Trigger = trig
		if rt, rtOK := cmd.RuntimeFor(modeKey); rtOK {
			resolved.Runtime = rt
		}
		return
	}

	rt, modeKey, rtOK := resolver.RuntimeForTrigger(cmd, trigger)
	resolved.Trigger = trigger
	resolved.ModeKey = modeKey
	if rtOK {
		resolved.Runtime = rt
	}
}

// handleControlCommand intercepts "/stop" (cancel this session's active
// run) and "/stopall" (cancel every known session). Returns true if msg
// was a control command and has been fully handled.
func (c *Coordinator) handleControlCommand(ctx context.Context, msg bus.RoomMessage) bool {
	trimmed := strings.TrimSpace(msg.Content)
	switch trimmed {
	case "/stop":
		key := sessionkey.For(msg)
		c.mu.Lock()
		sess, ok := c.sessions[key]
		c.mu.Unlock()
		if ok {
			sess.queue.Reset()
		}
		return true
	case "/stopall":
		c.mu.Lock()
		all := make([]*session, 0, len(c.sessions))
		for _, s := range c.sessions {
			all = append(all, s)
		}
		c.mu.Unlock()
		for _, s := range all {
			s.queue.Reset()
		}
		return true
	default:
		return false
	}
}

func (c *Coordinator) sendHelp(ctx context.Context, msg bus.RoomMessage) {
	cmd := c.deps.Config.Command()
	var triggers []string
	for modeKey, mode := range cmd.Modes {
		for trig := range mode.Triggers {
			triggers = append(triggers, fmt.Sprintf("%s (%s)", trig, modeKey))
		}
	}
	c.deliverReply(ctx, msg, "Available modes: "+strings.Join(triggers, ", "))
}

// isDuplicate reports whether id was already seen within dedupeWindow,
// recording it if not. Sweeps expired entries opportunistically so the
// cache doesn't grow unbounded across a long-running process. Empty IDs
// (platforms that don't supply one) are never deduped.
func (c *Coordinator) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if seenAt, ok := c.seen[id]; ok && now.Sub(seenAt) < dedupeWindow {
		return true
	}
	c.seen[id] = now

	for other, seenAt := range c.seen {
		if now.Sub(seenAt) >= dedupeWindow {
			delete(c.seen, other)
		}
	}
	return false
}

func (c *Coordinator) now() time.Time {
	if c.deps.NowForTest != nil {
		return c.deps.NowForTest()
	}
	return time.Now()
}

// containsModel reports whether spec (a "provider:model" string) is
// already present in candidates.
func containsModel(candidates []string, spec string) bool {
	for _, c := range candidates {
		if c == spec {
			return true
		}
	}
	return false
}

// bareModelID strips a "provider:" prefix for the refusal-fallback
// annotation, e.g. "[refusal fallback to claude-3-5-sonnet-20241022]"
// (no provider tag).
func bareModelID(spec string) string {
	if idx := strings.Index(spec, ":"); idx >= 0 {
		return spec[idx+1:]
	}
	return spec
}

func (c *Coordinator) sessionFor(key sessionkey.Key) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if !ok {
		s = &session{queue: steering.New()}
		c.sessions[key] = s
	}
	return s
}

// forgetSession removes key's map entry once its runner has drained the
// queue to empty, so a long-running process doesn't accumulate one entry
// per session key forever. Only deletes if the map still points at sess
// — if a producer raced in and replaced it with a fresh session in the
// meantime, that new entry is left alone.
func (c *Coordinator) forgetSession(key sessionkey.Key, sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[key] == sess {
		delete(c.sessions, key)
	}
}
