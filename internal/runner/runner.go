// Package runner implements the session runner: drives one agent run to
// completion, handling refusal-triggered model fallback and
// empty-completion retry via an ephemeral meta nudge, and aggregates
// token usage across every turn of the run. Tool calls are handled
// inside internal/agentrt's AgentSession; the runner only observes their
// events.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/oakmoss/steerbot/internal/agentrt"
	"github.com/oakmoss/steerbot/internal/llm"
)

// metaNudge is appended as a one-off prompt when a turn's completion is
// empty or whitespace-only, asking the model to try again. It is never
// persisted to session history and never counts as a steering message.
const metaNudge = "<meta>No valid text or tool use found in response. Please try again.</meta>"

const maxEmptyRetries = 3

// RunRequest is the input to one session runner invocation.
type RunRequest struct {
	RunID        string
	SystemPrompt string
	UserText     string
	Models       []string // candidate models in fallback order
	Tools        []string

	// OnAgentReady, when set, is called with each AgentSession this run
	// creates, before its first prompt — so the caller can wire live
	// steering into the run. A refusal fallback creates a fresh session
	// and announces it again; the latest session wins.
	OnAgentReady func(agentrt.AgentSession)
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID        string
	Content      string
	Usage        llm.Usage
	ModelUsed    string
	EmptyRetries int
	FellBack     bool // true if a refusal caused a fallback to a later candidate model
}

// Runner drives AgentSessions to completion on behalf of the session
// coordinator.
type Runner struct {
	agent agentrt.Agent
}

// New creates a Runner backed by agent.
func New(agent agentrt.Agent) *Runner {
	return &Runner{agent: agent}
}

// Run executes req as a single agent turn (plus any empty-completion
// retries and refusal-triggered model fallbacks it takes internally),
// returning the final visible completion and aggregated usage.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if len(req.Models) == 0 {
		return nil, fmt.Errorf("runner: no candidate models")
	}

	result := &RunResult{RunID: req.RunID}

	models := req.Models
	for attempt := 0; attempt < len(models); attempt++ {
		session := r.agent.NewSession(ctx, req.SystemPrompt, models[attempt:], req.Tools)
		defer session.Dispose()

		if req.OnAgentReady != nil {
			req.OnAgentReady(session)
		}

		var ev agentrt.Event
		unsub := session.Subscribe(func(e agentrt.Event) {
			if e.Type == agentrt.EventTurnEnd {
				ev = e
			}
		})

		if err := session.Prompt(ctx, req.UserText); err != nil {
			unsub()
			if agentrt.LooksLikeRefusal(err.Error()) && attempt+1 < len(models) {
				result.FellBack = true
				continue
			}
			return nil, fmt.Errorf("runner: prompt failed: %w", err)
		}
		unsub()
		result.Usage.Add(ev.Usage)

		if ev.RefusalLike && attempt+1 < len(models) {
			result.FellBack = true
			continue
		}

		completion, retries, err := r.retryEmpty(ctx, session, ev.Completion, &result.Usage)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(completion) == "" {
			return nil, fmt.Errorf("runner: agent produced empty completion")
		}
		result.EmptyRetries = retries
		result.Content = completion
		result.ModelUsed = models[attempt]
		return result, nil
	}

	return nil, fmt.Errorf("runner: all candidate models refused")
}

// retryEmpty re-prompts with the ephemeral meta nudge while the
// completion is empty/whitespace, up to maxEmptyRetries times, adding
// each retry turn's usage to usage. The nudge text is passed directly to
// PromptEphemeral rather than through any persisted history or steering
// path.
func (r *Runner) retryEmpty(ctx context.Context, session agentrt.AgentSession, completion string, usage *llm.Usage) (string, int, error) {
	retries := 0
	for strings.TrimSpace(completion) == "" && retries < maxEmptyRetries {
		var ev agentrt.Event
		unsub := session.Subscribe(func(e agentrt.Event) {
			if e.Type == agentrt.EventTurnEnd {
				ev = e
			}
		})
		if err := session.PromptEphemeral(ctx, metaNudge); err != nil {
			unsub()
			return "", retries, fmt.Errorf("runner: empty-retry prompt failed: %w", err)
		}
		unsub()
		usage.Add(ev.Usage)
		completion = ev.Completion
		retries++
	}
	return completion, retries, nil
}
