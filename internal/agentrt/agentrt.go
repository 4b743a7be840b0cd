// Package agentrt defines the agent runtime contract the session runner
// drives: a long-lived AgentSession that accepts prompts and steering
// messages and emits lifecycle events as the underlying LLM turn
// progresses. Events are delivered through a subscribe/callback surface
// rather than a stream of chunks, so the session runner and steering
// queue can observe turn boundaries synchronously.
package agentrt

import (
	"context"

	"github.com/oakmoss/steerbot/internal/llm"
)

// EventType enumerates the lifecycle events an AgentSession emits.
type EventType string

const (
	EventTurnEnd            EventType = "turn_end"
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
)

// Event is one lifecycle notification from an AgentSession.
type Event struct {
	Type        EventType
	ToolName    string // set for tool_execution_start/end
	IsError     bool   // set for tool_execution_end
	Completion  string // set for turn_end
	Usage       llm.Usage
	RefusalLike bool // set for turn_end when the completion looks like a refusal
}

// Subscriber receives AgentSession lifecycle events. Handlers run
// synchronously on the goroutine that called Prompt/PromptEphemeral and
// must not block.
type Subscriber func(Event)

// ToolInvoker is the narrow surface internal/mcp's tool bridge exposes to
// an AgentSession: look up tool definitions to advertise to the model,
// and invoke one by name. Tool bodies themselves are out of scope; only
// this dispatch surface lives in agentrt.
type ToolInvoker interface {
	Tools() []llm.ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
}

// Agent constructs AgentSessions for a resolved mode runtime.
type Agent interface {
	// NewSession starts a session scoped to one conversation, with the
	// given system prompt and initial model candidates.
	NewSession(ctx context.Context, systemPrompt string, models []string, tools []string) AgentSession
}

// AgentSession is one running (or idle, between turns) agent conversation.
// Implementations must be safe for concurrent Prompt/Steer/Subscribe calls
// from distinct goroutines, but only run one turn at a time internally.
type AgentSession interface {
	// Prompt starts a new turn with userText as the next user message,
	// appended to this session's running message history.
	Prompt(ctx context.Context, userText string) error

	// PromptEphemeral drives one turn the same way Prompt does, but with
	// text appended only to the outbound request for this call — it is
	// never written to Messages(), so a one-off nudge never shows up as
	// a persisted user message.
	PromptEphemeral(ctx context.Context, text string) error

	// Steer injects text into the turn currently in flight, without
	// waiting for it to finish — the underlying provider adapter decides
	// how injected text is surfaced to the model (as an additional
	// message, a tool result annotation, etc).
	Steer(ctx context.Context, text string) error

	// Subscribe registers a handler for this session's lifecycle events.
	// Returns an unsubscribe function.
	Subscribe(sub Subscriber) (unsubscribe func())

	// SetModel overrides the candidate model list for subsequent turns.
	SetModel(models []string)

	// Messages returns the session's accumulated message history, in the
	// shape the history store persists.
	Messages() []llm.Message

	// Dispose releases any resources (in-flight turn context, goroutines)
	// held by the session. Safe to call more than once.
	Dispose()
}
