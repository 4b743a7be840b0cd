package agentrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/oakmoss/steerbot/internal/llm"
)

// maxToolRounds bounds how many tool-call/tool-result round trips a
// single Prompt call makes before returning whatever text the model has
// produced, so a model stuck requesting tools in a loop can't hang a run
// forever.
const maxToolRounds = 8

// LLMAgent is the default Agent implementation, backed by an llm.Client.
// An optional ToolInvoker (internal/mcp's Manager) backs tool execution;
// nil means this agent's sessions never advertise or invoke tools.
type LLMAgent struct {
	client *llm.Client
	tools  ToolInvoker
}

// NewLLMAgent wraps an llm.Client as an Agent.
func NewLLMAgent(client *llm.Client) *LLMAgent {
	return &LLMAgent{client: client}
}

// WithTools attaches a ToolInvoker backing this agent's sessions' tool
// calls. Returns the same *LLMAgent for chaining at construction time.
func (a *LLMAgent) WithTools(t ToolInvoker) *LLMAgent {
	a.tools = t
	return a
}

func (a *LLMAgent) NewSession(ctx context.Context, systemPrompt string, models []string, tools []string) AgentSession {
	return &llmSession{
		client:       a.client,
		tools:        a.tools,
		toolSet:      toSet(tools),
		systemPrompt: systemPrompt,
		models:       append([]string(nil), models...),
	}
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	s := make(map[string]bool, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

// llmSession is a single-conversation AgentSession. mu guards the
// session's messages, subscribers and disposed flag; it is released while
// a model request is in flight, so concurrent Prompt calls are not
// serialized against each other. Steer appends to messages directly and
// every request round re-snapshots them, so a steer annotates the
// in-flight turn's next model round rather than waiting for the turn to
// finish.
type llmSession struct {
	client       *llm.Client
	tools        ToolInvoker
	toolSet      map[string]bool // tool names this session's mode declared; nil/empty = no tools
	systemPrompt string
	models       []string

	mu       sync.Mutex
	messages []llm.Message
	subs     map[int]Subscriber
	nextSub  int
	disposed bool
}

// Prompt drives one user turn to completion, including any tool-call
// round trips the model requests along the way (bridged through the
// session's ToolInvoker, bounded by maxToolRounds). Exactly one
// EventTurnEnd is emitted per Prompt call, carrying the final visible
// text and the usage summed across every round — internal/runner expects
// one turn_end per Prompt, not one per model round trip.
func (s *llmSession) Prompt(ctx context.Context, userText string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("agentrt: session disposed")
	}
	s.messages = append(s.messages, llm.Message{Role: "user", Content: userText})
	s.mu.Unlock()

	return s.runTurns(ctx, true)
}

// PromptEphemeral runs a turn with text appended to the outbound request
// only — never to s.messages. Neither the nudge nor the resulting
// assistant reply is persisted to this session's history; the caller
// (internal/runner) is responsible for surfacing the final accepted
// completion elsewhere.
func (s *llmSession) PromptEphemeral(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("agentrt: session disposed")
	}
	s.mu.Unlock()

	return s.runTurns(ctx, false, llm.Message{Role: "user", Content: text})
}

// runTurns drives the tool-call round-trip loop and emits one turn_end
// event. When persist is true, the round's assistant replies (and any
// extra trailing messages) are appended to s.messages as they're
// produced; when false, extra is appended only to the outbound request
// for this call and nothing is written back to s.messages.
func (s *llmSession) runTurns(ctx context.Context, persist bool, extra ...llm.Message) error {
	var totalUsage llm.Usage
	var lastResp *llm.ChatResponse

	for round := 0; round < maxToolRounds; round++ {
		s.mu.Lock()
		history := append([]llm.Message(nil), s.messages...)
		history = append(history, extra...)
		models := append([]string(nil), s.models...)
		system := s.systemPrompt
		s.mu.Unlock()

		resp, _, err := s.client.Chat(ctx, models, llm.ChatRequest{
			System:   system,
			Messages: history,
			Tools:    s.toolDefinitions(),
		})
		if err != nil {
			return fmt.Errorf("agentrt: turn failed: %w", err)
		}
		totalUsage.Add(resp.Usage)
		lastResp = resp

		if persist {
			s.mu.Lock()
			if !s.disposed {
				s.messages = append(s.messages, llm.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
			}
			s.mu.Unlock()
		}

		if len(resp.ToolCalls) == 0 {
			break
		}
		s.runToolCalls(ctx, resp.ToolCalls, persist)
	}

	s.emit(Event{
		Type:        EventTurnEnd,
		Completion:  lastResp.Content,
		Usage:       totalUsage,
		RefusalLike: LooksLikeRefusal(lastResp.Content),
	})
	return nil
}

// toolDefinitions returns the tool definitions advertised to the model
// for this session: the ToolInvoker's full catalog, filtered down to the
// mode's declared tool set (empty/nil toolSet means no tools at all,
// matching a mode with no "tools" configured).
func (s *llmSession) toolDefinitions() []llm.ToolDefinition {
	if s.tools == nil || len(s.toolSet) == 0 {
		return nil
	}
	var defs []llm.ToolDefinition
	for _, d := range s.tools.Tools() {
		if s.toolSet[d.Name] {
			defs = append(defs, d)
		}
	}
	return defs
}

// runToolCalls invokes every requested tool call and appends its result
// as a "tool" message, emitting tool_execution_start/end events around
// each call.
func (s *llmSession) runToolCalls(ctx context.Context, calls []llm.ToolCall, persist bool) {
	for _, call := range calls {
		s.emit(Event{Type: EventToolExecutionStart, ToolName: call.Name})

		result, err := s.invokeTool(ctx, call)
		isErr := err != nil
		if isErr {
			result = fmt.Sprintf("error: %v", err)
		}

		s.emit(Event{Type: EventToolExecutionEnd, ToolName: call.Name, IsError: isErr})

		if persist {
			s.mu.Lock()
			if !s.disposed {
				s.messages = append(s.messages, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})
			}
			s.mu.Unlock()
		}
	}
}

func (s *llmSession) invokeTool(ctx context.Context, call llm.ToolCall) (string, error) {
	if s.tools == nil {
		return "", fmt.Errorf("agentrt: no tool bridge configured")
	}
	return s.tools.Invoke(ctx, call.Name, call.Arguments)
}

// Steer appends text as an additional user-role message in the running
// history. A request already sent to the model is not interrupted; the
// message is visible from the next request round, which is the next tool
// round of an in-flight Prompt if there is one, else the next Prompt call.
func (s *llmSession) Steer(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("agentrt: session disposed")
	}
	s.messages = append(s.messages, llm.Message{Role: "user", Content: text})
	return nil
}

func (s *llmSession) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = map[int]Subscriber{}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *llmSession) emit(ev Event) {
	s.mu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
}

func (s *llmSession) SetModel(models []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = append([]string(nil), models...)
}

func (s *llmSession) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.messages...)
}

func (s *llmSession) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	s.subs = nil
}
