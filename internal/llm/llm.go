// Package llm resolves "provider:model" strings against a registry of
// provider adapters and exposes a thin chat-completion surface on top:
// candidate-model fallback, tool definitions on the request, and a
// reduced single-shot call for callers that don't carry history.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Message is one turn in a conversation passed to a provider.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage tracks token consumption for one completion call. Cache counts
// and cost stay zero on providers that don't report them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CacheReadTokens  int
	CacheWriteTokens int
	TotalTokens      int
	Cost             float64
}

// Add accumulates another Usage into u componentwise, used by the
// session runner to sum usage across turns of one agent run.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.TotalTokens += o.TotalTokens
	u.Cost += o.Cost
}

// ChatRequest is the input to a provider's Chat call.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// ChatResponse is the result of a provider's Chat call.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string // "stop", "tool_calls", "length"
	Usage        Usage
}

// Provider is one LLM backend (Anthropic, OpenAI, ...).
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// Client resolves "provider:model" specs against a registry of Providers
// and offers a reduced single-shot completion surface for callers (like
// the mode classifier) that don't need the full message-history API.
type Client struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewClient creates a Client with no providers registered.
func NewClient() *Client {
	return &Client{providers: map[string]Provider{}}
}

// Register adds a provider under its Name().
func (c *Client) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[p.Name()] = p
}

// Resolve parses a "provider:model" spec and returns the provider and bare
// model name. If the named provider isn't registered, Resolve falls back
// to any single registered provider rather than failing outright — a
// moved/renamed provider in config shouldn't take the bot down.
func (c *Client) Resolve(spec string) (provider Provider, model string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name, model, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, "", fmt.Errorf("llm: model spec %q must be provider:model", spec)
	}

	if p, ok := c.providers[name]; ok {
		return p, model, nil
	}

	for fallbackName, p := range c.providers {
		return p, model, fmt.Errorf("llm: provider %q not configured, falling back to %q", name, fallbackName)
	}
	return nil, "", fmt.Errorf("llm: no providers configured")
}

// Chat resolves the first usable model from candidates (in order) and
// performs a chat completion, returning which model spec actually served
// the request.
func (c *Client) Chat(ctx context.Context, candidates []string, req ChatRequest) (resp *ChatResponse, usedModel string, err error) {
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("llm: no candidate models provided")
	}

	var lastErr error
	for _, spec := range candidates {
		provider, model, resolveErr := c.Resolve(spec)
		if resolveErr != nil && provider == nil {
			lastErr = resolveErr
			continue
		}
		req.Model = model
		resp, chatErr := provider.Chat(ctx, req)
		if chatErr != nil {
			lastErr = fmt.Errorf("llm: %s: %w", spec, chatErr)
			continue
		}
		return resp, spec, nil
	}
	return nil, "", fmt.Errorf("llm: all candidates exhausted: %w", lastErr)
}

// CompleteSimple performs a single-turn completion with a system prompt
// and one user message, returning just the text — the reduced surface
// the mode classifier (internal/classifier) depends on.
func (c *Client) CompleteSimple(ctx context.Context, model string, systemPrompt string, userText string) (string, error) {
	resp, _, err := c.Chat(ctx, []string{model}, ChatRequest{
		System:   systemPrompt,
		Messages: []Message{{Role: "user", Content: userText}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
