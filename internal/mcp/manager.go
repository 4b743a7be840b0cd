// Package mcp is the MCP tool bridge. It connects to the MCP servers
// named in config over stdio/sse/streamable-http, discovers their tools
// through the initialize-then-list-tools handshake, and exposes them to
// internal/agentrt as llm.ToolDefinition + an Invoke call, with a
// background ping health check and backoff reconnect per server. Tool
// bodies live in the external servers; this package only dispatches to
// them.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/oakmoss/steerbot/internal/config"
	"github.com/oakmoss/steerbot/internal/llm"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
)

// ServerStatus reports one MCP server's connection status.
type ServerStatus struct {
	Name      string
	Transport string
	Connected bool
	ToolCount int
	Error     string
}

type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string // bridged names, "<toolPrefix><originalName>"
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager connects to every enabled MCP server named in config and
// exposes their tools through a single Tools/Invoke surface.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverState
	// toolOwner maps a bridged tool name to the server that owns it and
	// its original (unprefixed) name, for Invoke dispatch.
	toolOwner map[string]owned
	toolDefs  map[string]llm.ToolDefinition
}

type owned struct {
	server   string
	original string
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		servers:   make(map[string]*serverState),
		toolOwner: make(map[string]owned),
		toolDefs:  make(map[string]llm.ToolDefinition),
	}
}

// Start connects to every non-disabled server in cfgs. Connection
// failures are logged and skipped rather than fatal — one misconfigured
// MCP server shouldn't block the bot from starting.
func (m *Manager) Start(ctx context.Context, cfgs []config.MCPServerConfig) {
	for _, cfg := range cfgs {
		if cfg.Disabled {
			slog.Info("mcp.server.disabled", "server", cfg.Name)
			continue
		}
		if err := m.connectServer(ctx, cfg); err != nil {
			slog.Warn("mcp.server.connect_failed", "server", cfg.Name, "error", err)
		}
	}
}

// Stop closes every server connection and clears the tool registry.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp.server.close_error", "server", name, "error", err)
			}
		}
	}
	m.servers = make(map[string]*serverState)
	m.toolOwner = make(map[string]owned)
}

// Tools returns llm.ToolDefinitions for every tool across every
// connected server, in the shape internal/agentrt passes through to a
// provider's ChatRequest.Tools.
func (m *Manager) Tools() []llm.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(m.toolOwner))
	for name := range m.toolOwner {
		defs = append(defs, m.toolDefs[name])
	}
	return defs
}

// Invoke calls the named bridged tool on its owning MCP server and
// returns its text result.
func (m *Manager) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	m.mu.RLock()
	ow, ok := m.toolOwner[name]
	var ss *serverState
	if ok {
		ss = m.servers[ow.server]
	}
	m.mu.RUnlock()
	if !ok || ss == nil {
		return "", fmt.Errorf("mcp: unknown tool %q", name)
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = ow.original
	req.Params.Arguments = args

	res, err := ss.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call %s/%s: %w", ow.server, ow.original, err)
	}
	return flattenResult(res), nil
}

// ServerStatuses reports the live status of every connected server.
func (m *Manager) ServerStatuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return out
}

func (m *Manager) connectServer(ctx context.Context, cfg config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "steerbot", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{name: cfg.Name, transport: cfg.Transport, client: client}
	ss.connected.Store(true)

	m.mu.Lock()
	var names []string
	for _, t := range listed.Tools {
		bridged := cfg.ToolPrefix + t.Name
		if _, exists := m.toolOwner[bridged]; exists {
			slog.Warn("mcp.tool.name_collision", "server", cfg.Name, "tool", bridged)
			continue
		}
		m.toolOwner[bridged] = owned{server: cfg.Name, original: t.Name}
		m.toolDefs[bridged] = llm.ToolDefinition{
			Name:        bridged,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		names = append(names, bridged)
	}
	ss.toolNames = names
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	hctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	go m.healthLoop(hctx, ss)

	slog.Info("mcp.server.connected", "server", cfg.Name, "transport", cfg.Transport, "tools", len(names))
	return nil
}

func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ss.client.Ping(ctx); err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "method not found") {
					ss.connected.Store(true)
					continue
				}
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				slog.Warn("mcp.server.health_failed", "server", ss.name, "error", err)
				m.tryReconnect(ctx, ss)
				continue
			}
			ss.connected.Store(true)
			ss.mu.Lock()
			ss.reconnAttempts = 0
			ss.lastErr = ""
			ss.mu.Unlock()
		}
	}
}

func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.mu.Unlock()
		slog.Error("mcp.server.reconnect_exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff * time.Duration(1<<(attempt-1))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}
	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		slog.Info("mcp.server.reconnected", "server", ss.name)
	}
}

func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio", "":
		return mcpclient.NewStdioMCPClient(cfg.Command, mapToEnvSlice(cfg.Env), cfg.Args...)
	case "sse":
		return mcpclient.NewSSEMCPClient(cfg.URL)
	case "streamable-http", "http":
		var opts []transport.StreamableHTTPCOption
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func mapToEnvSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}

// schemaToMap adapts mcp-go's typed InputSchema into the loosely-typed
// map llm.ToolDefinition.Parameters expects (matching what a provider's
// wire format needs to send upstream as JSON schema).
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}

// flattenResult joins every text content block in an MCP CallTool result
// into a single string, the simplest representation a non-multimodal
// provider adapter can feed back to the model as a tool-result message.
func flattenResult(res *mcpgo.CallToolResult) string {
	if res == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError && sb.Len() == 0 {
		return "tool error"
	}
	return sb.String()
}
