// Package mcphost implements [mcp.Host] on top of the official MCP Go SDK.
//
// A Host merges two kinds of tools into one catalogue: tools imported from
// MCP servers (Home Assistant over streamable HTTP, or any stdio server) and
// in-process [tools.Tool] values such as the weather and web search tools.
// In-process tools win name clashes.
//
//	h := mcphost.New(mcphost.WithCallHook(metrics.RecordToolCall))
//	err := h.RegisterServer(ctx, cfg.HomeAssistant.ServerConfig())
//	err = h.RegisterTools(weather.Tools(apiKey))
//	res, err := h.ExecuteTool(ctx, "get_weather", `{"location":"杭州"}`)
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mawwalker/moss/internal/mcp"
	"github.com/mawwalker/moss/pkg/provider/llm"
)

// invokeFunc runs one tool call. Application-level failures are returned as
// a ToolResult with IsError set; the error return is for transport failures.
type invokeFunc func(ctx context.Context, args string) (*mcp.ToolResult, error)

type registered struct {
	def    llm.ToolDefinition
	owner  string // server name, or builtinOwner
	invoke invokeFunc
}

// CallHook observes every executed tool call.
type CallHook func(tool string, d time.Duration, failed bool)

// Option configures a [Host].
type Option func(*Host)

// WithCallHook calls fn after every ExecuteTool on a known tool.
func WithCallHook(fn CallHook) Option {
	return func(h *Host) { h.onCall = fn }
}

// Host is the moss tool router. Create it with [New].
type Host struct {
	client *mcpsdk.Client // one client serves every session
	onCall CallHook

	mu      sync.RWMutex
	tools   map[string]registered
	servers map[string]*mcpsdk.ClientSession
}

var _ mcp.Host = (*Host)(nil)

// New returns an empty Host.
func New(opts ...Option) *Host {
	h := &Host{
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "moss", Version: "1.0.0"}, nil),
		tools:   make(map[string]registered),
		servers: make(map[string]*mcpsdk.ClientSession),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterServer connects to an MCP server and imports its tools. Registering
// a name again replaces the previous connection and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp host: server name must not be empty")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("mcp host: %w", err)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect %q: %w", cfg.Name, err)
	}
	var listed []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools of %q: %w", cfg.Name, err)
		}
		listed = append(listed, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		maps.DeleteFunc(h.tools, func(_ string, r registered) bool { return r.owner == cfg.Name })
	}
	h.servers[cfg.Name] = session

	imported := 0
	for _, tool := range listed {
		if cur, taken := h.tools[tool.Name]; taken && cur.owner != cfg.Name {
			slog.Warn("mcp host: tool name already taken, skipping",
				"tool", tool.Name, "server", cfg.Name, "owner", cur.owner)
			continue
		}
		h.tools[tool.Name] = registered{
			def: llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  objectSchema(tool.InputSchema),
			},
			owner:  cfg.Name,
			invoke: remoteInvoker(session, tool.Name),
		}
		imported++
	}
	slog.Info("mcp server registered", "server", cfg.Name, "tools", imported)
	return nil
}

// remoteInvoker calls name on session. Malformed arguments come from the
// model and are reported back to it rather than failing the call.
func remoteInvoker(session *mcpsdk.ClientSession, name string) invokeFunc {
	return func(ctx context.Context, args string) (*mcp.ToolResult, error) {
		var params map[string]any
		if strings.TrimSpace(args) != "" {
			if err := json.Unmarshal([]byte(args), &params); err != nil {
				return &mcp.ToolResult{Content: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}, nil
			}
		}
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{Name: name, Arguments: params})
		if err != nil {
			return nil, fmt.Errorf("mcp host: call %q: %w", name, err)
		}
		var text strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				text.WriteString(tc.Text)
			}
		}
		return &mcp.ToolResult{Content: text.String(), IsError: res.IsError}, nil
	}
}

// objectSchema normalises an SDK input schema to a JSON object map, falling
// back to an empty object schema.
func objectSchema(schema any) map[string]any {
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	var m map[string]any
	if schema != nil {
		if data, err := json.Marshal(schema); err == nil {
			_ = json.Unmarshal(data, &m)
		}
	}
	if m == nil {
		m = map[string]any{"type": "object"}
	}
	return m
}

// AvailableTools lists every tool, sorted by name so the prompt is stable.
func (h *Host) AvailableTools() []llm.ToolDefinition {
	h.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, r := range h.tools {
		defs = append(defs, r.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// ExecuteTool runs the named tool with JSON args.
func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	r, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}

	start := time.Now()
	res, err := r.invoke(ctx, args)
	elapsed := time.Since(start)
	if h.onCall != nil {
		h.onCall(name, elapsed, err != nil || res.IsError)
	}
	if err != nil {
		return nil, err
	}
	res.DurationMs = elapsed.Milliseconds()
	return res, nil
}

// Close ends every server session and empties the catalogue.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, s := range h.servers {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close %q: %w", name, err))
		}
	}
	clear(h.servers)
	clear(h.tools)
	return errors.Join(errs...)
}
