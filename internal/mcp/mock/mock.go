// Package mock provides a scripted [mcp.Host] for agent tests.
//
//	h := &mock.Host{AvailableToolsResult: []llm.ToolDefinition{{Name: "get_weather"}}}
//	h.ExecuteToolResult = &mcp.ToolResult{Content: `{"temp_c":18}`}
//	// ... run the agent ...
//	if h.CallCount("ExecuteTool") != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/mawwalker/moss/internal/mcp"
	"github.com/mawwalker/moss/pkg/provider/llm"
)

// Call is one recorded method call. Args excludes the context.
type Call struct {
	Method string
	Args   []any
}

// Host is a test double for [mcp.Host]. Set the exported fields before use;
// the methods are safe for concurrent use.
type Host struct {
	RegisterServerErr    error
	AvailableToolsResult []llm.ToolDefinition

	// ExecuteToolFunc, when set, answers every ExecuteTool. Otherwise
	// ExecuteToolErr is returned if set, else a copy of ExecuteToolResult
	// (an empty result when nil).
	ExecuteToolFunc   func(ctx context.Context, name, args string) (*mcp.ToolResult, error)
	ExecuteToolResult *mcp.ToolResult
	ExecuteToolErr    error

	CloseErr error

	mu    sync.Mutex
	calls []Call
}

var _ mcp.Host = (*Host)(nil)

func (h *Host) note(method string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// Calls returns the recorded calls in order.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// CallCount counts recorded calls to method.
func (h *Host) CallCount(method string) int {
	n := 0
	for _, c := range h.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.note("RegisterServer", cfg)
	return h.RegisterServerErr
}

func (h *Host) AvailableTools() []llm.ToolDefinition {
	h.note("AvailableTools")
	return append([]llm.ToolDefinition(nil), h.AvailableToolsResult...)
}

func (h *Host) ExecuteTool(ctx context.Context, name, args string) (*mcp.ToolResult, error) {
	h.note("ExecuteTool", name, args)
	switch {
	case h.ExecuteToolFunc != nil:
		return h.ExecuteToolFunc(ctx, name, args)
	case h.ExecuteToolErr != nil:
		return nil, h.ExecuteToolErr
	case h.ExecuteToolResult == nil:
		return &mcp.ToolResult{}, nil
	}
	res := *h.ExecuteToolResult
	return &res, nil
}

func (h *Host) Close() error {
	h.note("Close")
	return h.CloseErr
}
