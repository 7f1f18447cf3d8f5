package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/mawwalker/moss/internal/mcp"
	"github.com/mawwalker/moss/internal/mcp/tools"
)

// builtinOwner marks in-process tools in the catalogue.
const builtinOwner = "__builtin__"

// RegisterBuiltin adds an in-process tool, replacing any tool of the same
// name. A handler error becomes a ToolResult with IsError set.
func (h *Host) RegisterBuiltin(tool tools.Tool) error {
	name := tool.Definition.Name
	if name == "" {
		return errors.New("mcp host: builtin tool name must not be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q has no handler", name)
	}

	invoke := func(ctx context.Context, args string) (*mcp.ToolResult, error) {
		if tool.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
			defer cancel()
		}
		out, err := tool.Handler(ctx, args)
		if err != nil {
			return &mcp.ToolResult{Content: err.Error(), IsError: true}, nil
		}
		return &mcp.ToolResult{Content: out}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[name] = registered{def: tool.Definition, owner: builtinOwner, invoke: invoke}
	return nil
}

// RegisterTools registers each tool in ts, stopping at the first error.
func (h *Host) RegisterTools(ts []tools.Tool) error {
	for _, t := range ts {
		if err := h.RegisterBuiltin(t); err != nil {
			return err
		}
	}
	return nil
}
