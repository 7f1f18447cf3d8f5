// Package tools defines the shared [Tool] type used by the built-in tool
// packages. Each sub-package exports a constructor that returns a slice of
// [Tool] values ready for registration with the MCP host.
package tools

import (
	"context"
	"time"

	"github.com/mawwalker/moss/pkg/provider/llm"
)

// Tool represents a built-in tool ready for registration with the MCP Host.
//
// Each Tool carries its LLM-facing schema ([llm.ToolDefinition]) together
// with the handler function that is invoked when the LLM calls the tool.
type Tool struct {
	// Definition is the tool's LLM-facing schema including its name,
	// description, and JSON Schema parameters.
	Definition llm.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a result
	// string on success, or a descriptive error. Implementations must be safe
	// for concurrent use and must respect context cancellation.
	Handler func(ctx context.Context, args string) (string, error)

	// Timeout bounds a single execution. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}
