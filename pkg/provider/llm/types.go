package llm

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string // one of the Role constants
	Content string

	// ToolCalls is set on assistant turns that invoke tools.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model. Arguments is the
// raw JSON object the model produced; it may be malformed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition offers a tool to the model. Parameters is a JSON Schema
// object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ModelCapabilities is static metadata about a model. Zero fields mean
// unknown.
type ModelCapabilities struct {
	ContextWindow       int // input plus output tokens
	MaxOutputTokens     int
	SupportsToolCalling bool
}
