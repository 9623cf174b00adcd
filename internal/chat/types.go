package chat

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolFunction describes an OpenAI-compatible function tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDef describes one function tool exposed to the model.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolCallFunction is the function payload of a model tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// Message is one entry of a chat transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ToolResult builds the message that answers one tool call.
func ToolResult(call ToolCall, content string) Message {
	return Message{
		Role:       RoleTool,
		Name:       call.Function.Name,
		ToolCallID: call.ID,
		Content:    content,
	}
}
