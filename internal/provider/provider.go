package provider

import (
	"context"

	"vibe/internal/chat"
)

// ChatRequest wraps a single model call.
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Tools       []chat.ToolDef
	Temperature *float64
	MaxTokens   int
}

// StreamCallbacks receives incremental output while a response streams in.
type StreamCallbacks struct {
	OnTextChunk func(chunk string)
	OnToolCall  func(call chat.ToolCall)
	OnUsage     func(usage Usage)
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the assembled model reply: free text, tool calls, or both.
type ChatResponse struct {
	Content      string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider is the chat-completion backend the orchestration loop talks to.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)
	CurrentModel() string
}
