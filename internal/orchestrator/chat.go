package orchestrator

import (
	"context"

	"vibe/internal/chat"
	"vibe/internal/provider"
)

func (o *Orchestrator) chatOnce(
	ctx context.Context,
	messages []chat.Message,
	definitions []chat.ToolDef,
	onTextChunk func(string),
) (provider.ChatResponse, error) {
	req := provider.ChatRequest{
		Model:    o.provider.CurrentModel(),
		Messages: messages,
		Tools:    definitions,
	}
	var cb *provider.StreamCallbacks
	if onTextChunk != nil {
		cb = &provider.StreamCallbacks{OnTextChunk: onTextChunk}
	}
	resp, err := o.provider.Chat(ctx, req, cb)
	if err != nil {
		return provider.ChatResponse{}, err
	}
	if len(resp.ToolCalls) == 0 {
		if recovered, cleaned := recoverToolCallsFromContent(resp.Content, definitions); len(recovered) > 0 {
			resp.ToolCalls = recovered
			resp.Content = cleaned
		}
	}
	return resp, nil
}
