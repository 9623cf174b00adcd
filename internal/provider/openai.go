package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vibe/internal/chat"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrIncompleteToolCall reports a stream that ended inside a tool call. It is
// retried like a transport failure.
var ErrIncompleteToolCall = errors.New("incomplete tool call in stream")

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *zap.Logger
}

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	TimeoutMS   int
	MaxRetries  int
	Temperature *float64
}

func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	config.HTTPClient = httpClient
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		logger: logger.Named("provider"),
	}
}

func (p *OpenAIProvider) CurrentModel() string {
	return p.cfg.Model
}

// Chat streams one completion, retrying transient failures with exponential backoff.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.CurrentModel()
	}
	if req.Temperature == nil {
		req.Temperature = p.cfg.Temperature
	}
	sdkReq := buildSDKRequest(model, req)

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(150*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}
		resp, err := p.chatStream(ctx, sdkReq, cb)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return ChatResponse{}, err
		}
		p.logger.Warn("chat attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return ChatResponse{}, fmt.Errorf("chat failed after %d retries: %w", p.cfg.MaxRetries, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= 500
}

func buildSDKRequest(model string, req ChatRequest) openai.ChatCompletionRequest {
	sdkReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertMessages(req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		sdkReq.Tools = convertTools(req.Tools)
		sdkReq.ToolChoice = "auto"
	}
	if req.Temperature != nil {
		sdkReq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		sdkReq.MaxTokens = req.MaxTokens
	}
	return sdkReq
}

func (p *OpenAIProvider) chatStream(ctx context.Context, req openai.ChatCompletionRequest, cb *StreamCallbacks) (ChatResponse, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	var (
		content      strings.Builder
		toolCalls    = map[int]*toolCallAccumulator{}
		finishReason string
		usage        Usage
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A broken stream after partial text still yields a usable turn.
			// Partial tool calls never do.
			if len(toolCalls) > 0 {
				return ChatResponse{}, fmt.Errorf("%w: recv stream: %v", ErrIncompleteToolCall, err)
			}
			if content.Len() > 0 {
				break
			}
			return ChatResponse{}, fmt.Errorf("recv stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.FinishReason != "" {
				finishReason = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if cb != nil && cb.OnTextChunk != nil {
					cb.OnTextChunk(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := toolCalls[idx]
				if !ok {
					acc = &toolCallAccumulator{}
					toolCalls[idx] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Type != "" {
					acc.typ = string(tc.Type)
				}
				acc.name += tc.Function.Name
				acc.args.WriteString(tc.Function.Arguments)
			}
		}
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
	}

	calls := assembleToolCalls(toolCalls)
	for _, tc := range calls {
		if args := tc.Function.Arguments; args != "" && !json.Valid([]byte(args)) {
			return ChatResponse{}, fmt.Errorf("%w: %s arguments are not valid JSON", ErrIncompleteToolCall, tc.Function.Name)
		}
	}
	if cb != nil && cb.OnToolCall != nil {
		for _, tc := range calls {
			cb.OnToolCall(tc)
		}
	}
	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(usage)
	}
	return ChatResponse{
		Content:      content.String(),
		ToolCalls:    calls,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

type toolCallAccumulator struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

// assembleToolCalls orders streamed fragments by index and fills in missing ids.
func assembleToolCalls(byIdx map[int]*toolCallAccumulator) []chat.ToolCall {
	if len(byIdx) == 0 {
		return nil
	}
	maxIdx := 0
	for idx := range byIdx {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	calls := make([]chat.ToolCall, 0, len(byIdx))
	for i := 0; i <= maxIdx; i++ {
		acc, ok := byIdx[i]
		if !ok {
			continue
		}
		id := strings.TrimSpace(acc.id)
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		typ := strings.TrimSpace(acc.typ)
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, chat.ToolCall{
			ID:   id,
			Type: typ,
			Function: chat.ToolCallFunction{
				Name:      strings.TrimSpace(acc.name),
				Arguments: acc.args.String(),
			},
		})
	}
	return calls
}

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func convertTools(tools []chat.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}
