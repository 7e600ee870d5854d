package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/withmagi/magi/pkg/models"
)

// OpenAIProvider streams completions from OpenAI-compatible back-ends.
//
// Tool calls arrive incrementally on this API: the id and function name
// come first, argument JSON fragments follow, and a tool_calls finish
// reason signals completion. The adapter accumulates fragments per index
// before handing complete calls to the assembler.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider creates the adapter. An empty API key defers the
// error to the first Stream call.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	p := &OpenAIProvider{
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey == "" {
		return p
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, model string, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, errors.New("openai API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(ctx, req.Messages, req.Settings),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Settings.MaxTokens > 0 {
		chatReq.MaxTokens = req.Settings.MaxTokens
	}
	if req.Settings.Temperature != nil {
		chatReq.Temperature = *req.Settings.Temperature
	}
	if req.Settings.JSONSchema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.createStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go p.processStream(stream, out, model)
	return out, nil
}

func (p *OpenAIProvider) createStream(ctx context.Context, chatReq openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var stream *openai.ChatCompletionStream
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			return stream, nil
		}
		if !retryableError(lastErr) {
			return nil, fmt.Errorf("non-retryable error: %w", lastErr)
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, out chan<- StreamEvent, model string) {
	defer close(out)
	defer stream.Close()

	asm := newAssembler(out, model)

	// Tool calls accumulate across chunks, keyed by index.
	pending := make(map[int]*models.ToolCall)
	pendingOrder := []int{}
	finishReason := finishStop

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.finalizePending(asm, pending, pendingOrder)
				asm.Finish(finishReason)
				return
			}
			asm.Fail(err)
			return
		}

		if response.Usage != nil {
			asm.OnUsage(openAIUsage(response.Usage, model))
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			asm.OnText(choice.Delta.Content)
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{Type: "function"}
				pending[index] = call
				pendingOrder = append(pendingOrder, index)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Function.Arguments += tc.Function.Arguments
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			finishReason = finishToolCalls
		case openai.FinishReasonLength:
			finishReason = finishLength
		}
	}
}

func (p *OpenAIProvider) finalizePending(asm *assembler, pending map[int]*models.ToolCall, order []int) {
	for _, index := range order {
		call := pending[index]
		if call.Function.Name == "" {
			continue
		}
		if call.Function.Arguments == "" {
			call.Function.Arguments = "{}"
		}
		asm.OnToolCall(*call)
	}
}

func (p *OpenAIProvider) convertMessages(ctx context.Context, items []models.ConversationItem, settings Settings) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(items))

	for _, item := range items {
		switch item.Type {
		case models.ItemMessage:
			role := item.Role
			if role == models.RoleDeveloper {
				role = openai.ChatMessageRoleSystem
			}
			msg := openai.ChatCompletionMessage{Role: role}

			text, images := extractImages(item.Content)
			if len(images) > 0 && settings.SupportsImages {
				parts := make([]openai.ChatMessagePart, 0, len(images)+1)
				if text != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: text,
					})
				}
				for _, src := range images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    src,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				msg.MultiContent = parts
			} else {
				msg.Content = convertImagesToTextIfNeeded(ctx, item.Content, settings)
			}
			result = append(result, msg)

		case models.ItemFunctionCall:
			result = append(result, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   item.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})

		case models.ItemFunctionCallOutput:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    item.Output,
				ToolCallID: item.CallID,
			})

		case models.ItemThinking:
			// Thinking items are internal; not replayed to the API.
		}
	}
	return result
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func openAIUsage(u *openai.Usage, model string) *models.CostUsage {
	usage := &models.CostUsage{
		Model:        model,
		InputTokens:  int64(u.PromptTokens),
		OutputTokens: int64(u.CompletionTokens),
	}
	if u.PromptTokensDetails != nil {
		usage.CachedTokens = int64(u.PromptTokensDetails.CachedTokens)
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = int64(u.CompletionTokensDetails.ReasoningTokens)
	}
	return usage
}

// retryableError classifies transient failures: rate limits, server
// errors and timeouts.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RateLimited reports whether an error looks like a rate-limit rejection,
// used by the runner to prefer the registry's rate_limit_fallback model.
func RateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}
