package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/withmagi/magi/pkg/models"
)

// defaultAnthropicMaxTokens bounds responses when the caller sets no limit.
const defaultAnthropicMaxTokens = 4096

// AnthropicProvider streams completions from the Anthropic Messages API.
//
// Anthropic delivers content as typed blocks: text deltas, thinking
// deltas, tool-use blocks whose input JSON streams as fragments, and
// citation deltas on web-search responses. The adapter folds them all
// into the shared assembler.
type AnthropicProvider struct {
	client     anthropic.Client
	configured bool
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates the adapter. An empty API key defers the
// error to the first Stream call.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	p := &AnthropicProvider{
		maxRetries: 3,
		retryDelay: time.Second,
	}
	if apiKey == "" {
		return p
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	p.client = anthropic.NewClient(options...)
	p.configured = true
	return p
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Stream implements Provider.
func (p *AnthropicProvider) Stream(ctx context.Context, model string, req *Request) (<-chan StreamEvent, error) {
	if !p.configured {
		return nil, errors.New("anthropic API key not configured")
	}

	params, err := p.buildParams(ctx, model, req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var lastErr error
		for attempt := 0; attempt < p.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					newAssembler(out, model).Fail(ctx.Err())
					return
				case <-time.After(p.retryDelay * time.Duration(attempt)):
				}
			}
			stream = p.client.Messages.NewStreaming(ctx, params)
			if stream.Err() == nil {
				lastErr = nil
				break
			}
			lastErr = stream.Err()
			if !retryableError(lastErr) {
				break
			}
		}
		if lastErr != nil {
			newAssembler(out, model).Fail(lastErr)
			return
		}

		p.processStream(stream, out, model)
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(ctx context.Context, model string, req *Request) (anthropic.MessageNewParams, error) {
	messages, system := p.convertMessages(ctx, req.Messages, req.Settings)

	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	if req.Settings.EnableThinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- StreamEvent, model string) {
	asm := newAssembler(out, model)

	var currentTool *models.ToolCall
	var toolInput strings.Builder
	var inputTokens, outputTokens, cachedTokens int64
	finishReason := finishStop

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = start.Message.Usage.InputTokens
			cachedTokens = start.Message.Usage.CacheReadInputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{
					ID:   toolUse.ID,
					Type: "function",
					Function: models.FunctionCall{Name: toolUse.Name},
				}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				asm.OnText(delta.Text)
			case "thinking_delta":
				asm.OnThinking(delta.Thinking)
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			case "citations_delta":
				asm.OnCitation(delta.Citation.URL, delta.Citation.Title)
			}

		case "content_block_stop":
			if currentTool != nil {
				args := toolInput.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				currentTool.Function.Arguments = args
				asm.OnToolCall(*currentTool)
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = md.Usage.OutputTokens
			}
			switch md.Delta.StopReason {
			case "tool_use":
				finishReason = finishToolCalls
			case "max_tokens":
				finishReason = finishLength
			}

		case "message_stop":
			asm.OnUsage(&models.CostUsage{
				Model:        model,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				CachedTokens: cachedTokens,
			})
			asm.Finish(finishReason)
			return

		case "error":
			asm.Fail(errors.New("anthropic stream error"))
			return
		}
	}

	if err := stream.Err(); err != nil {
		asm.Fail(err)
		return
	}
	asm.Finish(finishReason)
}

// convertMessages maps canonical history to Anthropic messages, pulling
// system-role content out into the separate system prompt.
func (p *AnthropicProvider) convertMessages(ctx context.Context, items []models.ConversationItem, settings Settings) ([]anthropic.MessageParam, string) {
	var result []anthropic.MessageParam
	var system strings.Builder

	for _, item := range items {
		switch item.Type {
		case models.ItemMessage:
			if item.Role == models.RoleSystem || item.Role == models.RoleDeveloper {
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(item.Content)
				continue
			}

			content := p.contentBlocks(ctx, item.Content, settings)
			if len(content) == 0 {
				continue
			}
			if item.Role == models.RoleAssistant {
				result = append(result, anthropic.NewAssistantMessage(content...))
			} else {
				result = append(result, anthropic.NewUserMessage(content...))
			}

		case models.ItemFunctionCall:
			var input map[string]any
			if err := json.Unmarshal([]byte(item.Arguments), &input); err != nil {
				input = map[string]any{}
			}
			result = append(result, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(item.CallID, input, item.Name),
			))

		case models.ItemFunctionCallOutput:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(item.CallID, item.Output, false),
			))

		case models.ItemThinking:
			// Internal only.
		}
	}
	return result, system.String()
}

func (p *AnthropicProvider) contentBlocks(ctx context.Context, content string, settings Settings) []anthropic.ContentBlockParamUnion {
	text, images := extractImages(content)
	if len(images) == 0 || !settings.SupportsImages {
		converted := convertImagesToTextIfNeeded(ctx, content, settings)
		if converted == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(converted)}
	}

	var blocks []anthropic.ContentBlockParamUnion
	if text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(text))
	}
	for _, src := range images {
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: src}))
	}
	return blocks
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
