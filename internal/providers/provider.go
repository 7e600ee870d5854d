// Package providers implements the uniform streaming interface over LLM
// back-ends. Each adapter converts canonical history and tool definitions
// to the back-end's shape and emits a lazy sequence of StreamEvents.
package providers

import (
	"context"

	"github.com/withmagi/magi/pkg/models"
)

// StreamEvent types.
const (
	EventAgentStart      = "agent_start"
	EventAgentUpdated    = "agent_updated"
	EventMessageDelta    = "message_delta"
	EventMessageComplete = "message_complete"
	EventToolStart       = "tool_start"
	EventToolDone        = "tool_done"
	EventCostUpdate      = "cost_update"
	EventError           = "error"
)

// StreamEvent is one tagged event in a provider stream. Agent attribution
// is injected by the caller when missing.
type StreamEvent struct {
	Type            string              `json:"type"`
	Agent           *models.AgentExport `json:"agent,omitempty"`
	Content         string              `json:"content,omitempty"`
	ThinkingContent string              `json:"thinking_content,omitempty"`
	Order           int                 `json:"order,omitempty"`
	MessageID       string              `json:"message_id,omitempty"`
	ToolCalls       []models.ToolCall   `json:"tool_calls,omitempty"`
	Results         string              `json:"results,omitempty"`
	Usage           *models.CostUsage   `json:"usage,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// ToolSpec is a materialized tool definition: dynamic parameter fields are
// already resolved.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Settings carries per-call model settings.
type Settings struct {
	Temperature    *float32
	MaxTokens      int
	JSONSchema     map[string]any
	EnableThinking bool

	// SupportsImages reflects the selected model's modalities. When false,
	// embedded image placeholders are converted to text descriptions via
	// ConvertImageToText and substituted inline.
	SupportsImages     bool
	ConvertImageToText func(ctx context.Context, source string) (string, error)
}

// Request is a canonical completion request.
type Request struct {
	Messages []models.ConversationItem
	Tools    []ToolSpec
	Settings Settings
}

// Provider is the uniform streaming interface to one LLM back-end.
//
// Stream returns immediately with a channel that receives events as the
// back-end produces them; the channel is closed when the stream ends.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Stream runs one completion against the given model.
	Stream(ctx context.Context, model string, req *Request) (<-chan StreamEvent, error)
}
