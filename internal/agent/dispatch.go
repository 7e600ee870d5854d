package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/pkg/models"
)

// Engine dispatches tool calls against an agent's materialized tool
// set. Calls within one batch execute concurrently; results keep the
// batch order.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a dispatch engine.
func NewEngine(registry *Registry, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: logger, metrics: metrics}
}

// Registry exposes the engine's tool registry for external tool
// installation.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Dispatch executes one tool call and returns the serialized result.
// Failures come back as a ToolCallResult carrying the error; the error
// return is reserved for context cancellation.
func (e *Engine) Dispatch(ctx context.Context, a *Agent, tools []*ToolFunction, call models.ToolCall) models.ToolCallResult {
	result := models.ToolCallResult{
		Tool:  call.Function.Name,
		Input: call.Function.Arguments,
	}

	if a != nil && a.OnToolCall != nil {
		if err := a.OnToolCall(call); err != nil {
			e.logger.Warn("onToolCall hook failed", "tool", call.Function.Name, "error", err)
		}
	}

	args, err := decodeArguments(call.Function.Arguments)
	if err != nil {
		result.Error = err.Error()
	} else if tool := e.findTool(a, tools, call.Function.Name); tool == nil {
		result.Error = fmt.Sprintf("unknown tool: %s", call.Function.Name)
	} else {
		started := time.Now()
		output, err := tool.Fn(ctx, args)
		if e.metrics != nil {
			e.metrics.ObserveToolExecution(call.Function.Name, err == nil, time.Since(started))
		}
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Output = serializeResult(output)
		}
	}

	if a != nil && a.OnToolResult != nil {
		resultText := result.Output
		if result.Error != "" {
			resultText = result.Error
		}
		if err := a.OnToolResult(call, resultText); err != nil {
			e.logger.Warn("onToolResult hook failed", "tool", call.Function.Name, "error", err)
		}
	}
	return result
}

// DispatchBatch executes every call of a tool_start event and returns
// the per-call results in batch order plus the normalized result
// string: a single result is its own output (or error), a batch of N
// serializes to a JSON array of {tool, input, output|error} entries.
func (e *Engine) DispatchBatch(ctx context.Context, a *Agent, tools []*ToolFunction, calls []models.ToolCall) ([]models.ToolCallResult, string) {
	results := make([]models.ToolCallResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = e.Dispatch(ctx, a, tools, call)
		}(i, call)
	}
	wg.Wait()

	return results, normalizeResults(results)
}

func (e *Engine) findTool(a *Agent, tools []*ToolFunction, name string) *ToolFunction {
	for _, tool := range tools {
		if tool.Definition.Name == name {
			return tool
		}
	}
	if e.registry != nil && a != nil {
		return e.registry.Lookup(a.AgentID, name)
	}
	return nil
}

// decodeArguments parses a tool call's argument string. An empty string
// decodes as no arguments; invalid JSON fails with an error echoing the
// raw payload so the model can see what it sent.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments %q: %v", raw, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// serializeResult renders a tool return value as a string. Strings pass
// through; everything else is JSON.
func serializeResult(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case []byte:
		return string(out)
	case error:
		return out.Error()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func normalizeResults(results []models.ToolCallResult) string {
	if len(results) == 1 {
		if results[0].Error != "" {
			return "Error: " + results[0].Error
		}
		return results[0].Output
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Sprintf("failed to serialize %d tool results", len(results))
	}
	return string(raw)
}
