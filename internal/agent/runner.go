package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/observability"
	"github.com/withmagi/magi/internal/providers"
	"github.com/withmagi/magi/pkg/models"
)

// Handlers receives runner callbacks: OnEvent per stream event,
// OnResponse per completed assistant message, OnComplete once the
// top-level invocation finishes.
type Handlers struct {
	OnEvent    func(ev providers.StreamEvent)
	OnResponse func(content string)
	OnComplete func()
}

// Runner executes agents against the provider layer. It resolves the
// model from the agent's pin or class, falls back across class members
// on provider errors, and drives tool dispatch with follow-up turns.
type Runner struct {
	catalog      *catalog.Catalog
	providers    map[catalog.Provider]providers.Provider
	engine       *Engine
	logger       *slog.Logger
	metrics      *observability.Metrics
	defaultClass catalog.Class
}

// NewRunner creates a runner over the given catalog and provider set.
func NewRunner(cat *catalog.Catalog, provs map[catalog.Provider]providers.Provider, engine *Engine, logger *slog.Logger, metrics *observability.Metrics, defaultClass catalog.Class) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultClass == "" {
		defaultClass = catalog.ClassStandard
	}
	return &Runner{
		catalog:      cat,
		providers:    provs,
		engine:       engine,
		logger:       logger,
		metrics:      metrics,
		defaultClass: defaultClass,
	}
}

// Engine returns the runner's dispatch engine.
func (r *Runner) Engine() *Engine {
	return r.engine
}

// RunStreamed runs one completion and returns its event stream. The
// first event is agent_start; on provider failure the runner walks the
// class's enabled models (rate-limit failures prefer the entry's
// designated fallback), emitting agent_updated on each switch. The
// stream ends with a terminal error event only when every candidate
// failed.
func (r *Runner) RunStreamed(ctx context.Context, a *Agent, input string, history []models.ConversationItem) (<-chan providers.StreamEvent, error) {
	entry, err := r.resolveModel(a)
	if err != nil {
		return nil, err
	}

	req := r.buildRequest(a, input, history, entry)
	if a.OnRequest != nil {
		a.OnRequest(req)
	}

	out := make(chan providers.StreamEvent)
	go func() {
		defer close(out)

		tried := map[string]bool{}
		out <- providers.StreamEvent{Type: providers.EventAgentStart, Agent: a.Export(entry.ID)}

		var lastErr error
		for entry != nil {
			tried[entry.ID] = true
			req.Settings.SupportsImages = entry.Features.SupportsImages()
			req.Tools = r.toolSpecs(a, entry)

			streamErr := r.forwardStream(ctx, a, entry, req, out)
			if streamErr == nil {
				return
			}
			lastErr = streamErr

			if ctx.Err() != nil {
				break
			}
			next := r.nextFallback(a, entry, tried, providers.RateLimited(streamErr))
			if next == nil {
				break
			}
			r.logger.Warn("model failed, switching",
				"agent", a.Name, "from", entry.ID, "to", next.ID, "error", streamErr)
			entry = next
			out <- providers.StreamEvent{Type: providers.EventAgentUpdated, Agent: a.Export(entry.ID)}
		}

		out <- providers.StreamEvent{
			Type:  providers.EventError,
			Agent: a.Export(""),
			Error: fmt.Sprintf("all models failed: %v", lastErr),
		}
	}()
	return out, nil
}

// forwardStream runs one model attempt, forwarding its events with
// agent attribution. A terminal error event is swallowed and returned
// as an error so the caller can try a fallback.
func (r *Runner) forwardStream(ctx context.Context, a *Agent, entry *catalog.Entry, req *providers.Request, out chan<- providers.StreamEvent) error {
	provider := r.providers[entry.Provider]
	if provider == nil {
		return fmt.Errorf("no provider configured for %s", entry.Provider)
	}

	started := time.Now()
	stream, err := provider.Stream(ctx, entry.ID, req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.ObserveLLMRequest(string(entry.Provider), entry.ID, false, time.Since(started))
		}
		return err
	}

	var streamErr error
	for ev := range stream {
		if ev.Type == providers.EventError {
			streamErr = errors.New(ev.Error)
			continue
		}
		if ev.Agent == nil {
			ev.Agent = a.Export(entry.ID)
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveLLMRequest(string(entry.Provider), entry.ID, streamErr == nil, time.Since(started))
	}
	return streamErr
}

// RunStreamedWithTools runs the agent to completion: it consumes the
// stream, dispatches tool batches, records function_call and
// function_call_output pairs in the history, and reinvokes the model
// with empty input while tool calls keep coming. Returns the
// accumulated assistant text.
func (r *Runner) RunStreamedWithTools(ctx context.Context, a *Agent, input string, history *[]models.ConversationItem, h *Handlers) (string, error) {
	if history == nil {
		history = &[]models.ConversationItem{}
	}
	if input != "" {
		*history = append(*history, models.NewMessage(models.RoleUser, input))
	}

	tools := a.GetTools(r.engine.Registry(), r)
	var full strings.Builder
	totalCalls := 0

	for round := 0; ; round++ {
		stream, err := r.RunStreamed(ctx, a, "", *history)
		if err != nil {
			return full.String(), err
		}

		executed := false
		var streamErr error

		for ev := range stream {
			if h != nil && h.OnEvent != nil {
				h.OnEvent(ev)
			}

			switch ev.Type {
			case providers.EventMessageComplete:
				if ev.Content != "" {
					if full.Len() > 0 {
						full.WriteString("\n")
					}
					full.WriteString(ev.Content)
					*history = append(*history, models.NewMessage(models.RoleAssistant, ev.Content))
					if a.OnResponse != nil {
						a.OnResponse(ev.Content)
					}
					if h != nil && h.OnResponse != nil {
						h.OnResponse(ev.Content)
					}
				}

			case providers.EventToolStart:
				dispatched := r.runToolBatch(ctx, a, tools, ev, history, &totalCalls, h)
				if dispatched {
					executed = true
				}

			case providers.EventError:
				streamErr = errors.New(ev.Error)
			}
		}

		if streamErr != nil {
			return full.String(), streamErr
		}
		if !executed {
			break
		}
		if a.MaxToolCallRounds > 0 && round+1 >= a.MaxToolCallRounds {
			r.logger.Warn("tool call round limit reached", "agent", a.Name, "rounds", a.MaxToolCallRounds)
			break
		}
	}

	if h != nil && h.OnComplete != nil {
		h.OnComplete()
	}
	return full.String(), nil
}

// runToolBatch dispatches one tool_start batch against the cumulative
// call budget. Calls beyond the budget still get a matching
// function_call_output, carrying an error instead of a result.
func (r *Runner) runToolBatch(ctx context.Context, a *Agent, tools []*ToolFunction, ev providers.StreamEvent, history *[]models.ConversationItem, totalCalls *int, h *Handlers) bool {
	calls := ev.ToolCalls
	allowed := len(calls)
	if a.MaxToolCalls > 0 {
		remaining := a.MaxToolCalls - *totalCalls
		if remaining < 0 {
			remaining = 0
		}
		if allowed > remaining {
			allowed = remaining
		}
	}

	var results []models.ToolCallResult
	var normalized string
	if allowed > 0 {
		results, normalized = r.engine.DispatchBatch(ctx, a, tools, calls[:allowed])
		*totalCalls += allowed
	}

	for i, call := range calls {
		*history = append(*history, models.NewFunctionCall(call.ID, call.Function.Name, call.Function.Arguments))
		var output string
		if i < allowed {
			output = results[i].Output
			if results[i].Error != "" {
				output = "Error: " + results[i].Error
			}
		} else {
			output = fmt.Sprintf("Error: tool call limit of %d reached", a.MaxToolCalls)
		}
		*history = append(*history, models.NewFunctionCallOutput(call.ID, call.Function.Name, output))
	}

	if h != nil && h.OnEvent != nil && allowed > 0 {
		h.OnEvent(providers.StreamEvent{
			Type:      providers.EventToolDone,
			Agent:     ev.Agent,
			ToolCalls: calls[:allowed],
			Results:   normalized,
			MessageID: ev.MessageID,
		})
	}
	return allowed > 0
}

// resolveModel returns the entry for the agent's pinned model, or one
// selected from its class.
func (r *Runner) resolveModel(a *Agent) (*catalog.Entry, error) {
	if a.Model != "" {
		entry := r.catalog.Find(a.Model)
		if entry == nil {
			return nil, fmt.Errorf("unknown model: %s", a.Model)
		}
		return entry, nil
	}
	class := a.ModelClass
	if class == "" {
		class = r.defaultClass
	}
	return r.catalog.SelectFromClass(class, nil)
}

// nextFallback picks the next candidate after a failure. Rate-limit
// failures prefer the entry's designated fallback; otherwise the next
// untried enabled model of the same class.
func (r *Runner) nextFallback(a *Agent, failed *catalog.Entry, tried map[string]bool, rateLimited bool) *catalog.Entry {
	if rateLimited && failed.RateLimitFallback != "" {
		if fb := r.catalog.Find(failed.RateLimitFallback); fb != nil && !tried[fb.ID] && !r.catalog.Disabled(fb.ID) {
			return fb
		}
	}
	class := failed.Class
	if a.Model == "" && a.ModelClass != "" {
		class = a.ModelClass
	}
	for _, candidate := range r.catalog.ClassModels(class, tried) {
		out := *candidate
		return &out
	}
	return nil
}

func (r *Runner) buildRequest(a *Agent, input string, history []models.ConversationItem, entry *catalog.Entry) *providers.Request {
	var messages []models.ConversationItem
	if a.Instructions != "" {
		messages = append(messages, models.NewMessage(models.RoleSystem, a.Instructions))
	}
	messages = append(messages, history...)
	if input != "" {
		messages = append(messages, models.NewMessage(models.RoleUser, input))
	}

	settings := a.ModelSettings
	if a.JSONSchema != nil && settings.JSONSchema == nil {
		settings.JSONSchema = a.JSONSchema
	}

	return &providers.Request{
		Messages: messages,
		Tools:    r.toolSpecs(a, entry),
		Settings: settings,
	}
}

// toolSpecs materializes the agent's tools for one model; a model
// without tool use gets none.
func (r *Runner) toolSpecs(a *Agent, entry *catalog.Entry) []providers.ToolSpec {
	if !entry.Features.ToolUse {
		return nil
	}
	var specs []providers.ToolSpec
	for _, tool := range a.GetTools(r.engine.Registry(), r) {
		specs = append(specs, tool.Spec())
	}
	return specs
}
