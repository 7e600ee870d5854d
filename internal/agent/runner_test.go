package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/providers"
	"github.com/withmagi/magi/pkg/models"
)

// scriptedProvider replays one scripted event sequence per Stream call.
type scriptedProvider struct {
	mu         sync.Mutex
	scripts    [][]providers.StreamEvent
	requests   []*providers.Request
	byModel    []string
	toolCounts []int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, model string, req *providers.Request) (<-chan providers.StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.byModel = append(p.byModel, model)
	p.toolCounts = append(p.toolCounts, len(req.Tools))
	var script []providers.StreamEvent
	if len(p.scripts) > 0 {
		script = p.scripts[0]
		p.scripts = p.scripts[1:]
	}
	p.mu.Unlock()

	out := make(chan providers.StreamEvent, len(script))
	for _, ev := range script {
		out <- ev
	}
	close(out)
	return out, nil
}

func newTestRunner(p providers.Provider, entries ...*catalog.Entry) (*Runner, *catalog.Catalog) {
	cat := catalog.NewEmptyCatalog()
	for _, e := range entries {
		cat.Register(e)
	}
	cat.SetRandSource(func(n int) int { return 0 })
	runner := NewRunner(cat,
		map[catalog.Provider]providers.Provider{"scripted": p},
		NewEngine(NewRegistry(), nil, nil),
		nil, nil, catalog.ClassStandard)
	return runner, cat
}

func standardEntry(id string) *catalog.Entry {
	return &catalog.Entry{
		ID:       id,
		Provider: "scripted",
		Class:    catalog.ClassStandard,
		Score:    1,
		Features: catalog.Features{ToolUse: true, Streaming: true},
	}
}

func collect(stream <-chan providers.StreamEvent) []providers.StreamEvent {
	var out []providers.StreamEvent
	for ev := range stream {
		out = append(out, ev)
	}
	return out
}

func TestRunStreamedEmitsAgentStartAndAttribution(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		{Type: providers.EventMessageDelta, Content: "hel", Order: 0},
		{Type: providers.EventMessageComplete, Content: "hello"},
	}}}
	runner, _ := newTestRunner(p, standardEntry("m1"))

	a := New("helper", "", "Be helpful.")
	stream, err := runner.RunStreamed(context.Background(), a, "hi", nil)
	if err != nil {
		t.Fatalf("RunStreamed: %v", err)
	}
	events := collect(stream)

	if events[0].Type != providers.EventAgentStart {
		t.Fatalf("first event = %s", events[0].Type)
	}
	if events[0].Agent == nil || events[0].Agent.Model != "m1" {
		t.Errorf("agent_start agent = %+v", events[0].Agent)
	}
	for _, ev := range events[1:] {
		if ev.Agent == nil {
			t.Errorf("event %s missing agent attribution", ev.Type)
		}
	}
}

func TestRunStreamedFallsBackOnError(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventError, Error: "backend down"}},
		{{Type: providers.EventMessageComplete, Content: "recovered"}},
	}}
	runner, _ := newTestRunner(p, standardEntry("m1"), standardEntry("m2"))

	a := New("helper", "", "")
	a.Model = "m1"
	stream, err := runner.RunStreamed(context.Background(), a, "hi", nil)
	if err != nil {
		t.Fatalf("RunStreamed: %v", err)
	}
	events := collect(stream)

	var sawUpdate, sawComplete bool
	for _, ev := range events {
		switch ev.Type {
		case providers.EventAgentUpdated:
			sawUpdate = true
			if ev.Agent.Model != "m2" {
				t.Errorf("switched to %s", ev.Agent.Model)
			}
		case providers.EventMessageComplete:
			sawComplete = true
		case providers.EventError:
			t.Errorf("terminal error leaked: %s", ev.Error)
		}
	}
	if !sawUpdate || !sawComplete {
		t.Errorf("sawUpdate=%v sawComplete=%v", sawUpdate, sawComplete)
	}
}

func TestRunStreamedFallbackRecomputesToolSupport(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventError, Error: "backend down"}},
		{{Type: providers.EventMessageComplete, Content: "ok"}},
	}}
	withTools := standardEntry("m1")
	noTools := standardEntry("m2")
	noTools.Features.ToolUse = false
	runner, _ := newTestRunner(p, withTools, noTools)

	a := New("helper", "", "")
	a.Model = "m1"
	a.Tools = []*ToolFunction{
		NewTool("lookup", "looks up values", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return "v", nil
		}),
	}

	stream, err := runner.RunStreamed(context.Background(), a, "hi", nil)
	if err != nil {
		t.Fatalf("RunStreamed: %v", err)
	}
	collect(stream)

	if len(p.toolCounts) != 2 {
		t.Fatalf("attempts = %d", len(p.toolCounts))
	}
	if p.toolCounts[0] != 1 {
		t.Errorf("first attempt tools = %d, want 1", p.toolCounts[0])
	}
	if p.toolCounts[1] != 0 {
		t.Errorf("fallback without tool use got %d tool specs", p.toolCounts[1])
	}
}

func TestRunStreamedAllModelsFail(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventError, Error: "down"}},
		{{Type: providers.EventError, Error: "also down"}},
	}}
	runner, _ := newTestRunner(p, standardEntry("m1"), standardEntry("m2"))

	a := New("helper", "", "")
	stream, err := runner.RunStreamed(context.Background(), a, "hi", nil)
	if err != nil {
		t.Fatalf("RunStreamed: %v", err)
	}
	events := collect(stream)
	last := events[len(events)-1]
	if last.Type != providers.EventError {
		t.Fatalf("last event = %s", last.Type)
	}
	if !strings.Contains(last.Error, "all models failed") {
		t.Errorf("error = %q", last.Error)
	}
}

func TestRunStreamedRateLimitPrefersDesignatedFallback(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventError, Error: "429 rate limit exceeded"}},
		{{Type: providers.EventMessageComplete, Content: "ok"}},
	}}
	primary := standardEntry("m1")
	primary.RateLimitFallback = "mini1"
	mini := standardEntry("mini1")
	mini.Class = catalog.ClassMini
	runner, _ := newTestRunner(p, primary, standardEntry("m2"), mini)

	a := New("helper", "", "")
	a.Model = "m1"
	stream, _ := runner.RunStreamed(context.Background(), a, "hi", nil)
	events := collect(stream)

	for _, ev := range events {
		if ev.Type == providers.EventAgentUpdated && ev.Agent.Model != "mini1" {
			t.Errorf("rate-limit fallback went to %s, want mini1", ev.Agent.Model)
		}
	}
	if p.byModel[1] != "mini1" {
		t.Errorf("second attempt model = %s", p.byModel[1])
	}
}

func TestRunStreamedWithToolsFollowUpTurn(t *testing.T) {
	call := models.NewToolCall("c1", "lookup", `{"key":"answer"}`)
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventToolStart, ToolCalls: []models.ToolCall{call}}},
		{{Type: providers.EventMessageComplete, Content: "the answer is 42"}},
	}}
	runner, _ := newTestRunner(p, standardEntry("m1"))

	a := New("helper", "", "Use tools.")
	a.Tools = []*ToolFunction{
		NewTool("lookup", "looks up values", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return "42", nil
		}),
	}

	var history []models.ConversationItem
	var eventTypes []string
	out, err := runner.RunStreamedWithTools(context.Background(), a, "what is the answer?", &history, &Handlers{
		OnEvent: func(ev providers.StreamEvent) { eventTypes = append(eventTypes, ev.Type) },
	})
	if err != nil {
		t.Fatalf("RunStreamedWithTools: %v", err)
	}
	if out != "the answer is 42" {
		t.Errorf("out = %q", out)
	}

	// History: user, function_call, function_call_output, assistant.
	wantTypes := []string{models.ItemMessage, models.ItemFunctionCall, models.ItemFunctionCallOutput, models.ItemMessage}
	if len(history) != len(wantTypes) {
		t.Fatalf("history has %d items: %+v", len(history), history)
	}
	for i, want := range wantTypes {
		if history[i].Type != want {
			t.Errorf("history[%d].Type = %s, want %s", i, history[i].Type, want)
		}
	}
	if history[1].CallID != "c1" || history[2].CallID != "c1" {
		t.Errorf("call ids = %s, %s", history[1].CallID, history[2].CallID)
	}
	if history[2].Output != "42" {
		t.Errorf("function output = %q", history[2].Output)
	}

	var sawToolDone bool
	for _, typ := range eventTypes {
		if typ == providers.EventToolDone {
			sawToolDone = true
		}
	}
	if !sawToolDone {
		t.Errorf("no tool_done among %v", eventTypes)
	}
}

func TestRunStreamedWithToolsBudget(t *testing.T) {
	calls := []models.ToolCall{
		models.NewToolCall("c1", "lookup", "{}"),
		models.NewToolCall("c2", "lookup", "{}"),
		models.NewToolCall("c3", "lookup", "{}"),
	}
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{{Type: providers.EventToolStart, ToolCalls: calls}},
		{{Type: providers.EventMessageComplete, Content: "done"}},
	}}
	runner, _ := newTestRunner(p, standardEntry("m1"))

	var mu sync.Mutex
	invocations := 0
	a := New("helper", "", "")
	a.MaxToolCalls = 2
	a.Tools = []*ToolFunction{
		NewTool("lookup", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return "v", nil
		}),
	}

	var history []models.ConversationItem
	if _, err := runner.RunStreamedWithTools(context.Background(), a, "go", &history, nil); err != nil {
		t.Fatalf("RunStreamedWithTools: %v", err)
	}
	if invocations != 2 {
		t.Errorf("tool invoked %d times, want 2", invocations)
	}

	// Every call still gets its output; the third carries the limit error.
	var outputs []models.ConversationItem
	for _, item := range history {
		if item.Type == models.ItemFunctionCallOutput {
			outputs = append(outputs, item)
		}
	}
	if len(outputs) != 3 {
		t.Fatalf("got %d outputs", len(outputs))
	}
	if !strings.Contains(outputs[2].Output, "limit") {
		t.Errorf("third output = %q", outputs[2].Output)
	}
}

func TestRunStreamedWithToolsRoundLimit(t *testing.T) {
	call := models.NewToolCall("c1", "lookup", "{}")
	toolTurn := []providers.StreamEvent{{Type: providers.EventToolStart, ToolCalls: []models.ToolCall{call}}}
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{toolTurn, toolTurn, toolTurn, toolTurn}}
	runner, _ := newTestRunner(p, standardEntry("m1"))

	a := New("looper", "", "")
	a.MaxToolCallRounds = 2
	a.Tools = []*ToolFunction{
		NewTool("lookup", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
			return "again", nil
		}),
	}

	var history []models.ConversationItem
	if _, err := runner.RunStreamedWithTools(context.Background(), a, "go", &history, nil); err != nil {
		t.Fatalf("RunStreamedWithTools: %v", err)
	}
	if got := len(p.byModel); got != 2 {
		t.Errorf("model invoked %d times, want 2", got)
	}
}

func TestRunnerSystemPromptAndInput(t *testing.T) {
	p := &scriptedProvider{scripts: [][]providers.StreamEvent{{
		{Type: providers.EventMessageComplete, Content: "ok"},
	}}}
	runner, _ := newTestRunner(p, standardEntry("m1"))

	a := New("helper", "", "You are concise.")
	var history []models.ConversationItem
	if _, err := runner.RunStreamedWithTools(context.Background(), a, "hello", &history, nil); err != nil {
		t.Fatalf("RunStreamedWithTools: %v", err)
	}

	req := p.requests[0]
	if req.Messages[0].Role != models.RoleSystem || req.Messages[0].Content != "You are concise." {
		t.Errorf("first message = %+v", req.Messages[0])
	}
	if req.Messages[1].Role != models.RoleUser || req.Messages[1].Content != "hello" {
		t.Errorf("second message = %+v", req.Messages[1])
	}
}
