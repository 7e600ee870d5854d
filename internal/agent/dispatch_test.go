package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/withmagi/magi/pkg/models"
)

func newTestEngine() *Engine {
	return NewEngine(NewRegistry(), nil, nil)
}

func TestDecodeArguments(t *testing.T) {
	args, err := decodeArguments("")
	if err != nil {
		t.Fatalf("empty arguments: %v", err)
	}
	if len(args) != 0 {
		t.Errorf("empty arguments decoded to %v", args)
	}

	_, err = decodeArguments("{not json")
	if err == nil {
		t.Fatal("invalid JSON accepted")
	}
	if !strings.Contains(err.Error(), "{not json") {
		t.Errorf("error does not echo raw arguments: %v", err)
	}
}

func TestDispatchSerializesObjectResults(t *testing.T) {
	engine := newTestEngine()
	tool := NewTool("inspect", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"status": "ok", "count": 2}, nil
	})

	result := engine.Dispatch(context.Background(), nil, []*ToolFunction{tool}, models.NewToolCall("c1", "inspect", "{}"))
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(result.Output), &decoded); err != nil {
		t.Fatalf("output is not JSON: %q", result.Output)
	}
	if decoded["status"] != "ok" {
		t.Errorf("status = %v", decoded["status"])
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	engine := newTestEngine()
	result := engine.Dispatch(context.Background(), nil, nil, models.NewToolCall("c1", "missing", ""))
	if !strings.Contains(result.Error, "unknown tool") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestDispatchHookErrorsDoNotAbort(t *testing.T) {
	engine := newTestEngine()
	tool := NewTool("echo", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return args["text"], nil
	})

	var sawResult string
	a := New("hooked", "", "")
	a.OnToolCall = func(call models.ToolCall) error {
		return errors.New("hook exploded")
	}
	a.OnToolResult = func(call models.ToolCall, result string) error {
		sawResult = result
		return errors.New("hook exploded again")
	}

	result := engine.Dispatch(context.Background(), a, []*ToolFunction{tool}, models.NewToolCall("c1", "echo", `{"text":"hi"}`))
	if result.Error != "" {
		t.Fatalf("hook error aborted dispatch: %s", result.Error)
	}
	if result.Output != "hi" {
		t.Errorf("output = %q", result.Output)
	}
	if sawResult != "hi" {
		t.Errorf("onToolResult saw %q", sawResult)
	}
}

func TestDispatchBatchNormalization(t *testing.T) {
	engine := newTestEngine()
	ok := NewTool("ok", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "fine", nil
	})
	bad := NewTool("bad", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	tools := []*ToolFunction{ok, bad}

	// Single call: the result itself.
	_, single := engine.DispatchBatch(context.Background(), nil, tools, []models.ToolCall{
		models.NewToolCall("c1", "ok", "{}"),
	})
	if single != "fine" {
		t.Errorf("single result = %q", single)
	}

	// Batch: JSON array in call order, errors included.
	results, normalized := engine.DispatchBatch(context.Background(), nil, tools, []models.ToolCall{
		models.NewToolCall("c1", "ok", "{}"),
		models.NewToolCall("c2", "bad", "{}"),
	})
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Tool != "ok" || results[1].Tool != "bad" {
		t.Errorf("order lost: %s, %s", results[0].Tool, results[1].Tool)
	}
	if results[1].Error != "boom" {
		t.Errorf("error = %q", results[1].Error)
	}

	var entries []map[string]any
	if err := json.Unmarshal([]byte(normalized), &entries); err != nil {
		t.Fatalf("normalized batch is not a JSON array: %q", normalized)
	}
	if len(entries) != 2 {
		t.Fatalf("normalized entries = %d", len(entries))
	}
	if entries[0]["output"] != "fine" {
		t.Errorf("entry 0 = %v", entries[0])
	}
	if entries[1]["error"] != "boom" {
		t.Errorf("entry 1 = %v", entries[1])
	}
}

func TestDispatchInvalidArgumentsEchoed(t *testing.T) {
	engine := newTestEngine()
	tool := NewTool("echo", "", nil, func(ctx context.Context, args map[string]any) (any, error) {
		t.Fatal("tool invoked despite invalid arguments")
		return nil, nil
	})

	result := engine.Dispatch(context.Background(), nil, []*ToolFunction{tool}, models.NewToolCall("c1", "echo", "{broken"))
	if !strings.Contains(result.Error, "{broken") {
		t.Errorf("error does not echo raw arguments: %q", result.Error)
	}
}
