package agent

import (
	"context"
	"reflect"
	"testing"
)

func TestMaterializeResolvesDynamicFields(t *testing.T) {
	calls := 0
	param := &ToolParam{
		Type: "object",
		Properties: map[string]*ToolParam{
			"process": {
				Type:            "string",
				DescriptionFunc: func() string { calls++; return "target process" },
				EnumFunc:        func() []string { return []string{"core", "worker"} },
			},
			"files": {
				Type: "array",
				Items: &ToolParam{
					Type:        "string",
					Description: "file path",
				},
			},
		},
		Required: []string{"process"},
	}

	schema := param.Materialize()
	props := schema["properties"].(map[string]any)
	process := props["process"].(map[string]any)

	if process["description"] != "target process" {
		t.Errorf("description = %v", process["description"])
	}
	if got := process["enum"].([]string); !reflect.DeepEqual(got, []string{"core", "worker"}) {
		t.Errorf("enum = %v", got)
	}
	items := props["files"].(map[string]any)["items"].(map[string]any)
	if items["description"] != "file path" {
		t.Errorf("items description = %v", items["description"])
	}
	if calls != 1 {
		t.Errorf("DescriptionFunc called %d times", calls)
	}

	// A second materialization re-resolves the callables.
	param.Materialize()
	if calls != 2 {
		t.Errorf("DescriptionFunc called %d times after rematerialize", calls)
	}
}

func TestSpecDefaultsToEmptyObject(t *testing.T) {
	tool := NewTool("noop", "does nothing", nil, func(ctx context.Context, args map[string]any) (any, error) {
		return "", nil
	})
	spec := tool.Spec()
	if spec.Parameters["type"] != "object" {
		t.Errorf("type = %v", spec.Parameters["type"])
	}
	if spec.Parameters["properties"] == nil {
		t.Error("properties missing")
	}
}

func TestGetToolsDeduplicatesByName(t *testing.T) {
	fn := func(ctx context.Context, args map[string]any) (any, error) { return "", nil }
	static := NewTool("read_file", "static reader", nil, fn)
	override := NewTool("read_file", "registry reader", nil, fn)
	extra := NewTool("write_file", "writer", nil, fn)

	a := New("coder", "writes code", "You write code.")
	a.Tools = []*ToolFunction{static}

	reg := NewRegistry()
	reg.RegisterForAgent(a.AgentID, override)
	reg.RegisterForAgent(a.AgentID, extra)

	tools := a.GetTools(reg, nil)
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	byName := map[string]*ToolFunction{}
	for _, tool := range tools {
		byName[tool.Definition.Name] = tool
	}
	if byName["read_file"].Definition.Description != "registry reader" {
		t.Errorf("registry tool did not win collision: %q", byName["read_file"].Definition.Description)
	}
	if byName["write_file"] == nil {
		t.Error("registry-only tool missing")
	}
}

func TestSchemaForTaskParams(t *testing.T) {
	schema, err := schemaFor(&taskParams{})
	if err != nil {
		t.Fatalf("schemaFor: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties = %T", schema["properties"])
	}
	for _, name := range []string{"task", "context", "warnings", "goal", "intelligence"} {
		if props[name] == nil {
			t.Errorf("missing property %q", name)
		}
	}
}

func TestCloneIsolation(t *testing.T) {
	a := New("lead", "leads", "You lead.")
	a.Tools = []*ToolFunction{NewTool("t1", "", nil, nil)}
	a.JSONSchema = map[string]any{"type": "object"}

	clone := a.Clone()
	if clone.AgentID == a.AgentID {
		t.Error("clone shares agent id")
	}
	clone.Tools = append(clone.Tools, NewTool("t2", "", nil, nil))
	clone.JSONSchema["extra"] = true

	if len(a.Tools) != 1 {
		t.Errorf("template tool list mutated: %d", len(a.Tools))
	}
	if _, leaked := a.JSONSchema["extra"]; leaked {
		t.Error("template schema mutated")
	}
}
