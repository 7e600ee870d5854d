// Package agent implements the agent model and its execution engine:
// tool definitions with dynamic parameter schemas, the dispatch engine,
// and the streaming runner with model fallback and tool follow-up turns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/withmagi/magi/internal/providers"
)

// ToolParam describes one JSON-schema parameter node. Description and
// Enum may be supplied as callables; they are resolved every time the
// tool list is materialized, so a tool's surface can reflect current
// state (available processes, registered projects) at call time.
type ToolParam struct {
	Type        string
	Description string
	Enum        []string
	Properties  map[string]*ToolParam
	Items       *ToolParam
	Required    []string

	// Dynamic variants take precedence over the static fields above.
	DescriptionFunc func() string
	EnumFunc        func() []string
}

// Materialize resolves the node and everything beneath it into a plain
// JSON-schema fragment.
func (p *ToolParam) Materialize() map[string]any {
	if p == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}

	node := map[string]any{}
	if p.Type != "" {
		node["type"] = p.Type
	}

	description := p.Description
	if p.DescriptionFunc != nil {
		description = p.DescriptionFunc()
	}
	if description != "" {
		node["description"] = description
	}

	enum := p.Enum
	if p.EnumFunc != nil {
		enum = p.EnumFunc()
	}
	if len(enum) > 0 {
		node["enum"] = enum
	}

	if len(p.Properties) > 0 {
		properties := make(map[string]any, len(p.Properties))
		for name, child := range p.Properties {
			properties[name] = child.Materialize()
		}
		node["properties"] = properties
	}
	if p.Items != nil {
		node["items"] = p.Items.Materialize()
	}
	if len(p.Required) > 0 {
		node["required"] = p.Required
	}
	return node
}

// ToolDefinition is the declarative half of a tool.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  *ToolParam
}

// ToolFunction pairs a definition with its implementation. The
// implementation receives the arguments decoded as a named-argument
// object; the dispatch engine accepts no other argument shape.
type ToolFunction struct {
	Definition ToolDefinition
	Fn         func(ctx context.Context, args map[string]any) (any, error)

	// schemaOverride carries a pre-reflected parameter schema; it takes
	// precedence over Definition.Parameters during materialization.
	schemaOverride map[string]any
}

// NewTool builds a tool from a name, description and parameter schema.
func NewTool(name, description string, params *ToolParam, fn func(ctx context.Context, args map[string]any) (any, error)) *ToolFunction {
	return &ToolFunction{
		Definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		Fn: fn,
	}
}

// Spec materializes the tool for a provider request, resolving all
// dynamic parameter fields.
func (t *ToolFunction) Spec() providers.ToolSpec {
	if t.schemaOverride != nil {
		return providers.ToolSpec{
			Name:        t.Definition.Name,
			Description: t.Definition.Description,
			Parameters:  t.schemaOverride,
		}
	}
	params := t.Definition.Parameters.Materialize()
	if params["type"] == nil {
		params["type"] = "object"
	}
	if params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	return providers.ToolSpec{
		Name:        t.Definition.Name,
		Description: t.Definition.Description,
		Parameters:  params,
	}
}

// schemaFor reflects a Go struct into a plain JSON-schema map. Used for
// tool surfaces declared as typed parameter structs.
func schemaFor(v any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("reflect schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	delete(out, "$schema")
	return out, nil
}
