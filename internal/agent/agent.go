package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	catalog "github.com/withmagi/magi/internal/models"
	"github.com/withmagi/magi/internal/providers"
	"github.com/withmagi/magi/pkg/models"
)

// Agent is one configured agent: its prompt surface, tool set, worker
// agents, and model preferences. Agents are templates; each top-level
// invocation through a tool projection runs against a clone, so
// per-invocation mutations (fresh id, intelligence-adjusted class)
// never leak back into the template.
type Agent struct {
	AgentID      string
	Name         string
	Description  string
	Instructions string

	Tools   []*ToolFunction
	Workers []*Agent
	Parent  *Agent

	// Model pins an exact model id. When empty, one is selected from
	// ModelClass at run time.
	Model         string
	ModelClass    catalog.Class
	ModelSettings providers.Settings

	// MaxToolCalls bounds cumulative tool calls across one top-level
	// invocation; MaxToolCallRounds bounds follow-up turns. Zero means
	// unbounded.
	MaxToolCalls      int
	MaxToolCallRounds int

	// JSONSchema, when set, requests structured output.
	JSONSchema map[string]any

	// Verifier optionally names an agent run by callers to check this
	// agent's output. It is not invoked automatically.
	Verifier *Agent

	// Params and ProcessParams replace the default task-oriented tool
	// surface with a domain-specific one: Params declares the schema and
	// ProcessParams rewrites the raw arguments into the agent's prompt.
	Params        *ToolParam
	ProcessParams func(a *Agent, raw map[string]any) (string, error)

	// Lifecycle hooks. Hook errors are logged, never fatal.
	OnToolCall   func(call models.ToolCall) error
	OnToolResult func(call models.ToolCall, result string) error
	OnRequest    func(req *providers.Request)
	OnResponse   func(content string)
}

// New creates an agent with a fresh id.
func New(name, description, instructions string) *Agent {
	return &Agent{
		AgentID:      uuid.NewString(),
		Name:         name,
		Description:  description,
		Instructions: instructions,
	}
}

// Clone returns a per-invocation copy: fresh agent id, shallow-copied
// slices and maps, shared function references and parent pointer.
func (a *Agent) Clone() *Agent {
	out := *a
	out.AgentID = uuid.NewString()
	out.Tools = append([]*ToolFunction(nil), a.Tools...)
	out.Workers = append([]*Agent(nil), a.Workers...)
	if a.JSONSchema != nil {
		schema := make(map[string]any, len(a.JSONSchema))
		for k, v := range a.JSONSchema {
			schema[k] = v
		}
		out.JSONSchema = schema
	}
	return &out
}

// Export returns the wire identity attached to stream events.
func (a *Agent) Export(model string) *models.AgentExport {
	return &models.AgentExport{
		AgentID: a.AgentID,
		Name:    a.Name,
		Model:   model,
	}
}

// GetTools materializes the agent's effective tool set: static tools,
// then registry tools for this agent id, then each worker projected via
// AsTool. The set is deduplicated by name with later entries winning.
func (a *Agent) GetTools(reg *Registry, runner *Runner) []*ToolFunction {
	var all []*ToolFunction
	all = append(all, a.Tools...)
	if reg != nil {
		all = append(all, reg.toolsFor(a.AgentID)...)
	}
	for _, worker := range a.Workers {
		all = append(all, worker.AsTool(runner))
	}

	index := make(map[string]int, len(all))
	var out []*ToolFunction
	for _, tool := range all {
		name := tool.Definition.Name
		if at, seen := index[name]; seen {
			out[at] = tool
			continue
		}
		index[name] = len(out)
		out = append(out, tool)
	}
	return out
}

// taskParams is the default tool surface of an agent projection.
type taskParams struct {
	Task         string `json:"task" jsonschema:"description=The task for the agent to perform"`
	Context      string `json:"context,omitempty" jsonschema:"description=Background the agent needs to do the task"`
	Warnings     string `json:"warnings,omitempty" jsonschema:"description=Pitfalls or constraints to respect"`
	Goal         string `json:"goal,omitempty" jsonschema:"description=The overall goal this task serves"`
	Intelligence string `json:"intelligence,omitempty" jsonschema:"enum=low,enum=standard,enum=high,description=Model capability required for the task"`
}

// AsTool projects the agent as a callable tool. Invocation clones the
// agent, applies the intelligence hint to its model class, and runs the
// clone to completion through the runner.
func (a *Agent) AsTool(runner *Runner) *ToolFunction {
	template := a

	fn := func(ctx context.Context, args map[string]any) (any, error) {
		clone := template.Clone()

		var input string
		if template.Params != nil && template.ProcessParams != nil {
			prompt, err := template.ProcessParams(clone, args)
			if err != nil {
				return nil, fmt.Errorf("process params for %s: %w", template.Name, err)
			}
			input = prompt
		} else {
			input = composeTaskPrompt(args)
			if hint, _ := args["intelligence"].(string); hint != "" {
				clone.ModelClass = catalog.ApplyIntelligence(clone.ModelClass, hint)
			}
		}

		var history []models.ConversationItem
		return runner.RunStreamedWithTools(ctx, clone, input, &history, nil)
	}

	tool := &ToolFunction{
		Definition: ToolDefinition{
			Name:        toolNameFor(a.Name),
			Description: a.Description,
		},
		Fn: fn,
	}
	if a.Params != nil {
		tool.Definition.Parameters = a.Params
	} else {
		schema, err := schemaFor(&taskParams{})
		if err == nil {
			tool.Definition.Parameters = &ToolParam{Type: "object"}
			tool.schemaOverride = schema
		}
	}
	return tool
}

func composeTaskPrompt(args map[string]any) string {
	var b strings.Builder
	if task, _ := args["task"].(string); task != "" {
		b.WriteString(task)
	}
	sections := []struct{ label, key string }{
		{"Context", "context"},
		{"Warnings", "warnings"},
		{"Goal", "goal"},
	}
	for _, s := range sections {
		if v, _ := args[s.key].(string); v != "" {
			fmt.Fprintf(&b, "\n\n%s: %s", s.label, v)
		}
	}
	return b.String()
}

func toolNameFor(agentName string) string {
	name := strings.ToLower(strings.TrimSpace(agentName))
	name = strings.ReplaceAll(name, " ", "_")
	if name == "" {
		name = "agent"
	}
	return name
}
