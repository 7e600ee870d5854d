package agent

import "sync"

// Registry holds tools registered outside an agent's static
// configuration: shared tools available to every agent, plus overlays
// scoped to a single agent id. Materialization order is static tools,
// then shared, then the agent overlay; later entries win on name
// collision.
type Registry struct {
	mu      sync.RWMutex
	shared  map[string]*ToolFunction
	byAgent map[string]map[string]*ToolFunction
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		shared:  make(map[string]*ToolFunction),
		byAgent: make(map[string]map[string]*ToolFunction),
	}
}

// Register adds a shared tool, replacing any previous tool of the same
// name.
func (r *Registry) Register(tool *ToolFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shared[tool.Definition.Name] = tool
}

// RegisterForAgent adds a tool visible only to the given agent id.
func (r *Registry) RegisterForAgent(agentID string, tool *ToolFunction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	overlay := r.byAgent[agentID]
	if overlay == nil {
		overlay = make(map[string]*ToolFunction)
		r.byAgent[agentID] = overlay
	}
	overlay[tool.Definition.Name] = tool
}

// Lookup returns a tool by name as the given agent sees it: the agent
// overlay shadows shared tools.
func (r *Registry) Lookup(agentID, name string) *ToolFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if overlay := r.byAgent[agentID]; overlay != nil {
		if tool := overlay[name]; tool != nil {
			return tool
		}
	}
	return r.shared[name]
}

// toolsFor returns the shared tools followed by the agent overlay.
func (r *Registry) toolsFor(agentID string) []*ToolFunction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ToolFunction, 0, len(r.shared))
	for _, tool := range r.shared {
		out = append(out, tool)
	}
	if overlay := r.byAgent[agentID]; overlay != nil {
		for _, tool := range overlay {
			out = append(out, tool)
		}
	}
	return out
}
