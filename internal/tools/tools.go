// Package tools defines the tool registry and dispatch framework.
//
// Tools are described to the model in OpenAI function format. Every
// dispatch produces a uniform Result envelope regardless of outcome, so
// the model always sees a well-formed tool message it can react to.
package tools

import (
	"context"
	"sort"
)

// Handler executes a tool call. The returned string is the payload
// placed in the result envelope; errors are classified into an error
// kind by the dispatcher.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Mutating marks tools with side effects. Mutating calls are never
	// retried after dispatch has begun.
	Mutating bool `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry. Integrations register
// their tool sets against it at startup.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry. Registering a name twice
// replaces the earlier definition.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if absent.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tool definitions for the model, in stable order.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}
