// Package tools provides the tool registry and execution framework.
//
// A [Tool] pairs a JSON-schema input contract with a handler. The
// registry validates model-supplied arguments against that contract
// before the handler runs, so handlers can rely on required fields being
// present and enum values being legal.
package tools

import (
	"context"
	"slices"
	"sort"
)

// Handler executes a tool with validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// RequiresConfirmation marks tools whose side effects must wait for
	// an explicit human decision. The model's call is recorded but not
	// executed; the confirmation pipeline runs Handler once a decision
	// arrives.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool to the registry, replacing any tool with the
// same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name. Returns nil when the tool is unknown.
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

// RequiresConfirmation reports whether the named tool is gated behind
// human approval. Unknown tools are never gated.
func (r *Registry) RequiresConfirmation(name string) bool {
	t := r.tools[name]
	return t != nil && t.RequiresConfirmation
}

// List returns all tools in OpenAI function-calling format, sorted by
// name so that request payloads are stable.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.tools))
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

// Execute validates args against the tool's schema and runs its handler.
// An unknown tool yields [*ErrToolUnavailable]; a schema mismatch yields
// [*ValidationError] and the handler is not called.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := Validate(tool.Name, tool.Parameters, args); err != nil {
		return "", err
	}
	return tool.Handler(ctx, args)
}

// Gated returns the names of tools that require confirmation.
func (r *Registry) Gated() []string {
	var names []string
	for _, name := range r.Names() {
		if r.tools[name].RequiresConfirmation {
			names = append(names, name)
		}
	}
	return slices.Clip(names)
}
