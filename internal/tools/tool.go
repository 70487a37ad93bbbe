package tools

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
)

// Tool is a capability offered to the model during investigation or remediation.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the provider-facing definition derived from a Tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// RemediationPrefix marks tools that change state rather than read it.
const RemediationPrefix = "retry_"

// Registry holds available tools keyed by name. Registration happens at
// startup; lookups are safe for concurrent use afterwards.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Len reports the number of registered tools. A nil registry is empty.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Filter returns a new registry holding the tools for which keep returns true.
func (r *Registry) Filter(keep func(Tool) bool) *Registry {
	out := NewRegistry()
	if r == nil {
		return out
	}
	for _, t := range r.tools {
		if keep(t) {
			out.Register(t)
		}
	}
	return out
}

// Split separates read-only diagnostic tools from remediation tools by name prefix.
func (r *Registry) Split() (diagnostic, remediation *Registry) {
	isRemediation := func(t Tool) bool { return strings.HasPrefix(t.Name(), RemediationPrefix) }
	return r.Filter(func(t Tool) bool { return !isRemediation(t) }), r.Filter(isRemediation)
}

// ToToolDefs returns the tool definitions sorted by name so prompts are stable.
func (r *Registry) ToToolDefs() []ToolDef {
	names := r.Names()
	out := make([]ToolDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return out
}
