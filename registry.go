package dragonscale

import (
	"fmt"
	"sort"
)

// Registry is the immutable catalog of available operations. It is built
// once and shared read-only between concurrent instructions.
type Registry struct {
	tools       map[string]Tool
	byName      map[string]ToolDefinition
	definitions []ToolDefinition
}

// NewRegistry builds a registry from the given tools. Names must be unique
// and non-empty.
func NewRegistry(tools ...Tool) (*Registry, error) {
	if len(tools) == 0 {
		return nil, NewConfigurationError("at least one tool is required", nil)
	}

	r := &Registry{
		tools:       make(map[string]Tool, len(tools)),
		byName:      make(map[string]ToolDefinition, len(tools)),
		definitions: make([]ToolDefinition, 0, len(tools)),
	}
	for _, tool := range tools {
		if tool == nil {
			return nil, NewConfigurationError("nil tool in registry", nil)
		}
		def := tool.Definition()
		if def.Name == "" {
			return nil, NewConfigurationError("tool with empty name", nil)
		}
		if _, exists := r.tools[def.Name]; exists {
			return nil, NewConfigurationError(fmt.Sprintf("tool with name '%s' already exists", def.Name), nil)
		}
		r.tools[def.Name] = tool
		r.byName[def.Name] = def
		r.definitions = append(r.definitions, def)
	}
	sort.Slice(r.definitions, func(i, j int) bool { return r.definitions[i].Name < r.definitions[j].Name })
	return r, nil
}

// MustRegistry is NewRegistry that panics on error. Intended for static wiring.
func MustRegistry(tools ...Tool) *Registry {
	r, err := NewRegistry(tools...)
	if err != nil {
		panic(err)
	}
	return r
}

// Definitions returns every tool definition, sorted by name. The returned
// slice is a copy.
func (r *Registry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(r.definitions))
	copy(out, r.definitions)
	return out
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Definition returns the definition registered under name.
func (r *Registry) Definition(name string) (ToolDefinition, bool) {
	def, ok := r.byName[name]
	return def, ok
}

// Names returns all registered operation names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.definitions))
	for _, d := range r.definitions {
		names = append(names, d.Name)
	}
	return names
}

// Disambiguating reports whether the named operation may return clarification_needed.
func (r *Registry) Disambiguating(name string) bool {
	def, ok := r.Definition(name)
	return ok && def.MayRequireClarification
}

// ClarificationSource names the operation that produced req. Clients may
// echo a clarification without its operation; it is then matched by kind
// against the operations that may ask for clarification. An operation that
// declares no kind is compatible with any request.
func (r *Registry) ClarificationSource(req ClarificationRequest) (string, bool) {
	if req.Operation != "" {
		_, ok := r.byName[req.Operation]
		return req.Operation, ok
	}
	var exact, compatible []string
	for _, d := range r.definitions {
		if !d.MayRequireClarification {
			continue
		}
		switch {
		case req.Kind != "" && d.ClarificationKind == req.Kind:
			exact = append(exact, d.Name)
		case req.Kind == "" || d.ClarificationKind == "":
			compatible = append(compatible, d.Name)
		}
	}
	switch {
	case len(exact) == 1:
		return exact[0], true
	case len(exact) == 0 && len(compatible) == 1:
		return compatible[0], true
	}
	return "", false
}

// ResolveSelection returns sel with its originating operation filled in. It
// fails with a request error when the operation cannot be identified, since
// the answered operation must not run again.
func (r *Registry) ResolveSelection(sel *SelectedClarification) (*SelectedClarification, error) {
	if sel == nil {
		return nil, nil
	}
	op, ok := r.ClarificationSource(sel.OriginalClarification)
	if !ok {
		if sel.OriginalClarification.Operation != "" {
			return nil, NewRequestError(fmt.Sprintf("clarification response names unknown operation '%s'", sel.OriginalClarification.Operation))
		}
		return nil, NewRequestError("clarification response does not identify the operation that asked it")
	}
	resolved := *sel
	resolved.OriginalClarification.Operation = op
	return &resolved, nil
}
