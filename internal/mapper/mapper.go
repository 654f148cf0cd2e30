// Package mapper fills a step's missing parameters from the real outcome of
// the step before it.
package mapper

import (
	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// Mapping copies SourcePath out of the source operation's outcome data into
// TargetField of the target operation's parameters.
type Mapping struct {
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	SourcePath  string `yaml:"source_path"`
	TargetField string `yaml:"target_field"`
}

type pairKey struct {
	source string
	target string
}

// Mapper holds the fixed field-mapping table between operation pairs. Pairs
// absent from the table are never mapped.
type Mapper struct {
	table map[pairKey][]Mapping
}

// DefaultMappings is the built-in table for the messaging operations.
func DefaultMappings() []Mapping {
	return []Mapping{
		{Source: "lookup_contacts", Target: "send_message", SourcePath: "user_id", TargetField: "recipient_id"},
		{Source: "lookup_contacts", Target: "resolve_conversation", SourcePath: "user_id", TargetField: "participant_id"},
		{Source: "resolve_conversation", Target: "send_message", SourcePath: "conversation_id", TargetField: "conversation_id"},
		{Source: "resolve_conversation", Target: "get_messages", SourcePath: "conversation_id", TargetField: "conversation_id"},
		{Source: "resolve_conversation", Target: "summarize_conversation", SourcePath: "conversation_id", TargetField: "conversation_id"},
		{Source: "resolve_conversation", Target: "analyze_conversation", SourcePath: "conversation_id", TargetField: "conversation_id"},
		{Source: "list_conversations", Target: "get_messages", SourcePath: "conversations.0.id", TargetField: "conversation_id"},
		{Source: "list_conversations", Target: "summarize_conversation", SourcePath: "conversations.0.id", TargetField: "conversation_id"},
		{Source: "list_conversations", Target: "analyze_conversation", SourcePath: "conversations.0.id", TargetField: "conversation_id"},
		{Source: "send_message", Target: "get_messages", SourcePath: "conversation_id", TargetField: "conversation_id"},
	}
}

// New builds a mapper from mappings. With no mappings it uses DefaultMappings.
func New(mappings ...Mapping) *Mapper {
	if len(mappings) == 0 {
		mappings = DefaultMappings()
	}
	m := &Mapper{table: make(map[pairKey][]Mapping)}
	for _, mp := range mappings {
		key := pairKey{source: mp.Source, target: mp.Target}
		m.table[key] = append(m.table[key], mp)
	}
	return m
}

// AutoMapParameters returns params with fields filled from the source
// operation's outcome. A field is filled only when the planner left it
// absent or set it to an obvious placeholder; concrete values are never
// overwritten. params is not modified.
func (m *Mapper) AutoMapParameters(source string, outcome *dragonscale.ToolOutcome, target string, params map[string]interface{}) map[string]interface{} {
	out := dragonscale.CloneParams(params)
	if outcome == nil || !outcome.Success || outcome.NextAction.Halts() {
		return out
	}
	for _, mp := range m.table[pairKey{source: source, target: target}] {
		if dragonscale.IsConcrete(out[mp.TargetField]) {
			continue
		}
		value, ok := Lookup(outcome.Data, mp.SourcePath)
		if !ok || dragonscale.IsPlaceholder(value) {
			continue
		}
		out[mp.TargetField] = value
	}
	return out
}

// Fillable returns the target fields the table can fill for a pair.
func (m *Mapper) Fillable(source, target string) []string {
	mappings := m.table[pairKey{source: source, target: target}]
	fields := make([]string, 0, len(mappings))
	for _, mp := range mappings {
		fields = append(fields, mp.TargetField)
	}
	return fields
}

// Maps reports whether any mapping exists for the pair.
func (m *Mapper) Maps(source, target string) bool {
	return len(m.table[pairKey{source: source, target: target}]) > 0
}
