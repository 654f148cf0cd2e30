// Package prompt holds the named system prompts sent to the reasoning service.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// Built-in prompt names.
const (
	PlannerDefault = "planner.default"
	PlannerResume  = "planner.resume"
	Summarize      = "tools.summarize"
	Analyze        = "tools.analyze"
)

// PlannerInput is the data rendered into the planner prompts.
type PlannerInput struct {
	Catalog               []dragonscale.ToolDefinition
	ActingUserID          string
	CurrentScreen         string
	CurrentConversationID string
	MaxSteps              int
	Round                 int
	RoundsLeft            int
	Selection             *dragonscale.SelectedClarification
}

// Registry manages named prompt templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"json": func(v interface{}) (string, error) {
		raw, err := json.MarshalIndent(v, "", "  ")
		return string(raw), err
	},
	"join": strings.Join,
}

// NewRegistry creates a registry preloaded with the built-in prompts.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*template.Template)}
	for name, text := range builtins {
		if err := r.Define(name, text); err != nil {
			// Built-ins are constants; a parse failure is a programming error.
			panic(err)
		}
	}
	return r
}

// Define parses and registers a template, replacing any previous one.
func (r *Registry) Define(name, text string) error {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("failed to define prompt '%s': %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = tmpl
	return nil
}

// Render executes the named prompt with input.
func (r *Registry) Render(name string, input interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt '%s' not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, input); err != nil {
		return "", fmt.Errorf("failed to render prompt '%s': %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Names lists the registered prompts.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlannerPrompt picks the resume prompt when the instruction answers a clarification.
func (r *Registry) PlannerPrompt(input PlannerInput) (string, error) {
	if input.Selection != nil {
		return r.Render(PlannerResume, input)
	}
	return r.Render(PlannerDefault, input)
}

const plannerRules = `
Rules:
- Only use operations from the catalog. Never invent an operation.
- Never invent identifiers. If an id is not known yet, omit the parameter; it is filled from the previous step's result.
- Propose at most {{.MaxSteps}} operations in total, in execution order.
- Never propose the same operation twice in a row.
- An operation marked may_require_clarification must be the last operation you propose in a round.
- Messages are sent on behalf of user {{.ActingUserID}}. Never send a message to that user unless explicitly asked.
{{- if .CurrentConversationID}}
- The user is looking at conversation {{.CurrentConversationID}}. Reading, summarizing and analyzing may refer to it; sending may not.
{{- end}}
- Reply with JSON only: {"calls":[{"operation":"<name>","parameters":{...}}],"text":"<short note>"}.
- Reply with an empty "calls" array when nothing more is needed.
`

var builtins = map[string]string{
	PlannerDefault: `You turn a messaging app user's instruction into a short sequence of operations.
Current screen: {{.CurrentScreen}}. Planning round {{.Round}}; {{.RoundsLeft}} more round(s) after this one.

Operation catalog:
{{json .Catalog}}
` + plannerRules,

	PlannerResume: `You turn a messaging app user's instruction into a short sequence of operations.
The user already answered a clarification from '{{.Selection.OriginalClarification.Operation}}' by choosing
"{{.Selection.SelectedOption.Title}}" (id {{.Selection.SelectedOption.ID}}).
Do NOT call '{{.Selection.OriginalClarification.Operation}}' again. Continue with the remaining operations; the chosen id is supplied automatically.
Current screen: {{.CurrentScreen}}. Planning round {{.Round}}; {{.RoundsLeft}} more round(s) after this one.

Operation catalog:
{{json .Catalog}}
` + plannerRules,

	Summarize: `Summarize the following conversation{{if .Style}} in a {{.Style}} style{{end}}. Reply with the summary only.

{{range .Lines}}{{.}}
{{end}}`,

	Analyze: `Answer the question using only the conversation below. If it cannot be answered from it, say so.

Question: {{.Question}}

{{range .Lines}}{{.}}
{{end}}`,
}
