package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"gopkg.in/yaml.v3"
)

// PlanFile is a plan written by hand, replayed without the reasoning service.
type PlanFile struct {
	Name                  string         `yaml:"name" json:"name"`
	Description           string         `yaml:"description" json:"description"`
	Instruction           string         `yaml:"instruction" json:"instruction"`
	ActingUserID          string         `yaml:"acting_user_id" json:"acting_user_id"`
	CurrentConversationID string         `yaml:"current_conversation_id" json:"current_conversation_id"`
	MaxChainLength        int            `yaml:"max_chain_length" json:"max_chain_length"`
	Steps                 []PlanFileStep `yaml:"steps" json:"steps"`
}

type PlanFileStep struct {
	Operation  string                 `yaml:"operation" json:"operation"`
	Parameters map[string]interface{} `yaml:"parameters" json:"parameters"`
}

// PlanFileLoader defines an interface for loading a PlanFile from a source (e.g., file, bytes, etc.).
type PlanFileLoader interface {
	Load(source string) (*PlanFile, error)
	Format() string // e.g., "yaml", "json"
}

// loaderRegistry holds registered PlanFileLoaders by format name.
var loaderRegistry = make(map[string]PlanFileLoader)

// RegisterPlanFileLoader registers a new PlanFileLoader for a given format.
func RegisterPlanFileLoader(loader PlanFileLoader) {
	loaderRegistry[loader.Format()] = loader
}

// GetPlanFileLoader retrieves a loader by format name (e.g., "yaml").
func GetPlanFileLoader(format string) (PlanFileLoader, bool) {
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements PlanFileLoader for YAML files.
type YAMLLoader struct{}

func (YAMLLoader) Load(path string) (*PlanFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	return ParsePlanYAML(raw)
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader implements PlanFileLoader for JSON files.
type JSONLoader struct{}

func (JSONLoader) Load(path string) (*PlanFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	var pf PlanFile
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return &pf, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterPlanFileLoader(YAMLLoader{})
	RegisterPlanFileLoader(JSONLoader{})
}

// ParsePlanYAML decodes a YAML plan document. Unknown keys are rejected.
func ParsePlanYAML(raw []byte) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

// Validate checks the plan's shape: at least one step, no empty or unknown
// operation, and no operation immediately repeated. Parameter checks are
// left to the chain validator, which knows the acting user. A nil registry
// skips the unknown-operation check.
func (pf *PlanFile) Validate(registry *dragonscale.Registry) error {
	var reasons []string
	if len(pf.Steps) == 0 {
		reasons = append(reasons, "plan file has no steps")
	}
	if pf.MaxChainLength > 0 && len(pf.Steps) > pf.MaxChainLength {
		reasons = append(reasons, fmt.Sprintf("plan file has %d steps, its limit is %d", len(pf.Steps), pf.MaxChainLength))
	}
	for i, step := range pf.Steps {
		op := strings.TrimSpace(step.Operation)
		switch {
		case op == "":
			reasons = append(reasons, fmt.Sprintf("step %d has no operation", i+1))
			continue
		case registry != nil:
			if _, ok := registry.Definition(op); !ok {
				reasons = append(reasons, fmt.Sprintf("step %d: unknown operation '%s'", i+1, op))
			}
		}
		if i > 0 && strings.TrimSpace(pf.Steps[i-1].Operation) == op {
			reasons = append(reasons, fmt.Sprintf("step %d repeats operation '%s'", i+1, op))
		}
	}
	if len(reasons) > 0 {
		return dragonscale.NewValidationError(dragonscale.StageValidating, reasons)
	}
	return nil
}

// ToPlan converts the file into an unexecuted plan.
func (pf *PlanFile) ToPlan() *dragonscale.Plan {
	calls := make([]dragonscale.ToolCall, 0, len(pf.Steps))
	for _, step := range pf.Steps {
		calls = append(calls, dragonscale.ToolCall{
			Operation:  strings.TrimSpace(step.Operation),
			Parameters: step.Parameters,
		})
	}
	return dragonscale.NewPlan(calls...)
}

// ToInstruction builds the instruction the plan answers, used to seed the
// chain context when the plan is replayed.
func (pf *PlanFile) ToInstruction() dragonscale.Instruction {
	text := pf.Instruction
	if text == "" {
		text = pf.Description
	}
	if text == "" {
		text = pf.Name
	}
	return dragonscale.Instruction{
		Text: text,
		AppContext: dragonscale.AppContext{
			CurrentScreen:         "plan_file",
			CurrentConversationID: pf.CurrentConversationID,
			ActingUserID:          pf.ActingUserID,
		},
		MaxChainLength: pf.MaxChainLength,
	}
}

// LoadPlanFile picks a loader from the file extension.
func LoadPlanFile(path string) (*PlanFile, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "yml" {
		format = "yaml"
	}
	loader, ok := GetPlanFileLoader(format)
	if !ok {
		return nil, fmt.Errorf("no plan loader registered for format %q", format)
	}
	return loader.Load(path)
}

// LoadAndValidatePlan loads a plan file, validates it against registry and
// returns it together with the plan it describes (not executed).
func LoadAndValidatePlan(path string, registry *dragonscale.Registry) (*PlanFile, *dragonscale.Plan, error) {
	pf, err := LoadPlanFile(path)
	if err != nil {
		return nil, nil, err
	}
	if err := pf.Validate(registry); err != nil {
		return nil, nil, err
	}
	return pf, pf.ToPlan(), nil
}
