// Package validator holds the pure, stateless checks run before and during
// chain execution.
package validator

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/mapper"
)

// MaxInstructionLength bounds the raw instruction text.
const MaxInstructionLength = 4000

// recipientFields are the parameters that identify where a send-type
// operation delivers.
var recipientFields = []string{"recipient_id", "conversation_id"}

// ChainValidator checks instructions and plans against an immutable registry.
type ChainValidator struct {
	registry *dragonscale.Registry
	mapper   *mapper.Mapper
}

// New creates a validator. A nil mapper uses the default mapping table.
func New(registry *dragonscale.Registry, m *mapper.Mapper) *ChainValidator {
	if m == nil {
		m = mapper.New()
	}
	return &ChainValidator{registry: registry, mapper: m}
}

// ValidateInstruction is the pre-flight check run before any planning. A
// clarification response must also be attributable to a registered
// operation.
func (v *ChainValidator) ValidateInstruction(instr dragonscale.Instruction) error {
	if err := ValidateInstruction(instr); err != nil {
		return err
	}
	_, err := v.registry.ResolveSelection(instr.AppContext.ClarificationResponse)
	return err
}

// ValidateInstruction rejects an empty instruction or a missing acting user.
func ValidateInstruction(instr dragonscale.Instruction) error {
	text := strings.TrimSpace(instr.Text)
	switch {
	case text == "":
		return dragonscale.NewRequestError("instruction text is empty")
	case len(text) > MaxInstructionLength:
		return dragonscale.NewRequestError(fmt.Sprintf("instruction text exceeds %d characters", MaxInstructionLength))
	case strings.TrimSpace(instr.AppContext.ActingUserID) == "":
		return dragonscale.NewRequestError("acting user id is missing")
	case instr.MaxChainLength < 0:
		return dragonscale.NewRequestError("maxChainLength must not be negative")
	}
	if sel := instr.AppContext.ClarificationResponse; sel != nil && strings.TrimSpace(sel.SelectedOption.ID) == "" {
		return dragonscale.NewRequestError("clarification response has no selected option id")
	}
	return nil
}

// ValidateChain is the whole-plan check: length bounds, no adjacent repeats,
// known operations, send-type recipients and per-call parameters. A step may
// omit parameters the preceding step will supply through the mapping table.
func (v *ChainValidator) ValidateChain(plan *dragonscale.Plan, cc *dragonscale.ChainContext) error {
	var reasons []string

	maxLen := cc.MaxChainLength
	switch {
	case plan.Len() == 0:
		reasons = append(reasons, "plan is empty")
	case maxLen > 0 && plan.Len() > maxLen:
		reasons = append(reasons, fmt.Sprintf("plan has %d steps, the limit is %d", plan.Len(), maxLen))
	}
	if len(reasons) > 0 {
		return dragonscale.NewValidationError(dragonscale.StageValidating, reasons)
	}

	resumeOp := ""
	if sel := cc.AppContext.ClarificationResponse; sel != nil {
		resumeOp, _ = v.registry.ClarificationSource(sel.OriginalClarification)
	}

	for i, step := range plan.Steps {
		call := step.Call
		if i > 0 && plan.Steps[i-1].Call.Operation == call.Operation {
			reasons = append(reasons, fmt.Sprintf("step %d repeats operation '%s'", i+1, call.Operation))
		}

		def, ok := v.registry.Definition(call.Operation)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("step %d: unknown operation '%s'", i+1, call.Operation))
			continue
		}
		if resumeOp != "" && resumeOp == call.Operation {
			reasons = append(reasons, fmt.Sprintf("step %d re-invokes '%s' after its clarification was answered", i+1, call.Operation))
		}

		// Steps that already ran during planning were validated at that point.
		if step.Outcome != nil {
			continue
		}

		prevOp := ""
		if i > 0 {
			prevOp = plan.Steps[i-1].Call.Operation
		}
		for _, r := range v.checkStep(def, call, prevOp, cc.ActingUserID) {
			reasons = append(reasons, fmt.Sprintf("step %d (%s): %s", i+1, call.Operation, r))
		}
	}

	if len(reasons) > 0 {
		return dragonscale.NewValidationError(dragonscale.StageValidating, reasons)
	}
	return nil
}

// ValidateStep checks one call that follows prevOp in a plan. Parameters the
// mapping table fills from prevOp's outcome may still be absent. Pass an
// empty prevOp when the preceding outcome is already known and mapped.
func (v *ChainValidator) ValidateStep(call dragonscale.ToolCall, prevOp, actingUserID string) Verdict {
	def, ok := v.registry.Definition(call.Operation)
	if !ok {
		return Verdict{Reasons: []string{fmt.Sprintf("unknown operation '%s'", call.Operation)}}
	}
	reasons := v.checkStep(def, call, prevOp, actingUserID)
	return Verdict{Valid: len(reasons) == 0, Reasons: reasons}
}

func (v *ChainValidator) checkStep(def dragonscale.ToolDefinition, call dragonscale.ToolCall, prevOp, actingUserID string) []string {
	deferred := map[string]bool{}
	if prevOp != "" {
		for _, f := range v.mapper.Fillable(prevOp, call.Operation) {
			deferred[f] = true
		}
	}

	var reasons []string
	if def.Kind == dragonscale.KindSend && !hasRecipient(call.Parameters, deferred) {
		reasons = append(reasons, "no concrete recipient and no preceding resolution step")
	}
	reasons = append(reasons, validateParams(def, call.Parameters, actingUserID, deferred).Reasons...)
	return reasons
}

// ValidateCall is the per-call check against the registry.
func (v *ChainValidator) ValidateCall(call dragonscale.ToolCall, actingUserID string) Verdict {
	def, ok := v.registry.Definition(call.Operation)
	if !ok {
		return Verdict{Reasons: []string{fmt.Sprintf("unknown operation '%s'", call.Operation)}}
	}
	return ValidateToolParameters(def, call.Parameters, actingUserID)
}

func hasRecipient(params map[string]interface{}, deferred map[string]bool) bool {
	for _, f := range recipientFields {
		if dragonscale.IsConcrete(params[f]) || deferred[f] {
			return true
		}
	}
	return false
}
