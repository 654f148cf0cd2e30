package mapper

import (
	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// conversationScoped kinds may default conversation_id to the active
// conversation. Send-type operations never do: the recipient must come from
// the instruction.
var conversationScoped = map[dragonscale.OperationKind]bool{
	dragonscale.KindRead:      true,
	dragonscale.KindSummarize: true,
	dragonscale.KindAnalyze:   true,
}

// ApplyContextDefaults fills parameters from the app context: the active
// conversation for conversation-scoped reads, and the user's selection when
// the instruction resumes a clarification. Concrete values are never
// overwritten. params is not modified.
func (m *Mapper) ApplyContextDefaults(def dragonscale.ToolDefinition, params map[string]interface{}, app dragonscale.AppContext) map[string]interface{} {
	out := dragonscale.CloneParams(params)

	if app.CurrentConversationID != "" && conversationScoped[def.Kind] {
		if _, declared := def.Param("conversation_id"); declared && dragonscale.IsPlaceholder(out["conversation_id"]) {
			out["conversation_id"] = app.CurrentConversationID
		}
	}

	if sel := app.ClarificationResponse; sel != nil {
		source := sel.OriginalClarification.Operation
		if source != "" && source != def.Name {
			selected := SelectionOutcome(*sel)
			out = m.AutoMapParameters(source, &selected, def.Name, out)
		}
	}
	return out
}

// SelectionOutcome turns the user's chosen option into the outcome the
// disambiguating operation would have produced had the match been unique.
func SelectionOutcome(sel dragonscale.SelectedClarification) dragonscale.ToolOutcome {
	opt := sel.SelectedOption
	data := make(map[string]interface{}, len(opt.Metadata)+3)
	for k, v := range opt.Metadata {
		data[k] = v
	}
	data["id"] = opt.ID
	if _, ok := data["user_id"]; !ok {
		data["user_id"] = opt.ID
	}
	if _, ok := data["display_name"]; !ok {
		data["display_name"] = opt.Title
	}
	return dragonscale.Continue(data)
}
