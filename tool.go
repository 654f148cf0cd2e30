package dragonscale

import (
	"context"
	"fmt"
)

// SafeExecute invokes a tool and normalizes whatever it returns into a
// well-formed outcome. A panic inside the adapter becomes an error outcome.
func SafeExecute(ctx context.Context, tool Tool, params map[string]interface{}, tc ToolContext) (outcome ToolOutcome) {
	name := tool.Definition().Name
	defer func() {
		if r := recover(); r != nil {
			outcome = Failure(fmt.Sprintf("operation '%s' failed unexpectedly: %v", name, r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Failure(fmt.Sprintf("operation '%s' not started: %v", name, err))
	}

	outcome = tool.Execute(ctx, CloneParams(params), tc)
	return normalizeOutcome(name, outcome)
}

func normalizeOutcome(operation string, o ToolOutcome) ToolOutcome {
	switch {
	case o.NextAction == "" && o.Success:
		o.NextAction = NextActionContinue
	case o.NextAction == "" || (!o.Success && o.NextAction != NextActionClarificationNeeded):
		o.NextAction = NextActionError
	}
	if o.NextAction == NextActionError {
		o.Success = false
		if o.Error == "" {
			o.Error = fmt.Sprintf("operation '%s' failed", operation)
		}
	}
	if o.NextAction == NextActionClarificationNeeded {
		if o.Clarification == nil || len(o.Clarification.Options) == 0 {
			return Failure(fmt.Sprintf("operation '%s' requested clarification without options", operation))
		}
		if o.Clarification.Operation == "" {
			req := *o.Clarification
			req.Operation = operation
			o.Clarification = &req
		}
	}
	return o
}
