package validator

import (
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// ActingUserVar is the variable name exposing the acting user to constraints.
const ActingUserVar = "acting_user_id"

// constraintFunctions is the whitelist of functions usable in constraint
// expressions. It is never mutated after package init.
var constraintFunctions = map[string]govaluate.ExpressionFunction{
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("lower expects 1 argument, got %d", len(args))
		}
		s, _ := args[0].(string)
		return strings.ToLower(s), nil
	},
	"strlen": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("strlen expects 1 argument, got %d", len(args))
		}
		s, _ := args[0].(string)
		return float64(len([]rune(s))), nil
	},
}

// ValidateExpression checks that a constraint expression parses.
func ValidateExpression(expr string) error {
	_, err := govaluate.NewEvaluableExpressionWithFunctions(expr, constraintFunctions)
	return err
}

// evaluateConstraint evaluates one constraint against a call's parameters.
// It returns an empty string when the constraint holds.
func evaluateConstraint(c dragonscale.Constraint, def dragonscale.ToolDefinition, params map[string]interface{}, actingUserID string) string {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(c.Expression, constraintFunctions)
	if err != nil {
		return fmt.Sprintf("constraint %q does not parse: %v", c.Expression, err)
	}

	result, err := expr.Evaluate(constraintVariables(def, params, actingUserID))
	if err != nil {
		return fmt.Sprintf("constraint %q could not be evaluated: %v", c.Expression, err)
	}
	ok, isBool := result.(bool)
	if !isBool {
		return fmt.Sprintf("constraint %q did not yield a boolean", c.Expression)
	}
	if ok {
		return ""
	}
	if c.Message != "" {
		return c.Message
	}
	return fmt.Sprintf("constraint %q violated", c.Expression)
}

// constraintVariables exposes every declared parameter, zero-valued when absent
// or unfilled, so expressions never fail on a missing optional parameter.
func constraintVariables(def dragonscale.ToolDefinition, params map[string]interface{}, actingUserID string) map[string]interface{} {
	vars := make(map[string]interface{}, len(def.Parameters)+1)
	for _, p := range def.Parameters {
		v, present := params[p.Name]
		if !present || p.Unfilled(v) {
			vars[p.Name] = zeroValue(p.Type)
			continue
		}
		vars[p.Name] = numeric(v)
	}
	vars[ActingUserVar] = actingUserID
	return vars
}

func zeroValue(t dragonscale.ParamType) interface{} {
	switch t {
	case dragonscale.ParamString:
		return ""
	case dragonscale.ParamNumber, dragonscale.ParamInteger:
		return 0.0
	case dragonscale.ParamBoolean:
		return false
	default:
		return nil
	}
}

// numeric widens integer kinds to float64, which is what govaluate compares.
func numeric(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	default:
		return v
	}
}
