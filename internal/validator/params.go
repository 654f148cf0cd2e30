package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// Verdict is the result of a per-call parameter check.
type Verdict struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// Err converts an invalid verdict into a validation error for operation.
func (v Verdict) Err(operation string) error {
	if v.Valid {
		return nil
	}
	reasons := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		reasons[i] = fmt.Sprintf("%s: %s", operation, r)
	}
	return dragonscale.NewValidationError(dragonscale.StageValidating, reasons)
}

// ValidateToolParameters checks one call's parameters against its definition:
// required parameters present and concrete, types and enums respected, no
// unknown parameters, and every declared cross-field constraint satisfied.
// It is pure: identical inputs always yield identical verdicts.
func ValidateToolParameters(def dragonscale.ToolDefinition, params map[string]interface{}, actingUserID string) Verdict {
	return validateParams(def, params, actingUserID, nil)
}

// validateParams is ValidateToolParameters with a set of parameters whose
// absence is tolerated because a preceding step will supply them.
func validateParams(def dragonscale.ToolDefinition, params map[string]interface{}, actingUserID string, deferred map[string]bool) Verdict {
	var reasons []string

	for _, spec := range def.Parameters {
		v, present := params[spec.Name]
		if !present || spec.Unfilled(v) {
			if spec.Required && !deferred[spec.Name] {
				if present && v != nil && spec.IsIdentifier() {
					reasons = append(reasons, fmt.Sprintf("parameter '%s' is a placeholder (%v)", spec.Name, v))
				} else {
					reasons = append(reasons, fmt.Sprintf("missing required parameter '%s'", spec.Name))
				}
			}
			continue
		}
		if reason := checkType(spec, v); reason != "" {
			reasons = append(reasons, reason)
			continue
		}
		if reason := checkEnum(spec, v); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	// Map iteration order is random; sort so the verdict is deterministic.
	unknown := make([]string, 0)
	for name := range params {
		if _, ok := def.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		reasons = append(reasons, fmt.Sprintf("unknown parameter '%s'", name))
	}

	if len(reasons) == 0 {
		for _, c := range def.Constraints {
			if referencesAny(c.Expression, deferred) {
				continue
			}
			if reason := evaluateConstraint(c, def, params, actingUserID); reason != "" {
				reasons = append(reasons, reason)
			}
		}
	}

	return Verdict{Valid: len(reasons) == 0, Reasons: reasons}
}

// referencesAny reports whether expr mentions a deferred parameter; such
// constraints are checked again once the parameter has been filled.
func referencesAny(expr string, deferred map[string]bool) bool {
	for name := range deferred {
		if strings.Contains(expr, name) {
			return true
		}
	}
	return false
}

func checkType(spec dragonscale.ParamSpec, v interface{}) string {
	if !matchesType(spec.Type, v) {
		return fmt.Sprintf("parameter '%s' must be of type %s, got %T", spec.Name, spec.Type, v)
	}
	if spec.Type == dragonscale.ParamArray && spec.ItemType != "" {
		for i, item := range asSlice(v) {
			if !matchesType(spec.ItemType, item) {
				return fmt.Sprintf("parameter '%s'[%d] must be of type %s, got %T", spec.Name, i, spec.ItemType, item)
			}
		}
	}
	return ""
}

func checkEnum(spec dragonscale.ParamSpec, v interface{}) string {
	if len(spec.Enum) == 0 {
		return ""
	}
	values := []interface{}{v}
	if spec.Type == dragonscale.ParamArray {
		values = asSlice(v)
	}
	for _, value := range values {
		s := fmt.Sprint(value)
		allowed := false
		for _, e := range spec.Enum {
			if s == e {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Sprintf("parameter '%s' must be one of %v, got %q", spec.Name, spec.Enum, s)
		}
	}
	return ""
}

func matchesType(t dragonscale.ParamType, v interface{}) bool {
	switch t {
	case dragonscale.ParamString:
		_, ok := v.(string)
		return ok
	case dragonscale.ParamBoolean:
		_, ok := v.(bool)
		return ok
	case dragonscale.ParamNumber:
		_, ok := toFloat(v)
		return ok
	case dragonscale.ParamInteger:
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case dragonscale.ParamArray:
		return asSlice(v) != nil
	case dragonscale.ParamObject:
		_, ok := v.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		out := make([]interface{}, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}
