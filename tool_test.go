package dragonscale

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type funcTool struct {
	def ToolDefinition
	fn  func(params map[string]interface{}) ToolOutcome
}

func (f funcTool) Definition() ToolDefinition { return f.def }
func (f funcTool) Execute(_ context.Context, params map[string]interface{}, _ ToolContext) ToolOutcome {
	return f.fn(params)
}

func TestSafeExecute_RecoversPanic(t *testing.T) {
	tool := funcTool{def: ToolDefinition{Name: "boom"}, fn: func(map[string]interface{}) ToolOutcome { panic("kaboom") }}
	out := SafeExecute(context.Background(), tool, nil, ToolContext{})
	assert.True(t, out.IsError())
	assert.Contains(t, out.Error, "kaboom")
}

func TestSafeExecute_Normalizes(t *testing.T) {
	cases := []struct {
		name    string
		outcome ToolOutcome
		want    NextAction
		success bool
	}{
		{"success without action", ToolOutcome{Success: true}, NextActionContinue, true},
		{"failure without action", ToolOutcome{Success: false}, NextActionError, false},
		{"failure marked continue", ToolOutcome{Success: false, NextAction: NextActionContinue}, NextActionError, false},
		{"clarification without options", ToolOutcome{Success: true, NextAction: NextActionClarificationNeeded}, NextActionError, false},
		{"complete", Complete(nil), NextActionComplete, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome := tc.outcome
			tool := funcTool{def: ToolDefinition{Name: "op"}, fn: func(map[string]interface{}) ToolOutcome { return outcome }}
			out := SafeExecute(context.Background(), tool, nil, ToolContext{})
			assert.Equal(t, tc.want, out.NextAction)
			assert.Equal(t, tc.success, out.Success)
		})
	}
}

func TestSafeExecute_StampsClarificationOperation(t *testing.T) {
	req := ClarificationRequest{Kind: "contact", Question: "Which?", Options: []ClarificationOption{{ID: "a"}, {ID: "b"}}}
	tool := funcTool{def: ToolDefinition{Name: "lookup_contacts"}, fn: func(map[string]interface{}) ToolOutcome {
		return NeedsClarification(req, nil)
	}}
	out := SafeExecute(context.Background(), tool, nil, ToolContext{})
	assert.Equal(t, "lookup_contacts", out.Clarification.Operation)
	assert.Empty(t, req.Operation)
}

func TestSafeExecute_DoesNotLeakParamMutation(t *testing.T) {
	params := map[string]interface{}{"a": 1}
	tool := funcTool{def: ToolDefinition{Name: "op"}, fn: func(p map[string]interface{}) ToolOutcome {
		p["a"] = 2
		return Continue(nil)
	}}
	SafeExecute(context.Background(), tool, params, ToolContext{})
	assert.Equal(t, 1, params["a"])
}

func TestSafeExecute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	tool := funcTool{def: ToolDefinition{Name: "op"}, fn: func(map[string]interface{}) ToolOutcome {
		called = true
		return Continue(nil)
	}}
	out := SafeExecute(ctx, tool, nil, ToolContext{})
	assert.True(t, out.IsError())
	assert.False(t, called)
}
