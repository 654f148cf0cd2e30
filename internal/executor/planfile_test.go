package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

const tellJane = `
name: tell-jane
instruction: Tell Jane I'm on my way
acting_user_id: u-me
steps:
  - operation: lookup_contacts
    parameters:
      query: Jane
  - operation: send_message
    parameters:
      content: I'm on my way
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPlanFile_Validate_TableDriven(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		pf      PlanFile
		wantErr bool
	}{
		{
			"valid plan",
			PlanFile{Steps: []PlanFileStep{{Operation: "lookup_contacts"}, {Operation: "send_message"}}},
			false,
		},
		{"no steps", PlanFile{}, true},
		{
			"empty operation",
			PlanFile{Steps: []PlanFileStep{{Operation: "  "}}},
			true,
		},
		{
			"unknown operation",
			PlanFile{Steps: []PlanFileStep{{Operation: "teleport"}}},
			true,
		},
		{
			"adjacent repeat",
			PlanFile{Steps: []PlanFileStep{{Operation: "list_conversations"}, {Operation: "list_conversations"}}},
			true,
		},
		{
			"over its own limit",
			PlanFile{MaxChainLength: 1, Steps: []PlanFileStep{{Operation: "list_conversations"}, {Operation: "get_messages"}}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pf.Validate(f.registry)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, dragonscale.ErrCodeValidation, dragonscale.CodeOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPlanFile_ValidateWithoutRegistry(t *testing.T) {
	pf := PlanFile{Steps: []PlanFileStep{{Operation: "anything"}}}
	assert.NoError(t, pf.Validate(nil))
}

func TestParsePlanYAML(t *testing.T) {
	pf, err := ParsePlanYAML([]byte(tellJane))
	require.NoError(t, err)
	assert.Equal(t, "tell-jane", pf.Name)
	require.Len(t, pf.Steps, 2)

	plan := pf.ToPlan()
	assert.Equal(t, []dragonscale.ToolCall{
		{Operation: tools.OpLookupContacts, Parameters: map[string]interface{}{"query": "Jane"}},
		{Operation: tools.OpSendMessage, Parameters: map[string]interface{}{"content": "I'm on my way"}},
	}, plan.Calls())

	instr := pf.ToInstruction()
	assert.Equal(t, "Tell Jane I'm on my way", instr.Text)
	assert.Equal(t, "u-me", instr.AppContext.ActingUserID)

	_, err = ParsePlanYAML([]byte("steps:\n  - operation: x\n    colour: red\n"))
	assert.Error(t, err)
}

func TestLoadAndValidatePlan(t *testing.T) {
	f := newFixture(t)

	t.Run("yaml", func(t *testing.T) {
		pf, plan, err := LoadAndValidatePlan(writeFile(t, "plan.yml", tellJane), f.registry)
		require.NoError(t, err)
		assert.Equal(t, "tell-jane", pf.Name)
		assert.Equal(t, 2, plan.Len())
	})

	t.Run("json", func(t *testing.T) {
		doc := `{"name":"summary","acting_user_id":"u-me","steps":[{"operation":"summarize_conversation","parameters":{"conversation_id":"c42","limit":10}}]}`
		_, plan, err := LoadAndValidatePlan(writeFile(t, "plan.json", doc), f.registry)
		require.NoError(t, err)
		require.Equal(t, 1, plan.Len())
		assert.Equal(t, 10.0, plan.Steps[0].Call.Parameters["limit"])
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, _, err := LoadAndValidatePlan(writeFile(t, "plan.toml", "x = 1"), f.registry)
		assert.ErrorContains(t, err, "no plan loader")
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := LoadAndValidatePlan(filepath.Join(t.TempDir(), "nope.yaml"), f.registry)
		assert.Error(t, err)
	})

	t.Run("invalid plan", func(t *testing.T) {
		_, _, err := LoadAndValidatePlan(writeFile(t, "plan.yaml", "steps: []\n"), f.registry)
		assert.Equal(t, dragonscale.ErrCodeValidation, dragonscale.CodeOf(err))
	})
}

func TestEndToEnd_PlanFileToResult(t *testing.T) {
	f := newFixture(t)
	pf, plan, err := LoadAndValidatePlan(writeFile(t, "tell-jane.yaml", tellJane), f.registry)
	require.NoError(t, err)

	instr := pf.ToInstruction()
	cc := dragonscale.NewChainContext(instr, "replay-1", 5)
	result, err := f.executor(t).ExecuteChain(context.Background(), plan, cc)
	require.NoError(t, err)
	require.Len(t, result.Steps, 2)

	last, ok := result.Last()
	require.True(t, ok)
	assert.Equal(t, "u-jane", last.Outcome.Data["recipient_id"])
	assert.Equal(t, "I'm on my way", last.Outcome.Data["content"])
}
