package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

func newRegistry(t *testing.T) *dragonscale.Registry {
	t.Helper()
	s, err := store.New(store.DefaultSeed())
	require.NoError(t, err)
	reg, err := tools.NewRegistry(s.Collaborators(store.ExtractiveSummarizer{}, store.KeywordAnalyzer{}), nil)
	require.NoError(t, err)
	return reg
}

func run(t *testing.T, reg *dragonscale.Registry, op string, params map[string]interface{}) dragonscale.ToolOutcome {
	t.Helper()
	tool, ok := reg.Lookup(op)
	require.True(t, ok, op)
	return dragonscale.SafeExecute(context.Background(), tool, params, dragonscale.ToolContext{ActingUserID: "u-me", RequestID: "req-1"})
}

func TestCatalog(t *testing.T) {
	reg := newRegistry(t)
	assert.Equal(t, []string{
		tools.OpAnalyzeConversation,
		tools.OpGetMessages,
		tools.OpListConversations,
		tools.OpLookupContacts,
		tools.OpResolveConversation,
		tools.OpSendMessage,
		tools.OpSummarizeConversation,
	}, reg.Names())

	assert.True(t, reg.Disambiguating(tools.OpLookupContacts))
	assert.False(t, reg.Disambiguating(tools.OpSendMessage))

	def, ok := reg.Definition(tools.OpSendMessage)
	require.True(t, ok)
	assert.Equal(t, dragonscale.KindSend, def.Kind)
	assert.NotEmpty(t, def.Constraints)
}

func TestSetupTools_MissingCollaborators(t *testing.T) {
	_, err := tools.SetupTools(tools.Collaborators{}, nil)
	require.Error(t, err)
	assert.Equal(t, dragonscale.ErrCodeConfiguration, dragonscale.CodeOf(err))
}

func TestLookupContacts(t *testing.T) {
	reg := newRegistry(t)

	unique := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "Jane"})
	require.Equal(t, dragonscale.NextActionContinue, unique.NextAction)
	assert.Equal(t, "u-jane", unique.Data["user_id"])
	assert.Equal(t, "Jane Doe", unique.Data["display_name"])

	ambiguous := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "John"})
	require.Equal(t, dragonscale.NextActionClarificationNeeded, ambiguous.NextAction)
	require.NotNil(t, ambiguous.Clarification)
	assert.Len(t, ambiguous.Clarification.Options, 3)
	assert.Equal(t, tools.OpLookupContacts, ambiguous.Clarification.Operation)
	assert.Equal(t, "u-john-a", ambiguous.Clarification.Options[0].ID)
	assert.Equal(t, "John Appleseed (@johnny.a)", ambiguous.Clarification.Options[0].DisplayText)

	exact := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "jsmith"})
	assert.Equal(t, "u-john-s", exact.Data["user_id"])

	none := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "Zelda"})
	assert.True(t, none.IsError())
}

func TestLookupContacts_RejectsBadParameters(t *testing.T) {
	reg := newRegistry(t)

	missing := run(t, reg, tools.OpLookupContacts, map[string]interface{}{})
	assert.True(t, missing.IsError())
	assert.Contains(t, missing.Error, "'query' failed required")

	unknown := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "Jane", "nickname": "J"})
	assert.True(t, unknown.IsError())

	fractional := run(t, reg, tools.OpLookupContacts, map[string]interface{}{"query": "Jane", "limit": 2.5})
	assert.True(t, fractional.IsError())
}

func TestResolveConversation(t *testing.T) {
	reg := newRegistry(t)

	out := run(t, reg, tools.OpResolveConversation, map[string]interface{}{"participant_id": "u-jane"})
	require.True(t, out.Success)
	assert.Equal(t, "c-jane", out.Data["conversation_id"])
	assert.Equal(t, "Jane Doe", out.Data["participant_name"])

	self := run(t, reg, tools.OpResolveConversation, map[string]interface{}{"participant_id": "u-me"})
	assert.True(t, self.IsError())

	noCreate := run(t, reg, tools.OpResolveConversation, map[string]interface{}{"participant_id": "u-sam", "create_if_missing": false})
	assert.True(t, noCreate.IsError())
	assert.Equal(t, "conversation not found", noCreate.Error)
}

func TestSendMessage(t *testing.T) {
	reg := newRegistry(t)

	out := run(t, reg, tools.OpSendMessage, map[string]interface{}{"recipient_id": "u-jane", "content": "I'm on my way"})
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "c-jane", out.Data["conversation_id"])
	assert.Equal(t, "Jane Doe", out.Data["recipient_name"])

	viaConversation := run(t, reg, tools.OpSendMessage, map[string]interface{}{"conversation_id": "c42", "content": "See you"})
	require.True(t, viaConversation.Success, viaConversation.Error)
	assert.Equal(t, "Weekend trip", viaConversation.Data["recipient_name"])

	noTarget := run(t, reg, tools.OpSendMessage, map[string]interface{}{"content": "hello"})
	assert.True(t, noTarget.IsError())

	self := run(t, reg, tools.OpSendMessage, map[string]interface{}{"recipient_id": "u-me", "content": "note"})
	assert.True(t, self.IsError())

	selfAllowed := run(t, reg, tools.OpSendMessage, map[string]interface{}{"recipient_id": "u-me", "content": "note", "allow_self": true})
	assert.False(t, selfAllowed.IsError(), selfAllowed.Error)
}

func TestReadOperations(t *testing.T) {
	reg := newRegistry(t)

	list := run(t, reg, tools.OpListConversations, map[string]interface{}{"limit": 2})
	require.True(t, list.Success)
	assert.Equal(t, 2, list.Data["count"])

	msgs := run(t, reg, tools.OpGetMessages, map[string]interface{}{"conversation_id": "c42", "limit": 3})
	require.True(t, msgs.Success)
	assert.Equal(t, 3, msgs.Data["count"])

	summary := run(t, reg, tools.OpSummarizeConversation, map[string]interface{}{"conversation_id": "c42"})
	require.True(t, summary.Success)
	assert.Equal(t, "brief", summary.Data["style"])
	assert.Contains(t, summary.Data["summary"], "Weekend trip")

	badStyle := run(t, reg, tools.OpSummarizeConversation, map[string]interface{}{"conversation_id": "c42", "style": "haiku"})
	assert.True(t, badStyle.IsError())

	analysis := run(t, reg, tools.OpAnalyzeConversation, map[string]interface{}{"conversation_id": "c42", "question": "what is the budget"})
	require.True(t, analysis.Success)
	assert.Contains(t, analysis.Data["answer"], "120 dollars")
	require.NotNil(t, analysis.Confidence)

	missing := run(t, reg, tools.OpGetMessages, map[string]interface{}{"conversation_id": "c-unknown"})
	assert.True(t, missing.IsError())
	assert.Equal(t, "conversation not found", missing.Error)
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, tools.Conversation, []tools.Message, string) (string, error) {
	return "", errors.New("model offline")
}

func TestCollaboratorFailureBecomesErrorOutcome(t *testing.T) {
	s, err := store.New(store.DefaultSeed())
	require.NoError(t, err)
	reg, err := tools.NewRegistry(s.Collaborators(failingSummarizer{}, store.KeywordAnalyzer{}), nil)
	require.NoError(t, err)

	out := run(t, reg, tools.OpSummarizeConversation, map[string]interface{}{"conversation_id": "c42"})
	assert.True(t, out.IsError())
	assert.Contains(t, out.Error, "model offline")
}
