package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

func TestAutoMapParameters(t *testing.T) {
	m := New()
	contact := dragonscale.Continue(map[string]interface{}{"user_id": "u-jane", "display_name": "Jane Doe"})

	tests := []struct {
		name    string
		source  string
		outcome *dragonscale.ToolOutcome
		target  string
		params  map[string]interface{}
		want    map[string]interface{}
	}{
		{
			name:    "fills absent field",
			source:  "lookup_contacts",
			outcome: &contact,
			target:  "send_message",
			params:  map[string]interface{}{"content": "hi"},
			want:    map[string]interface{}{"content": "hi", "recipient_id": "u-jane"},
		},
		{
			name:    "replaces placeholder",
			source:  "lookup_contacts",
			outcome: &contact,
			target:  "send_message",
			params:  map[string]interface{}{"content": "hi", "recipient_id": "<recipient_id>"},
			want:    map[string]interface{}{"content": "hi", "recipient_id": "u-jane"},
		},
		{
			name:    "never overwrites concrete value",
			source:  "lookup_contacts",
			outcome: &contact,
			target:  "send_message",
			params:  map[string]interface{}{"content": "hi", "recipient_id": "u-sam"},
			want:    map[string]interface{}{"content": "hi", "recipient_id": "u-sam"},
		},
		{
			name:    "unmapped pair is untouched",
			source:  "lookup_contacts",
			outcome: &contact,
			target:  "get_messages",
			params:  map[string]interface{}{},
			want:    map[string]interface{}{},
		},
		{
			name:    "failed outcome maps nothing",
			source:  "lookup_contacts",
			outcome: ptr(dragonscale.Failure("contact not found")),
			target:  "send_message",
			params:  map[string]interface{}{"content": "hi"},
			want:    map[string]interface{}{"content": "hi"},
		},
		{
			name:    "nil outcome maps nothing",
			source:  "lookup_contacts",
			target:  "send_message",
			params:  nil,
			want:    map[string]interface{}{},
		},
		{
			name:   "indexed source path",
			source: "list_conversations",
			outcome: ptr(dragonscale.Continue(map[string]interface{}{
				"conversations": []interface{}{
					map[string]interface{}{"id": "c42"},
					map[string]interface{}{"id": "c-jane"},
				},
			})),
			target: "summarize_conversation",
			params: map[string]interface{}{"style": "brief"},
			want:   map[string]interface{}{"style": "brief", "conversation_id": "c42"},
		},
		{
			name:    "placeholder in outcome is not copied",
			source:  "resolve_conversation",
			outcome: ptr(dragonscale.Continue(map[string]interface{}{"conversation_id": "TBD"})),
			target:  "get_messages",
			params:  map[string]interface{}{},
			want:    map[string]interface{}{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before map[string]interface{}
			if tt.params != nil {
				before = dragonscale.CloneParams(tt.params)
			}
			got := m.AutoMapParameters(tt.source, tt.outcome, tt.target, tt.params)
			assert.Equal(t, tt.want, got)
			if tt.params != nil {
				assert.Equal(t, before, tt.params, "input params must not be modified")
			}
		})
	}
}

func ptr(o dragonscale.ToolOutcome) *dragonscale.ToolOutcome { return &o }

func TestFillableAndMaps(t *testing.T) {
	m := New()
	assert.Equal(t, []string{"recipient_id"}, m.Fillable("lookup_contacts", "send_message"))
	assert.True(t, m.Maps("resolve_conversation", "send_message"))
	assert.False(t, m.Maps("list_conversations", "send_message"))
	assert.Empty(t, m.Fillable("send_message", "lookup_contacts"))

	custom := New(Mapping{Source: "a", Target: "b", SourcePath: "x", TargetField: "y"})
	assert.True(t, custom.Maps("a", "b"))
	assert.False(t, custom.Maps("lookup_contacts", "send_message"))
}

func TestLookup(t *testing.T) {
	data := map[string]interface{}{
		"user": map[string]interface{}{"id": "u-jane"},
		"conversations": []interface{}{
			map[string]interface{}{"id": "c42"},
		},
		"typed": []map[string]interface{}{{"id": "c-jane"}},
	}

	tests := []struct {
		path string
		want interface{}
		ok   bool
	}{
		{"user.id", "u-jane", true},
		{"conversations.0.id", "c42", true},
		{"typed.0.id", "c-jane", true},
		{"conversations.1.id", nil, false},
		{"conversations.x", nil, false},
		{"user.id.more", nil, false},
		{"missing", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Lookup(data, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := Lookup(nil, "user.id")
	assert.False(t, ok)
}

func TestApplyContextDefaults(t *testing.T) {
	m := New()
	read := dragonscale.ToolDefinition{
		Name:       "get_messages",
		Kind:       dragonscale.KindRead,
		Parameters: []dragonscale.ParamSpec{{Name: "conversation_id", Type: dragonscale.ParamString, Required: true}},
	}
	send := dragonscale.ToolDefinition{
		Name: "send_message",
		Kind: dragonscale.KindSend,
		Parameters: []dragonscale.ParamSpec{
			{Name: "recipient_id", Type: dragonscale.ParamString},
			{Name: "conversation_id", Type: dragonscale.ParamString},
			{Name: "content", Type: dragonscale.ParamString, Required: true},
		},
	}
	active := dragonscale.AppContext{ActingUserID: "u-me", CurrentConversationID: "c42"}

	t.Run("active conversation fills reads", func(t *testing.T) {
		got := m.ApplyContextDefaults(read, map[string]interface{}{}, active)
		assert.Equal(t, "c42", got["conversation_id"])
	})

	t.Run("concrete conversation wins", func(t *testing.T) {
		got := m.ApplyContextDefaults(read, map[string]interface{}{"conversation_id": "c-jane"}, active)
		assert.Equal(t, "c-jane", got["conversation_id"])
	})

	t.Run("sends never default to the active conversation", func(t *testing.T) {
		got := m.ApplyContextDefaults(send, map[string]interface{}{"content": "hi"}, active)
		_, ok := got["conversation_id"]
		assert.False(t, ok)
	})

	t.Run("selection fills the recipient", func(t *testing.T) {
		app := dragonscale.AppContext{
			ActingUserID: "u-me",
			ClarificationResponse: &dragonscale.SelectedClarification{
				SelectedOption:        dragonscale.ClarificationOption{ID: "u-john-s", Title: "John Smith"},
				OriginalClarification: dragonscale.ClarificationRequest{Operation: "lookup_contacts"},
			},
		}
		params := map[string]interface{}{"content": "hi"}
		got := m.ApplyContextDefaults(send, params, app)
		assert.Equal(t, "u-john-s", got["recipient_id"])
		assert.NotContains(t, params, "recipient_id")
	})
}

func TestSelectionOutcome(t *testing.T) {
	out := SelectionOutcome(dragonscale.SelectedClarification{
		SelectedOption: dragonscale.ClarificationOption{
			ID:       "u-john-a",
			Title:    "John Appleseed",
			Metadata: map[string]interface{}{"username": "johnny"},
		},
	})
	require.True(t, out.Success)
	assert.Equal(t, dragonscale.NextActionContinue, out.NextAction)
	assert.Equal(t, "u-john-a", out.Data["id"])
	assert.Equal(t, "u-john-a", out.Data["user_id"])
	assert.Equal(t, "John Appleseed", out.Data["display_name"])
	assert.Equal(t, "johnny", out.Data["username"])
}
