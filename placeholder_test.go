package dragonscale

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPlaceholder(t *testing.T) {
	for _, v := range []interface{}{nil, "", "  ", "TBD", "none", "<recipient_id>", "{{user_id}}", "${task1}", "$prev.user_id", "[contact id]", "resolved_user"} {
		assert.True(t, IsPlaceholder(v), "%v", v)
	}
	for _, v := range []interface{}{"u-jane", "c42", 0, false} {
		assert.True(t, IsConcrete(v), "%v", v)
	}
}

func TestParamSpec_Unfilled(t *testing.T) {
	content := ParamSpec{Name: "content", Type: ParamString}
	recipient := ParamSpec{Name: "recipient_id", Type: ParamString}
	participant := ParamSpec{Name: "participant", Type: ParamString, Identifier: true}

	assert.False(t, content.IsIdentifier())
	assert.True(t, recipient.IsIdentifier())
	assert.True(t, participant.IsIdentifier())

	for _, v := range []interface{}{"None", "TBD", "unknown", "<sigh>", "id"} {
		assert.False(t, content.Unfilled(v), "%v", v)
	}
	assert.True(t, content.Unfilled(nil))
	assert.True(t, content.Unfilled(" \t"))

	assert.True(t, recipient.Unfilled("None"))
	assert.True(t, recipient.Unfilled("<recipient_id>"))
	assert.False(t, recipient.Unfilled("u-jane"))
	assert.True(t, participant.Unfilled("TBD"))
}
