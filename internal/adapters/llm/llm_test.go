package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

func TestDecodeReply(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		calls   []string
		text    string
		wantErr bool
	}{
		{name: "empty", raw: "  "},
		{name: "prose", raw: "I need more details.", text: "I need more details."},
		{
			name:  "calls",
			raw:   `{"calls":[{"operation":"lookup_contacts","parameters":{"query":"Jane"}},{"operation":"send_message"}],"text":"ok"}`,
			calls: []string{"lookup_contacts", "send_message"},
			text:  "ok",
		},
		{
			name:  "fenced",
			raw:   "```json\n{\"calls\":[{\"operation\":\"list_conversations\"}]}\n```",
			calls: []string{"list_conversations"},
		},
		{name: "unknown field", raw: `{"calls":[],"plan":"x"}`, wantErr: true},
		{name: "trailing data", raw: `{"calls":[]} {"calls":[]}`, wantErr: true},
		{name: "missing operation", raw: `{"calls":[{"parameters":{}}]}`, wantErr: true},
		{name: "broken json", raw: `{"calls":[`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := DecodeReply(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, dragonscale.ErrCodeDecode, dragonscale.CodeOf(err))
				return
			}
			require.NoError(t, err)
			ops := make([]string, 0, len(reply.Calls))
			for _, c := range reply.Calls {
				ops = append(ops, c.Operation)
			}
			if len(tt.calls) == 0 {
				assert.Empty(t, ops)
			} else {
				assert.Equal(t, tt.calls, ops)
			}
			assert.Equal(t, tt.text, reply.Text)
		})
	}
}

func TestReasoningAdapter_Propose(t *testing.T) {
	var seen *RoundInput
	flow := RunnerFunc[*RoundInput, string](func(_ context.Context, in *RoundInput) (string, error) {
		seen = in
		return `{"calls":[{"operation":"lookup_contacts","parameters":{"query":"Jane"}}]}`, nil
	})
	a, err := NewReasoningAdapter(flow)
	require.NoError(t, err)

	transcript := []dragonscale.Message{{Role: dragonscale.RoleUser, Content: "Tell Jane hi"}}
	catalog := []dragonscale.ToolDefinition{{Name: "lookup_contacts"}}
	reply, err := a.Propose(context.Background(), transcript, catalog)
	require.NoError(t, err)
	require.Len(t, reply.Calls, 1)
	assert.JSONEq(t, `{"query":"Jane"}`, string(reply.Calls[0].Parameters))
	assert.Equal(t, transcript, seen.Transcript)
	assert.Equal(t, catalog, seen.Catalog)
}

func TestReasoningAdapter_MalformedReplyBecomesText(t *testing.T) {
	flow := RunnerFunc[*RoundInput, string](func(context.Context, *RoundInput) (string, error) {
		return `{"calls": "lookup_contacts"}`, nil
	})
	a, err := NewReasoningAdapter(flow)
	require.NoError(t, err)

	reply, err := a.Propose(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, reply.Calls)
	assert.Equal(t, `{"calls": "lookup_contacts"}`, reply.Text)
}

func TestReasoningAdapter_FlowFailure(t *testing.T) {
	flow := RunnerFunc[*RoundInput, string](func(context.Context, *RoundInput) (string, error) {
		return "", errors.New("quota exceeded")
	})
	a, err := NewReasoningAdapter(flow)
	require.NoError(t, err)

	_, err = a.Propose(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestReasoningAdapter_ReplyCache(t *testing.T) {
	store := cache.NewInMemoryCache(time.Minute)
	defer store.Close()

	var runs atomic.Int32
	flow := RunnerFunc[*RoundInput, string](func(context.Context, *RoundInput) (string, error) {
		runs.Add(1)
		return `{"calls":[{"operation":"list_conversations"}]}`, nil
	})
	a, err := NewReasoningAdapter(flow, WithReplyCache(store))
	require.NoError(t, err)

	transcript := []dragonscale.Message{{Role: dragonscale.RoleUser, Content: "what's new"}}
	for i := 0; i < 3; i++ {
		reply, err := a.Propose(context.Background(), transcript, nil)
		require.NoError(t, err)
		require.Len(t, reply.Calls, 1)
	}
	assert.Equal(t, int32(1), runs.Load())

	_, err = a.Propose(context.Background(), append(transcript, dragonscale.Message{Role: dragonscale.RoleUser, Content: "more"}), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), runs.Load())
}

func TestNewAdapters_RequireFlow(t *testing.T) {
	_, err := NewReasoningAdapter(nil)
	assert.Equal(t, dragonscale.ErrCodeConfiguration, dragonscale.CodeOf(err))
	_, err = NewSummarizer(nil, nil)
	assert.Equal(t, dragonscale.ErrCodeConfiguration, dragonscale.CodeOf(err))
	_, err = NewAnalyzer(nil, nil)
	assert.Equal(t, dragonscale.ErrCodeConfiguration, dragonscale.CodeOf(err))
}

func conversation() (tools.Conversation, []tools.Message) {
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	conv := tools.Conversation{ID: "c42", Title: "Weekend trip"}
	msgs := []tools.Message{
		{SenderID: "u-jane", SenderName: "Jane Doe", Content: "Budget is 120 dollars", SentAt: at},
		{SenderID: "u-sam", Content: "Works for me", SentAt: at.Add(time.Minute)},
	}
	return conv, msgs
}

func TestSummarizer(t *testing.T) {
	var prompt string
	flow := RunnerFunc[string, string](func(_ context.Context, in string) (string, error) {
		prompt = in
		return "  Jane set a 120 dollar budget.  ", nil
	})
	s, err := NewSummarizer(flow, nil)
	require.NoError(t, err)

	conv, msgs := conversation()
	out, err := s.Summarize(context.Background(), conv, msgs, "bullet")
	require.NoError(t, err)
	assert.Equal(t, "Jane set a 120 dollar budget.", out)
	assert.Contains(t, prompt, "in a bullet style")
	assert.Contains(t, prompt, "Conversation: Weekend trip")
	assert.Contains(t, prompt, "[2026-05-01 09:30] Jane Doe: Budget is 120 dollars")
	assert.Contains(t, prompt, "u-sam: Works for me")
}

func TestSummarizer_EmptyReply(t *testing.T) {
	flow := RunnerFunc[string, string](func(context.Context, string) (string, error) { return " ", nil })
	s, err := NewSummarizer(flow, nil)
	require.NoError(t, err)

	conv, msgs := conversation()
	_, err = s.Summarize(context.Background(), conv, msgs, "brief")
	assert.Error(t, err)
}

func TestAnalyzer(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		answer     string
		confidence float64
	}{
		{"structured", `{"answer":"120 dollars","confidence":0.9}`, "120 dollars", 0.9},
		{"out of range confidence", `{"answer":"120 dollars","confidence":7}`, "120 dollars", DefaultAnalysisConfidence},
		{"prose", "The budget is 120 dollars.", "The budget is 120 dollars.", DefaultAnalysisConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var prompt string
			flow := RunnerFunc[string, string](func(_ context.Context, in string) (string, error) {
				prompt = in
				return tt.reply, nil
			})
			a, err := NewAnalyzer(flow, nil)
			require.NoError(t, err)

			conv, msgs := conversation()
			answer, confidence, err := a.Analyze(context.Background(), conv, msgs, "what is the budget")
			require.NoError(t, err)
			assert.Equal(t, tt.answer, answer)
			assert.InDelta(t, tt.confidence, confidence, 1e-9)
			assert.Contains(t, prompt, "Question: what is the budget")
		})
	}
}

func TestAnalyzer_FlowFailure(t *testing.T) {
	flow := RunnerFunc[string, string](func(context.Context, string) (string, error) {
		return "", errors.New("offline")
	})
	a, err := NewAnalyzer(flow, nil)
	require.NoError(t, err)

	conv, msgs := conversation()
	_, _, err = a.Analyze(context.Background(), conv, msgs, "q")
	assert.ErrorContains(t, err, "offline")
}

func TestToMessages(t *testing.T) {
	msgs := ToMessages([]dragonscale.Message{
		{Role: dragonscale.RoleSystem, Content: "rules"},
		{Role: dragonscale.RoleUser, Content: "Tell Jane hi"},
		{Role: dragonscale.RoleAssistant, Content: `{"calls":[]}`},
		{Role: dragonscale.RoleTool, Operation: "lookup_contacts", Content: `{"success":true}`},
	})
	require.Len(t, msgs, 4)
	assert.Equal(t, ai.RoleSystem, msgs[0].Role)
	assert.Equal(t, ai.RoleUser, msgs[1].Role)
	assert.Equal(t, ai.RoleModel, msgs[2].Role)
	assert.Equal(t, ai.RoleUser, msgs[3].Role)
	assert.Equal(t, `Result of lookup_contacts: {"success":true}`, msgs[3].Text())
}
