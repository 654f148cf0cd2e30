// Package llm backs the reasoning service and the text collaborators with
// genkit flows.
package llm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
)

// Runner is the part of a genkit flow the adapters use. *core.Flow
// satisfies it.
type Runner[In, Out any] interface {
	Run(ctx context.Context, input In) (Out, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc[In, Out any] func(ctx context.Context, input In) (Out, error)

// Run implements Runner.
func (f RunnerFunc[In, Out]) Run(ctx context.Context, input In) (Out, error) {
	return f(ctx, input)
}

// RoundInput is the input of the planning-round flow.
type RoundInput struct {
	Transcript []dragonscale.Message        `json:"transcript"`
	Catalog    []dragonscale.ToolDefinition `json:"catalog"`
}

// ReasoningAdapter implements dragonscale.ReasoningService with one flow
// run per planning round.
type ReasoningAdapter struct {
	flow   Runner[*RoundInput, string]
	cache  dragonscale.Cache
	logger *zap.Logger
}

// ReasoningOption configures a ReasoningAdapter.
type ReasoningOption func(*ReasoningAdapter)

// WithReplyCache replays the stored reply for an identical transcript
// instead of running the flow again.
func WithReplyCache(cache dragonscale.Cache) ReasoningOption {
	return func(a *ReasoningAdapter) {
		a.cache = cache
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) ReasoningOption {
	return func(a *ReasoningAdapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewReasoningAdapter creates a reasoning service over flow.
func NewReasoningAdapter(flow Runner[*RoundInput, string], opts ...ReasoningOption) (*ReasoningAdapter, error) {
	if flow == nil {
		return nil, dragonscale.NewConfigurationError("reasoning flow is not configured", nil)
	}
	a := &ReasoningAdapter{flow: flow, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Propose implements dragonscale.ReasoningService. A flow failure is
// returned as an error; a reply that is not a valid call list is kept as
// plain text with no calls.
func (a *ReasoningAdapter) Propose(ctx context.Context, transcript []dragonscale.Message, catalog []dragonscale.ToolDefinition) (*dragonscale.ReasoningReply, error) {
	input := &RoundInput{Transcript: transcript, Catalog: catalog}
	key := a.cacheKey(input)

	if raw, ok := a.cached(ctx, key); ok {
		return a.decode(raw), nil
	}

	raw, err := a.flow.Run(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("planning round flow failed: %w", err)
	}

	if a.cache != nil && key != "" {
		if err := a.cache.Set(ctx, key, raw); err != nil {
			a.logger.Debug("reasoning reply not cached", zap.Error(err))
		}
	}
	return a.decode(raw), nil
}

func (a *ReasoningAdapter) decode(raw string) *dragonscale.ReasoningReply {
	reply, err := DecodeReply(raw)
	if err != nil {
		a.logger.Warn("reasoning reply rejected", zap.Error(err), zap.Int("bytes", len(raw)))
		return &dragonscale.ReasoningReply{Text: strings.TrimSpace(raw)}
	}
	return reply
}

func (a *ReasoningAdapter) cached(ctx context.Context, key string) (string, bool) {
	if a.cache == nil || key == "" {
		return "", false
	}
	v, err := a.cache.Get(ctx, key)
	if err != nil {
		return "", false
	}
	switch raw := v.(type) {
	case string:
		return raw, true
	case []byte:
		// File-backed caches hand back the JSON encoding of the string.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	return "", false
}

func (a *ReasoningAdapter) cacheKey(input *RoundInput) string {
	if a.cache == nil {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		a.logger.Debug("failed to marshal round input for cache key", zap.Error(err))
		return ""
	}
	sum := sha1.Sum(raw)
	return "reasoning:" + hex.EncodeToString(sum[:])
}

// DecodeReply strictly decodes a model reply of the form
// {"calls":[{"operation":"...","parameters":{...}}],"text":"..."}.
// Markdown code fences around the JSON are tolerated; prose is not.
func DecodeReply(raw string) (*dragonscale.ReasoningReply, error) {
	body := stripFences(strings.TrimSpace(raw))
	if body == "" {
		return &dragonscale.ReasoningReply{}, nil
	}
	if !strings.HasPrefix(body, "{") {
		return &dragonscale.ReasoningReply{Text: body}, nil
	}

	var reply dragonscale.ReasoningReply
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reply); err != nil {
		return nil, dragonscale.NewDecodeError("reasoning reply", err)
	}
	if dec.More() {
		return nil, dragonscale.NewDecodeError("reasoning reply", errors.New("trailing data after reply"))
	}
	for i, c := range reply.Calls {
		if strings.TrimSpace(c.Operation) == "" {
			return nil, dragonscale.NewDecodeError("reasoning reply", fmt.Errorf("call %d has no operation", i+1))
		}
	}
	return &reply, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
