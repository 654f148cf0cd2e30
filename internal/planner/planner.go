// Package planner turns one instruction into a plan through a bounded dialogue
// with the reasoning service.
package planner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/mapper"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/prompt"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/validator"
)

const source = "planner"

// RoundRecorder observes how each planning round ended.
type RoundRecorder interface {
	RecordRound(reason string)
}

// Rejection is a proposed call that did not make it into the plan.
type Rejection struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

// Round is the trace record of one planning round.
type Round struct {
	Round int `json:"round"`
	// Input holds the transcript entries new to this round; the system
	// prompt is identified by PromptDigest instead.
	Input        []dragonscale.Message `json:"input,omitempty"`
	PromptDigest string                `json:"prompt_digest,omitempty"`
	Proposed     []string              `json:"proposed"`
	Accepted     []string              `json:"accepted"`
	Executed     []string              `json:"executed,omitempty"`
	Dropped      []Rejection           `json:"dropped,omitempty"`
	Rejected     []Rejection           `json:"rejected,omitempty"`
	Text         string                `json:"text,omitempty"`
	Stop         StopReason            `json:"stop,omitempty"`
}

// Planner implements dragonscale.Planner.
type Planner struct {
	reasoning dragonscale.ReasoningService
	registry  *dragonscale.Registry
	mapper    *mapper.Mapper
	validator *validator.ChainValidator
	prompts   *prompt.Registry
	bus       eventbus.EventBus
	recorder  RoundRecorder
	logger    *zap.Logger
	config    dragonscale.Config
}

// Option configures a Planner.
type Option func(*Planner)

// WithConfig sets the round budget and chaining switch.
func WithConfig(cfg dragonscale.Config) Option {
	return func(p *Planner) {
		p.config = cfg
	}
}

// WithMapper replaces the default mapping table.
func WithMapper(m *mapper.Mapper) Option {
	return func(p *Planner) {
		p.mapper = m
	}
}

// WithPrompts replaces the prompt registry.
func WithPrompts(r *prompt.Registry) Option {
	return func(p *Planner) {
		p.prompts = r
	}
}

// WithEventBus reports every round on bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(p *Planner) {
		p.bus = bus
	}
}

// WithRoundRecorder sets the round metrics sink.
func WithRoundRecorder(r RoundRecorder) Option {
	return func(p *Planner) {
		p.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a planner over an immutable registry.
func New(reasoning dragonscale.ReasoningService, registry *dragonscale.Registry, opts ...Option) (*Planner, error) {
	if reasoning == nil {
		return nil, dragonscale.NewConfigurationError("planner requires a reasoning service", nil)
	}
	if registry == nil {
		return nil, dragonscale.NewConfigurationError("planner requires a tool registry", nil)
	}
	p := &Planner{
		reasoning: reasoning,
		registry:  registry,
		logger:    zap.NewNop(),
		config:    dragonscale.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mapper == nil {
		p.mapper = mapper.New()
	}
	if p.prompts == nil {
		p.prompts = prompt.NewRegistry()
	}
	p.validator = validator.New(registry, p.mapper)
	return p, nil
}

// session is the per-instruction planning state. It is never shared.
type session struct {
	instr      dragonscale.Instruction
	cc         *dragonscale.ChainContext
	plan       *dragonscale.Plan
	transcript []dragonscale.Message
	resumeOp   string
	recorded   int // transcript entries already reported in a round
	rejections []string
	logger     *zap.Logger
}

// Plan runs up to the configured number of rounds and returns the plan.
// Steps executed while planning carry their recorded outcome.
func (p *Planner) Plan(ctx context.Context, instr dragonscale.Instruction, cc *dragonscale.ChainContext) (*dragonscale.Plan, error) {
	s := &session{
		instr: instr,
		cc:    cc,
		plan:  &dragonscale.Plan{},
		transcript: []dragonscale.Message{
			{Role: dragonscale.RoleSystem},
			{Role: dragonscale.RoleUser, Content: instr.Text},
		},
		logger: p.logger.With(zap.String("request_id", cc.RequestID)),
	}
	if sel := cc.AppContext.ClarificationResponse; sel != nil {
		resolved, err := p.registry.ResolveSelection(sel)
		if err != nil {
			return nil, err
		}
		// Later mapping and validation read the resolved source from cc.
		cc.AppContext.ClarificationResponse = resolved
		s.resumeOp = resolved.OriginalClarification.Operation
	}

	maxRounds := p.config.EffectiveIterations(instr)
	catalog := p.registry.Definitions()

	for round := 1; ; round++ {
		system, err := p.prompts.PlannerPrompt(prompt.PlannerInput{
			Catalog:               catalog,
			ActingUserID:          cc.ActingUserID,
			CurrentScreen:         cc.AppContext.CurrentScreen,
			CurrentConversationID: cc.AppContext.CurrentConversationID,
			MaxSteps:              cc.MaxChainLength,
			Round:                 round,
			RoundsLeft:            maxRounds - round,
			Selection:             cc.AppContext.ClarificationResponse,
		})
		if err != nil {
			return nil, dragonscale.NewInternalError(dragonscale.StagePlanning, "failed to build planner prompt", err)
		}
		s.transcript[0].Content = system

		reply, err := p.reasoning.Propose(ctx, s.transcript, catalog)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, dragonscale.NewPlanningError("planning interrupted", ctxErr)
			}
			s.logger.Warn("reasoning service failed", zap.Int("round", round), zap.Error(err))
			return nil, dragonscale.NewReasoningUnavailableError(err)
		}
		if reply == nil {
			reply = &dragonscale.ReasoningReply{}
		}

		rec, state := p.runRound(ctx, s, round, maxRounds, reply)
		next, reason := decide(state)
		rec.Stop = reason

		s.logger.Debug("planning round finished",
			zap.Int("round", round),
			zap.Strings("accepted", rec.Accepted),
			zap.Int("rejected", len(rec.Rejected)),
			zap.String("stop", string(reason)))
		p.publish(ctx, eventbus.EventPlanningRound, cc.RequestID, rec, round)
		if p.recorder != nil {
			if next {
				p.recorder.RecordRound("continue")
			} else {
				p.recorder.RecordRound(string(reason))
			}
		}
		if !next {
			break
		}
	}

	if s.plan.Len() == 0 {
		if len(s.rejections) > 0 {
			return nil, dragonscale.NewValidationError(dragonscale.StagePlanning, s.rejections)
		}
		return nil, dragonscale.NewPlanningError("no appropriate operations found", nil)
	}

	p.publish(ctx, eventbus.EventPlanReady, cc.RequestID, s.plan.Calls(), 0)
	return s.plan, nil
}

func promptDigest(system string) string {
	sum := sha256.Sum256([]byte(system))
	return hex.EncodeToString(sum[:8])
}

// runRound applies one reasoning reply to the session.
func (p *Planner) runRound(ctx context.Context, s *session, round, maxRounds int, reply *dragonscale.ReasoningReply) (*Round, roundState) {
	rec := &Round{Round: round, Text: reply.Text}
	rec.PromptDigest = promptDigest(s.transcript[0].Content)
	from := s.recorded
	if from < 1 {
		from = 1
	}
	rec.Input = append([]dragonscale.Message(nil), s.transcript[from:]...)
	s.transcript = append(s.transcript, assistantMessage(reply))
	s.recorded = len(s.transcript)

	proposals := p.filter(reply.Calls, s.resumeOp, rec)
	more := round < maxRounds
	state := roundState{
		Round:     round,
		MaxRounds: maxRounds,
		Proposed:  len(proposals),
		MaxLen:    s.cc.MaxChainLength,
	}

	for _, pc := range proposals {
		if s.cc.MaxChainLength > 0 && s.plan.Len() >= s.cc.MaxChainLength {
			rec.Dropped = append(rec.Dropped, Rejection{Operation: pc.Operation, Reason: "plan is full"})
			continue
		}

		call, err := p.decode(pc)
		if err != nil {
			p.reject(ctx, s, rec, pc.Operation, err.Error())
			continue
		}

		def, _ := p.registry.Definition(call.Operation)
		params := p.mapper.ApplyContextDefaults(def, call.Parameters, s.cc.AppContext)

		prevOp := ""
		prev, hasPrev := s.plan.Last()
		if hasPrev {
			if prev.Outcome != nil {
				params = p.mapper.AutoMapParameters(prev.Call.Operation, prev.Outcome, call.Operation, params)
			} else {
				prevOp = prev.Call.Operation
			}
		}
		call.Parameters = params

		if verdict := p.validator.ValidateStep(call, prevOp, s.cc.ActingUserID); !verdict.Valid {
			p.reject(ctx, s, rec, call.Operation, strings.Join(verdict.Reasons, "; "))
			continue
		}

		if s.plan.Contains(call) {
			rec.Dropped = append(rec.Dropped, Rejection{Operation: call.Operation, Reason: "duplicate of a planned call"})
			continue
		}
		if hasPrev && prev.Call.Operation == call.Operation {
			rec.Dropped = append(rec.Dropped, Rejection{Operation: call.Operation, Reason: "repeats the previous operation"})
			continue
		}

		step := dragonscale.PlannedStep{Call: call}
		rec.Accepted = append(rec.Accepted, call.Operation)

		if more {
			tool, _ := p.registry.Lookup(call.Operation)
			outcome := dragonscale.SafeExecute(ctx, tool, call.Parameters, s.cc.ToolContext())
			step.Outcome = &outcome
			rec.Executed = append(rec.Executed, call.Operation)
			s.transcript = append(s.transcript, toolMessage(call.Operation, outcome))

			switch {
			case outcome.NextAction.Halts():
				state.Halted = true
			case outcome.NextAction == dragonscale.NextActionComplete:
				state.Completed = true
			}
		}
		s.plan.Steps = append(s.plan.Steps, step)

		if state.Halted || state.Completed {
			break
		}
	}

	state.PlanLen = s.plan.Len()
	return rec, state
}

// filter drops resumed disambiguating calls and immediate repeats, then cuts
// the round after the first disambiguating operation.
func (p *Planner) filter(calls []dragonscale.ProposedCall, resumeOp string, rec *Round) []dragonscale.ProposedCall {
	out := make([]dragonscale.ProposedCall, 0, len(calls))
	for i, c := range calls {
		rec.Proposed = append(rec.Proposed, c.Operation)
		if resumeOp != "" && c.Operation == resumeOp {
			rec.Dropped = append(rec.Dropped, Rejection{Operation: c.Operation, Reason: "clarification already answered"})
			continue
		}
		if len(out) > 0 && out[len(out)-1].Operation == c.Operation {
			rec.Dropped = append(rec.Dropped, Rejection{Operation: c.Operation, Reason: "immediate repeat"})
			continue
		}
		out = append(out, c)
		if p.registry.Disambiguating(c.Operation) {
			for _, rest := range calls[i+1:] {
				rec.Proposed = append(rec.Proposed, rest.Operation)
				rec.Dropped = append(rec.Dropped, Rejection{Operation: rest.Operation, Reason: "follows a disambiguating operation"})
			}
			break
		}
	}
	return out
}

// decode strictly checks a proposal against the catalog: the operation must
// exist and its parameters must be a JSON object.
func (p *Planner) decode(pc dragonscale.ProposedCall) (dragonscale.ToolCall, error) {
	if _, ok := p.registry.Definition(pc.Operation); !ok {
		return dragonscale.ToolCall{}, dragonscale.NewDecodeError(pc.Operation, fmt.Errorf("unknown operation"))
	}

	params := map[string]interface{}{}
	raw := bytes.TrimSpace(pc.Parameters)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&params); err != nil {
			return dragonscale.ToolCall{}, dragonscale.NewDecodeError(pc.Operation, err)
		}
		if dec.More() {
			return dragonscale.ToolCall{}, dragonscale.NewDecodeError(pc.Operation, errors.New("trailing data after parameters"))
		}
		if params == nil {
			params = map[string]interface{}{}
		}
	}
	return dragonscale.ToolCall{Operation: pc.Operation, Parameters: params}, nil
}

// reject records an error outcome for a call and feeds it back to the
// reasoning service.
func (p *Planner) reject(ctx context.Context, s *session, rec *Round, operation, reason string) {
	rec.Rejected = append(rec.Rejected, Rejection{Operation: operation, Reason: reason})
	s.rejections = append(s.rejections, fmt.Sprintf("%s: %s", operation, reason))
	s.transcript = append(s.transcript, toolMessage(operation, dragonscale.Failure(reason)))
	s.logger.Debug("proposed call rejected", zap.String("operation", operation), zap.String("reason", reason))
	p.publish(ctx, eventbus.EventPlanningRejected, s.cc.RequestID, Rejection{Operation: operation, Reason: reason}, rec.Round)
}

func (p *Planner) publish(ctx context.Context, typ eventbus.EventType, traceID string, payload interface{}, round int) {
	if p.bus == nil {
		return
	}
	evt := eventbus.NewTraceEvent(typ, traceID, payload, source)
	if round > 0 {
		evt.WithMetadata(eventbus.MetaRound, round)
	}
	// Trace delivery must outlive the request and never fail planning.
	if err := p.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		p.logger.Debug("trace event not published", zap.String("event_type", string(typ)), zap.Error(err))
	}
}

func assistantMessage(reply *dragonscale.ReasoningReply) dragonscale.Message {
	raw, err := json.Marshal(reply)
	if err != nil {
		return dragonscale.Message{Role: dragonscale.RoleAssistant, Content: reply.Text}
	}
	return dragonscale.Message{Role: dragonscale.RoleAssistant, Content: string(raw)}
}

func toolMessage(operation string, outcome dragonscale.ToolOutcome) dragonscale.Message {
	raw, err := json.Marshal(outcome)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"success":false,"next_action":"error","error":%q}`, err.Error()))
	}
	return dragonscale.Message{Role: dragonscale.RoleTool, Content: string(raw), Operation: operation}
}
