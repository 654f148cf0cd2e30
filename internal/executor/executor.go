// Package executor runs a validated plan one step at a time, threading each
// step's real outcome into the next.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/mapper"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/validator"
	"go.uber.org/zap"
)

const source = "executor"

// Chain statuses used as the metrics label for a finished chain.
const (
	StatusCompleted     = "completed"
	StatusHalted        = "halted"
	StatusClarification = "clarification"
	StatusInterrupted   = "interrupted"
)

// StepEvent is the payload of a step_executed trace event.
type StepEvent struct {
	Index  int                    `json:"index"`
	Step   dragonscale.StepResult `json:"step"`
	Length int                    `json:"chain_length"`
	Next   dragonscale.NextAction `json:"next_action"`
}

// ChainExecutor executes plans strictly in order. Steps are never run in
// parallel: later steps consume the real output of earlier ones.
type ChainExecutor struct {
	registry    *dragonscale.Registry
	mapper      *mapper.Mapper
	validator   *validator.ChainValidator
	bus         eventbus.EventBus
	metrics     *Metrics
	logger      *zap.Logger
	maxLength   int           // ceiling applied even when the chain context allows more
	stepTimeout time.Duration // per-step execution timeout, zero for none
}

// ExecutorOption represents an option for configuring the ChainExecutor.
type ExecutorOption func(*ChainExecutor)

// WithMapper overrides the default field-mapping table.
func WithMapper(m *mapper.Mapper) ExecutorOption {
	return func(e *ChainExecutor) {
		e.mapper = m
	}
}

// WithEventBus reports each step on bus.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *ChainExecutor) {
		e.bus = bus
	}
}

// WithMetrics records steps and chains into m.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *ChainExecutor) {
		e.metrics = m
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *ChainExecutor) {
		e.logger = logger
	}
}

// WithMaxChainLength caps every chain regardless of what the chain context
// allows.
func WithMaxChainLength(n int) ExecutorOption {
	return func(e *ChainExecutor) {
		e.maxLength = n
	}
}

// WithStepTimeout bounds each adapter call.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(e *ChainExecutor) {
		e.stepTimeout = timeout
	}
}

// NewExecutor creates a chain executor over registry.
func NewExecutor(registry *dragonscale.Registry, options ...ExecutorOption) (*ChainExecutor, error) {
	if registry == nil {
		return nil, dragonscale.NewConfigurationError("executor requires a tool registry", nil)
	}
	e := &ChainExecutor{
		registry:  registry,
		logger:    zap.NewNop(),
		maxLength: dragonscale.DefaultConfig().MaxChainLength,
	}
	for _, option := range options {
		option(e)
	}
	if e.mapper == nil {
		e.mapper = mapper.New()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.validator = validator.New(registry, e.mapper)
	return e, nil
}

// Metrics returns the metrics the executor records into.
func (e *ChainExecutor) Metrics() *Metrics {
	return e.metrics
}

// ExecuteChain runs plan against the registry. It stops at the first error
// or clarification outcome; earlier side effects are not rolled back. Steps
// whose outcome was recorded during planning are not invoked again.
//
// A non-nil error means the chain could not run to a verdict (limit
// exceeded, context cancelled); the partial result is still returned.
func (e *ChainExecutor) ExecuteChain(ctx context.Context, plan *dragonscale.Plan, cc *dragonscale.ChainContext) (*dragonscale.ChainResult, error) {
	start := time.Now()
	result := &dragonscale.ChainResult{Steps: make([]dragonscale.StepResult, 0, plan.Len())}
	logger := e.logger.With(zap.String("request_id", cc.RequestID))

	if plan.Len() == 0 {
		return result, dragonscale.NewValidationError(dragonscale.StageExecuting, []string{"plan is empty"})
	}
	limit := e.ceiling(cc)
	if cc.CurrentChainLength+plan.Len() > limit {
		return result, dragonscale.NewValidationError(dragonscale.StageExecuting, []string{
			fmt.Sprintf("plan has %d steps, the limit is %d", plan.Len(), limit-cc.CurrentChainLength),
		})
	}
	if cc.PriorOutcomes == nil {
		cc.PriorOutcomes = make(map[string]dragonscale.ToolOutcome)
	}

	status := StatusCompleted
	var prev *dragonscale.StepResult
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			status = StatusInterrupted
			e.finish(result, start, status)
			return result, dragonscale.NewExecutionError(step.Call.Operation, "chain interrupted", err)
		}

		sr := e.runStep(ctx, step, prev, cc)
		cc.CurrentChainLength++
		cc.PriorOutcomes[sr.Call.Operation] = sr.Outcome
		result.Steps = append(result.Steps, sr)
		e.metrics.RecordStep(sr.Call.Operation, sr.Outcome.NextAction, sr.Reused, sr.Duration)

		logger.Debug("step executed",
			zap.Int("index", i),
			zap.String("operation", sr.Call.Operation),
			zap.String("next_action", string(sr.Outcome.NextAction)),
			zap.Bool("reused", sr.Reused),
			zap.Duration("duration", sr.Duration))
		e.publish(ctx, eventbus.EventStepExecuted, cc.RequestID, StepEvent{
			Index: i, Step: sr, Length: cc.CurrentChainLength, Next: sr.Outcome.NextAction,
		})

		if sr.Outcome.NextAction.Halts() {
			status = StatusHalted
			if sr.Outcome.NextAction == dragonscale.NextActionClarificationNeeded {
				status = StatusClarification
			}
			logger.Info("chain halted",
				zap.String("operation", sr.Call.Operation),
				zap.String("next_action", string(sr.Outcome.NextAction)),
				zap.Int("skipped", plan.Len()-i-1))
			e.publish(ctx, eventbus.EventChainHalted, cc.RequestID, StepEvent{
				Index: i, Step: sr, Length: cc.CurrentChainLength, Next: sr.Outcome.NextAction,
			})
			break
		}
		prev = &result.Steps[len(result.Steps)-1]
	}

	e.finish(result, start, status)
	return result, nil
}

func (e *ChainExecutor) runStep(ctx context.Context, step dragonscale.PlannedStep, prev *dragonscale.StepResult, cc *dragonscale.ChainContext) dragonscale.StepResult {
	call := step.Call.Clone()
	if step.Outcome != nil {
		return dragonscale.StepResult{Call: call, Outcome: *step.Outcome, Reused: true}
	}

	stepStart := time.Now()
	tool, ok := e.registry.Lookup(call.Operation)
	if !ok {
		err := dragonscale.NewToolNotFoundError(dragonscale.StageExecuting, call.Operation)
		return dragonscale.StepResult{Call: call, Outcome: dragonscale.Failure(err.Message), Duration: time.Since(stepStart)}
	}

	if prev != nil {
		call.Parameters = e.mapper.AutoMapParameters(prev.Call.Operation, &prev.Outcome, call.Operation, call.Parameters)
	}
	// Mapping has happened, so nothing is deferred any more.
	if verdict := e.validator.ValidateStep(call, "", cc.ActingUserID); !verdict.Valid {
		return dragonscale.StepResult{
			Call:     call,
			Outcome:  dragonscale.Failure("invalid parameters: " + strings.Join(verdict.Reasons, "; ")),
			Duration: time.Since(stepStart),
		}
	}

	execCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}
	outcome := dragonscale.SafeExecute(execCtx, tool, call.Parameters, cc.ToolContext())
	return dragonscale.StepResult{Call: call, Outcome: outcome, Duration: time.Since(stepStart)}
}

// ceiling is the smaller of the chain context's limit and the executor's own.
func (e *ChainExecutor) ceiling(cc *dragonscale.ChainContext) int {
	limit := cc.MaxChainLength
	if e.maxLength > 0 && (limit <= 0 || e.maxLength < limit) {
		limit = e.maxLength
	}
	return limit
}

func (e *ChainExecutor) finish(result *dragonscale.ChainResult, start time.Time, status string) {
	result.TotalDuration = time.Since(start)
	e.metrics.RecordChain(status, result.TotalDuration)
}

func (e *ChainExecutor) publish(ctx context.Context, typ eventbus.EventType, traceID string, payload StepEvent) {
	if e.bus == nil {
		return
	}
	evt := eventbus.NewTraceEvent(typ, traceID, payload, source).
		WithMetadata(eventbus.MetaOperation, payload.Step.Call.Operation)
	if err := e.bus.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Debug("trace event not published", zap.String("event_type", string(typ)), zap.Error(err))
	}
}
