package dragonscale

import (
	"context"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"go.uber.org/zap"
)

// DragonScaleComponents holds references to the core components needed for state transitions.
type DragonScaleComponents struct {
	Registry    *Registry
	Planner     Planner
	Executor    Executor
	Validator   ChainValidator
	Synthesizer Synthesizer
	Config      Config
	Logger      *zap.Logger
}

// CreateProcessStateMachine builds the state machine for one instruction:
// INTAKE -> PLANNING -> VALIDATING -> EXECUTING -> {SUCCESS, ERROR, AWAITING_CLARIFICATION}.
func CreateProcessStateMachine(components DragonScaleComponents, eventBus eventbus.EventBus) *StateMachine {
	if components.Logger == nil {
		components.Logger = zap.NewNop()
	}
	sm := NewStateMachine(eventBus, components.Logger)

	sm.RegisterTransition(StateIntake, createIntakeTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateValidating, createValidatingTransition(components))
	sm.RegisterTransition(StateExecuting, createExecutingTransition(components))

	return sm
}

// createIntakeTransition rejects malformed instructions before any planning.
func createIntakeTransition(components DragonScaleComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		publishEvent(ctx, eb, components.Logger, eventbus.EventInstructionStarted, pCtx.RequestID, pCtx.Instruction, "StateMachine.Intake")

		if err := components.Validator.ValidateInstruction(pCtx.Instruction); err != nil {
			return StateError, err
		}
		pCtx.Chain = NewChainContext(pCtx.Instruction, pCtx.RequestID, components.Config.EffectiveChainLength(pCtx.Instruction))
		return StatePlanning, nil
	}
}

// createPlanningTransition consults the planner.
func createPlanningTransition(components DragonScaleComponents) StateTransition {
	return func(ctx context.Context, _ eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		plan, err := components.Planner.Plan(ctx, pCtx.Instruction, pCtx.Chain)
		if err != nil {
			return StateError, err
		}
		pCtx.Plan = plan
		return StateValidating, nil
	}
}

// createValidatingTransition runs the whole-plan checks. Single-step plans
// pass through it too; only their per-call checks can fail.
func createValidatingTransition(components DragonScaleComponents) StateTransition {
	return func(_ context.Context, _ eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if err := components.Validator.ValidateChain(pCtx.Plan, pCtx.Chain); err != nil {
			return StateError, err
		}
		return StateExecuting, nil
	}
}

// createExecutingTransition runs the plan and synthesizes the response. A
// halting outcome is not an engine failure: its response comes from the
// synthesizer, and the state only records how the instruction ended.
func createExecutingTransition(components DragonScaleComponents) StateTransition {
	return func(ctx context.Context, _ eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		result, err := components.Executor.ExecuteChain(ctx, pCtx.Plan, pCtx.Chain)
		pCtx.Result = result
		if err != nil {
			return StateError, err
		}

		resp := components.Synthesizer.Synthesize(result)
		resp.TraceID = pCtx.RequestID
		pCtx.setResponse(resp)

		switch {
		case resp.RequiresClarification:
			return StateAwaitingClarification, nil
		case !resp.Success:
			operation := ""
			if last, ok := result.Last(); ok {
				operation = last.Call.Operation
			}
			return StateError, NewExecutionError(operation, resp.Error, nil)
		default:
			return StateSuccess, nil
		}
	}
}

// publishEvent reports on eb without ever failing the instruction. Delivery
// is detached from ctx so a cancelled request still leaves a trace.
func publishEvent(ctx context.Context, eb eventbus.EventBus, logger *zap.Logger, eventType eventbus.EventType, traceID string, payload interface{}, source string) {
	if eb == nil {
		return
	}
	evt := eventbus.NewTraceEvent(eventType, traceID, payload, source)
	if err := eb.Publish(context.WithoutCancel(ctx), evt); err != nil && logger != nil {
		logger.Debug("trace event not published",
			zap.String("event_type", string(eventType)),
			zap.String("trace_id", traceID),
			zap.Error(err))
	}
}
