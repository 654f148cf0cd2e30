package dragonscale

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"go.uber.org/zap"
)

// ProcessState represents the current state of one instruction.
type ProcessState string

const (
	// StateIntake checks the inbound instruction before anything else runs
	StateIntake ProcessState = "intake"
	// StatePlanning consults the reasoning service
	StatePlanning ProcessState = "planning"
	// StateValidating runs the whole-plan checks
	StateValidating ProcessState = "validating"
	// StateExecuting runs the plan
	StateExecuting ProcessState = "executing"
	// StateSuccess is terminal: the instruction was carried out
	StateSuccess ProcessState = "success"
	// StateError is terminal: the instruction failed at some stage
	StateError ProcessState = "error"
	// StateAwaitingClarification is terminal for this invocation; the answer
	// arrives as a new instruction
	StateAwaitingClarification ProcessState = "awaiting_clarification"
	// StateCancelled is terminal: the caller gave up
	StateCancelled ProcessState = "cancelled"
	// StateUnknown is used when the status of an async execution cannot be determined.
	StateUnknown ProcessState = "unknown"
)

// Terminal reports whether no transition leaves s.
func (s ProcessState) Terminal() bool {
	switch s {
	case StateSuccess, StateError, StateAwaitingClarification, StateCancelled:
		return true
	}
	return false
}

// ProcessContext carries one instruction through the state machine. The
// plan and chain fields are written only by the goroutine running the
// machine; state, error and response are guarded so async status readers
// can inspect them concurrently.
type ProcessContext struct {
	Instruction Instruction
	RequestID   string
	Chain       *ChainContext
	Plan        *Plan
	Result      *ChainResult
	StartTime   time.Time

	mu              sync.RWMutex
	currentState    ProcessState
	history         []ProcessState
	lastError       error
	errorStage      string
	response        *Response
	endTime         time.Time
	stateStartTimes map[ProcessState]time.Time
}

// NewProcessContext creates a process context for instr.
func NewProcessContext(instr Instruction, requestID string) *ProcessContext {
	now := time.Now()
	return &ProcessContext{
		Instruction:     instr,
		RequestID:       requestID,
		StartTime:       now,
		currentState:    StateIntake,
		stateStartTimes: map[ProcessState]time.Time{StateIntake: now},
	}
}

// State returns the current state.
func (pc *ProcessContext) State() ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.currentState
}

// History returns the states left so far, oldest first.
func (pc *ProcessContext) History() []ProcessState {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return append([]ProcessState(nil), pc.history...)
}

// LastError returns the error that ended the instruction, if any.
func (pc *ProcessContext) LastError() error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.lastError
}

// ErrorStage names the state in which LastError occurred.
func (pc *ProcessContext) ErrorStage() string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.errorStage
}

// Response returns the final response once the state is terminal.
func (pc *ProcessContext) Response() (Response, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if pc.response == nil {
		return Response{}, false
	}
	return *pc.response, true
}

// IsTerminal checks if the current state is terminal.
func (pc *ProcessContext) IsTerminal() bool {
	return pc.State().Terminal()
}

// moveTo records a transition. Terminal states are never left.
func (pc *ProcessContext) moveTo(state ProcessState) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.currentState.Terminal() {
		return false
	}
	pc.history = append(pc.history, pc.currentState)
	pc.currentState = state
	now := time.Now()
	pc.stateStartTimes[state] = now
	if state.Terminal() {
		pc.endTime = now
	}
	return true
}

// SetError records err and moves to StateError.
func (pc *ProcessContext) SetError(err error, stage string) {
	pc.fail(StateError, err, stage)
}

// SetCancelled records the cancellation and moves to StateCancelled.
func (pc *ProcessContext) SetCancelled(err error, stage string) {
	pc.fail(StateCancelled, err, stage)
}

func (pc *ProcessContext) fail(state ProcessState, err error, stage string) {
	pc.mu.Lock()
	if !pc.currentState.Terminal() {
		pc.lastError = err
		pc.errorStage = stage
	}
	pc.mu.Unlock()
	pc.moveTo(state)
}

func (pc *ProcessContext) setResponse(resp Response) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.response == nil {
		pc.response = &resp
	}
}

// GetTotalDuration returns the total duration of the process so far.
func (pc *ProcessContext) GetTotalDuration() time.Duration {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if !pc.endTime.IsZero() {
		return pc.endTime.Sub(pc.StartTime)
	}
	return time.Since(pc.StartTime)
}

// finishedAt returns when the context reached a terminal state.
func (pc *ProcessContext) finishedAt() (time.Time, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.endTime, !pc.endTime.IsZero()
}

// StateTransition runs the work of one state and names the next one.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error)

// StateMachine represents a finite state machine for instruction processing.
type StateMachine struct {
	transitions map[ProcessState]StateTransition
	eventBus    eventbus.EventBus
	logger      *zap.Logger
}

// NewStateMachine creates a state machine publishing on eventBus, which may be nil.
func NewStateMachine(eventBus eventbus.EventBus, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		transitions: make(map[ProcessState]StateTransition),
		eventBus:    eventBus,
		logger:      logger,
	}
}

// RegisterTransition registers a state transition function.
func (sm *StateMachine) RegisterTransition(state ProcessState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state and returns the
// response for it. It never returns an unnormalized failure: every error
// ends up in the response.
func (sm *StateMachine) Execute(ctx context.Context, pCtx *ProcessContext) Response {
	for !pCtx.IsTerminal() {
		current := pCtx.State()
		if err := ctx.Err(); err != nil {
			pCtx.SetCancelled(NewInternalError(string(current), "instruction cancelled", err), string(current))
			break
		}

		transition, exists := sm.transitions[current]
		if !exists {
			pCtx.SetError(NewInternalError(string(current), fmt.Sprintf("no transition defined for state: %s", current), nil), string(current))
			break
		}

		next, err := transition(ctx, sm.eventBus, pCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				pCtx.SetCancelled(err, string(current))
			} else {
				pCtx.SetError(err, string(current))
			}
			continue
		}
		sm.logger.Debug("state transition",
			zap.String("request_id", pCtx.RequestID),
			zap.String("from", string(current)),
			zap.String("to", string(next)))
		pCtx.moveTo(next)
	}

	if resp, ok := pCtx.Response(); ok {
		return resp
	}
	err := pCtx.LastError()
	if err == nil {
		err = NewInternalError(string(pCtx.State()), "instruction ended without a response", nil)
	}
	resp := ErrorResponse(err, pCtx.Result)
	resp.TraceID = pCtx.RequestID
	pCtx.setResponse(resp)
	return resp
}
