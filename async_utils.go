package dragonscale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrExecutionNotFound is returned for an unknown async execution id.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionInProgress is returned when a result is requested too early.
	ErrExecutionInProgress = errors.New("execution is still in progress")
)

type asyncExecution struct {
	pCtx   *ProcessContext
	cancel context.CancelFunc
}

// AsyncExecutionStatus represents the status information for an async execution.
type AsyncExecutionStatus struct {
	ExecutionID  string        `json:"execution_id"`
	Instruction  string        `json:"instruction"`
	CurrentState ProcessState  `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ErrorStage   string        `json:"error_stage,omitempty"`
	Response     *Response     `json:"response,omitempty"`
}

// ProcessAsync starts an instruction in the background and returns its
// execution id, which is also the trace id of the instruction. The work
// keeps the values of ctx but not its cancellation; use CancelAsyncProcess.
func (d *DragonScale) ProcessAsync(ctx context.Context, instr Instruction) (string, error) {
	executionID := uuid.NewString()
	pCtx := NewProcessContext(instr, executionID)
	asyncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	d.asyncExecutionsMutex.Lock()
	if d.closed {
		d.asyncExecutionsMutex.Unlock()
		cancel()
		return "", ErrClosed
	}
	d.asyncExecutions[executionID] = &asyncExecution{pCtx: pCtx, cancel: cancel}
	d.asyncWG.Add(1)
	d.asyncExecutionsMutex.Unlock()

	publishEvent(ctx, d.EventBus(), d.logger, eventbus.EventAsyncStarted, executionID, instr, "DragonScale.ProcessAsync")

	go func() {
		defer d.asyncWG.Done()
		defer cancel()

		resp := d.process(asyncCtx, pCtx)
		d.logger.Debug("async execution finished",
			zap.String("execution_id", executionID),
			zap.String("state", string(pCtx.State())))
		publishEvent(asyncCtx, d.EventBus(), d.logger, eventbus.EventAsyncCompleted, executionID, resp, "DragonScale.ProcessAsync")
	}()

	return executionID, nil
}

func (d *DragonScale) lookupAsync(executionID string) (*asyncExecution, error) {
	d.asyncExecutionsMutex.RLock()
	defer d.asyncExecutionsMutex.RUnlock()
	exec, exists := d.asyncExecutions[executionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return exec, nil
}

// GetAsyncStatus retrieves the current status of an async execution.
func (d *DragonScale) GetAsyncStatus(executionID string) (*AsyncExecutionStatus, error) {
	exec, err := d.lookupAsync(executionID)
	if err != nil {
		return nil, err
	}
	pCtx := exec.pCtx
	state := pCtx.State()

	status := &AsyncExecutionStatus{
		ExecutionID:  executionID,
		Instruction:  pCtx.Instruction.Text,
		CurrentState: state,
		StartTime:    pCtx.StartTime,
		Duration:     pCtx.GetTotalDuration(),
		IsComplete:   state.Terminal(),
		HasError:     state == StateError || state == StateCancelled,
	}
	if lastErr := pCtx.LastError(); lastErr != nil {
		status.ErrorMessage = lastErr.Error()
		status.ErrorStage = pCtx.ErrorStage()
	}
	if resp, ok := pCtx.Response(); ok {
		status.Response = &resp
	}
	return status, nil
}

// GetAsyncResult returns the response of a finished async execution.
func (d *DragonScale) GetAsyncResult(executionID string) (Response, error) {
	exec, err := d.lookupAsync(executionID)
	if err != nil {
		return Response{}, err
	}
	resp, ok := exec.pCtx.Response()
	if !ok {
		return Response{}, fmt.Errorf("%w (current state: %s)", ErrExecutionInProgress, exec.pCtx.State())
	}
	return resp, nil
}

// CancelAsyncProcess cancels an ongoing async execution. It returns false
// when the execution had already finished.
func (d *DragonScale) CancelAsyncProcess(executionID string) (bool, error) {
	exec, err := d.lookupAsync(executionID)
	if err != nil {
		return false, err
	}
	pCtx := exec.pCtx
	stage := pCtx.State()
	if stage.Terminal() {
		return false, nil
	}

	exec.cancel()
	pCtx.SetCancelled(NewInternalError(string(stage), "execution cancelled by user", context.Canceled), string(stage))

	publishEvent(context.Background(), d.EventBus(), d.logger, eventbus.EventAsyncCancelled, executionID,
		map[string]interface{}{
			"execution_id": executionID,
			"duration_ms":  pCtx.GetTotalDuration().Milliseconds(),
		}, "DragonScale.CancelAsyncProcess")
	return true, nil
}

// ListAsyncExecutions returns every tracked execution id and its state.
func (d *DragonScale) ListAsyncExecutions() map[string]string {
	d.asyncExecutionsMutex.RLock()
	defer d.asyncExecutionsMutex.RUnlock()

	result := make(map[string]string, len(d.asyncExecutions))
	for id, exec := range d.asyncExecutions {
		result[id] = string(exec.pCtx.State())
	}
	return result
}

// CleanupCompletedExecutions removes finished executions older than olderThan
// and returns how many were removed.
func (d *DragonScale) CleanupCompletedExecutions(olderThan time.Duration) int {
	d.asyncExecutionsMutex.Lock()
	defer d.asyncExecutionsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, exec := range d.asyncExecutions {
		finished, ok := exec.pCtx.finishedAt()
		if ok && now.Sub(finished) > olderThan {
			delete(d.asyncExecutions, id)
			count++
		}
	}
	return count
}
