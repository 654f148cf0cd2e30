package dragonscale

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for specific failure types
const (
	ErrCodeRequest              = "REQUEST_ERROR"
	ErrCodePlanning             = "PLANNING_ERROR"
	ErrCodeReasoningUnavailable = "REASONING_UNAVAILABLE"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeExecution            = "EXECUTION_ERROR"
	ErrCodeToolNotFound         = "TOOL_NOT_FOUND"
	ErrCodeDecode               = "DECODE_ERROR"
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// Stages used in error reporting.
const (
	StageIntake     = "intake"
	StagePlanning   = "planning"
	StageValidating = "validating"
	StageExecuting  = "executing"
	StageInit       = "initialization"
)

// DragonScaleError is a custom error type for DragonScale specific errors.
type DragonScaleError struct {
	Code    string   // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string   // A human-readable message
	Stage   string   // The stage where the error occurred (e.g., "planning", "executing")
	Reasons []string // Itemized reasons, set by validation failures
	Cause   error    // The underlying error, if any
}

// Error implements the error interface.
func (e *DragonScaleError) Error() string {
	msg := e.Message
	if len(e.Reasons) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Reasons, "; "))
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, msg)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *DragonScaleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DragonScaleError.
func NewError(code, stage, message string, cause error) *DragonScaleError {
	return &DragonScaleError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// Specific error constructors

func NewRequestError(message string) *DragonScaleError {
	return NewError(ErrCodeRequest, StageIntake, message, nil)
}

func NewPlanningError(message string, cause error) *DragonScaleError {
	return NewError(ErrCodePlanning, StagePlanning, message, cause)
}

func NewReasoningUnavailableError(cause error) *DragonScaleError {
	return NewError(ErrCodeReasoningUnavailable, StagePlanning, "reasoning service unavailable", cause)
}

func NewValidationError(stage string, reasons []string) *DragonScaleError {
	e := NewError(ErrCodeValidation, stage, "validation failed", nil)
	e.Reasons = reasons
	return e
}

func NewExecutionError(operation, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeExecution, StageExecuting, fmt.Sprintf("operation '%s' failed: %s", operation, message), cause)
}

func NewToolNotFoundError(stage, toolName string) *DragonScaleError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewDecodeError(operation string, cause error) *DragonScaleError {
	return NewError(ErrCodeDecode, StagePlanning, fmt.Sprintf("proposed call to '%s' does not match its schema", operation), cause)
}

func NewConfigurationError(message string, cause error) *DragonScaleError {
	return NewError(ErrCodeConfiguration, StageInit, message, cause)
}

func NewInternalError(stage, message string, cause error) *DragonScaleError {
	return NewError(ErrCodeInternal, stage, message, cause)
}

// IsDragonScaleError reports whether err is, or wraps, a DragonScaleError.
func IsDragonScaleError(err error) bool {
	var dsErr *DragonScaleError
	return errors.As(err, &dsErr)
}

// CodeOf returns the code of the outermost DragonScaleError in err's chain.
func CodeOf(err error) string {
	var dsErr *DragonScaleError
	if errors.As(err, &dsErr) {
		return dsErr.Code
	}
	return ""
}

// ReasonsOf returns the itemized reasons of a validation error, if any.
func ReasonsOf(err error) []string {
	var dsErr *DragonScaleError
	if errors.As(err, &dsErr) {
		return dsErr.Reasons
	}
	return nil
}
