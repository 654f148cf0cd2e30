package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Instruction lifecycle events
	EventInstructionStarted       EventType = "instruction_started"
	EventInstructionSucceeded     EventType = "instruction_succeeded"
	EventInstructionFailed        EventType = "instruction_failed"
	EventInstructionClarification EventType = "instruction_clarification"

	// Planning events
	EventPlanningRound    EventType = "planning_round"
	EventPlanningRejected EventType = "planning_call_rejected"
	EventPlanReady        EventType = "plan_ready"

	// Chain execution events
	EventStepExecuted EventType = "step_executed"
	EventChainHalted  EventType = "chain_halted"

	// Async instruction events
	EventAsyncStarted   EventType = "async_started"
	EventAsyncCompleted EventType = "async_completed"
	EventAsyncCancelled EventType = "async_cancelled"

	// System events
	EventSystemError EventType = "system_error"
)

// Metadata keys shared by publishers and subscribers.
const (
	MetaTraceID   = "trace_id"
	MetaRequestID = "request_id"
	MetaRound     = "round"
	MetaOperation = "operation"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() interface{}

	// Metadata returns additional information about the event
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish queues an event for all subscribed handlers. It never blocks:
	// when the buffer is full the event is dropped and ErrBufferFull returned.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types
	// Returns a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close stops the workers after draining queued events.
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// NewTraceEvent creates an event tagged with the trace it belongs to.
func NewTraceEvent(eventType EventType, traceID string, payload interface{}, source string) *BaseEvent {
	return NewEvent(eventType, payload, source, map[string]interface{}{MetaTraceID: traceID})
}

func (e *BaseEvent) Type() EventType                  { return e.eventType }
func (e *BaseEvent) Payload() interface{}             { return e.payload }
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }
func (e *BaseEvent) Timestamp() int64                 { return e.timestamp }
func (e *BaseEvent) Source() string                   { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// TraceID returns the trace id carried in an event's metadata.
func TraceID(event Event) string {
	id, _ := event.Metadata()[MetaTraceID].(string)
	return id
}
