// Package dragonscale turns natural-language instructions from a messaging
// app into validated chains of tool operations and runs them.
package dragonscale

import (
	"context"
	"errors"
	"sync"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("dragonscale: engine closed")

// DragonScale is the main entry point into the runtime. Each instruction
// runs in its own process context; the only state shared between
// concurrent instructions is the immutable registry and the async table.
type DragonScale struct {
	registry    *Registry
	planner     Planner
	executor    Executor
	validator   ChainValidator
	synthesizer Synthesizer
	eventBus    eventbus.EventBus
	ownsBus     bool
	logger      *zap.Logger

	config Config

	asyncExecutions      map[string]*asyncExecution
	asyncExecutionsMutex sync.RWMutex
	asyncWG              sync.WaitGroup
	closed               bool
}

// Option is a function that configures a DragonScale instance.
type Option func(*DragonScale)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(d *DragonScale) {
		d.config = config
	}
}

// WithRegistry sets the tool registry.
func WithRegistry(registry *Registry) Option {
	return func(d *DragonScale) {
		d.registry = registry
	}
}

// WithPlanner sets the planner component.
func WithPlanner(planner Planner) Option {
	return func(d *DragonScale) {
		d.planner = planner
	}
}

// WithExecutor sets the executor component.
func WithExecutor(executor Executor) Option {
	return func(d *DragonScale) {
		d.executor = executor
	}
}

// WithValidator sets the chain validator.
func WithValidator(validator ChainValidator) Option {
	return func(d *DragonScale) {
		d.validator = validator
	}
}

// WithSynthesizer replaces the default response synthesizer.
func WithSynthesizer(synthesizer Synthesizer) Option {
	return func(d *DragonScale) {
		d.synthesizer = synthesizer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *DragonScale) {
		d.logger = logger
	}
}

// New creates a new DragonScale instance with the provided options.
func New(options ...Option) (*DragonScale, error) {
	ds := &DragonScale{
		config:          DefaultConfig(),
		logger:          zap.NewNop(),
		asyncExecutions: make(map[string]*asyncExecution),
	}
	for _, option := range options {
		option(ds)
	}

	if err := ds.config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case ds.registry == nil:
		return nil, NewConfigurationError("tool registry is required", nil)
	case ds.planner == nil:
		return nil, NewConfigurationError("planner is required", nil)
	case ds.executor == nil:
		return nil, NewConfigurationError("executor is required", nil)
	case ds.validator == nil:
		return nil, NewConfigurationError("chain validator is required", nil)
	}
	if ds.synthesizer == nil {
		ds.synthesizer = NewResponseSynthesizer()
	}

	if ds.config.EnableEventBus && ds.eventBus == nil {
		ds.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(ds.config.EventBusBufferSize),
			eventbus.WithWorkerCount(ds.config.EventBusWorkerCount),
			eventbus.WithLogger(ds.logger),
		)
		ds.ownsBus = true
		ds.logger.Debug("initialized default channel-based event bus",
			zap.Int("buffer_size", ds.config.EventBusBufferSize),
			zap.Int("workers", ds.config.EventBusWorkerCount))
	}
	return ds, nil
}

// Registry returns the tool registry.
func (d *DragonScale) Registry() *Registry {
	return d.registry
}

// EventBus returns the bus instructions are reported on, or nil.
func (d *DragonScale) EventBus() eventbus.EventBus {
	if !d.config.EnableEventBus {
		return nil
	}
	return d.eventBus
}

// Config returns the engine configuration.
func (d *DragonScale) Config() Config {
	return d.config
}

// Process handles one instruction end to end. It never fails: every
// error is normalized into the returned response.
func (d *DragonScale) Process(ctx context.Context, instr Instruction) Response {
	return d.process(ctx, NewProcessContext(instr, uuid.NewString()))
}

func (d *DragonScale) process(ctx context.Context, pCtx *ProcessContext) Response {
	logger := d.logger.With(zap.String("request_id", pCtx.RequestID))
	logger.Debug("processing instruction", zap.String("screen", pCtx.Instruction.AppContext.CurrentScreen))

	resp := d.createStateMachine().Execute(ctx, pCtx)

	eventType := eventbus.EventInstructionSucceeded
	switch pCtx.State() {
	case StateAwaitingClarification:
		eventType = eventbus.EventInstructionClarification
	case StateError, StateCancelled:
		eventType = eventbus.EventInstructionFailed
		logger.Info("instruction failed",
			zap.String("stage", pCtx.ErrorStage()),
			zap.String("code", CodeOf(pCtx.LastError())),
			zap.Error(pCtx.LastError()))
	}
	publishEvent(ctx, d.EventBus(), d.logger, eventType, pCtx.RequestID, resp, "DragonScale.Process")

	logger.Debug("instruction finished",
		zap.String("state", string(pCtx.State())),
		zap.Duration("duration", pCtx.GetTotalDuration()))
	return resp
}

// ProcessBatch processes independent instructions concurrently, at most
// Config.BatchConcurrency at a time. Responses keep the input order.
func (d *DragonScale) ProcessBatch(ctx context.Context, instructions []Instruction) []Response {
	responses := make([]Response, len(instructions))
	p := pool.New().WithMaxGoroutines(d.config.BatchConcurrency)
	for i := range instructions {
		p.Go(func() {
			responses[i] = d.Process(ctx, instructions[i])
		})
	}
	p.Wait()
	return responses
}

// createStateMachine builds a state machine with all necessary transitions.
func (d *DragonScale) createStateMachine() *StateMachine {
	components := DragonScaleComponents{
		Registry:    d.registry,
		Planner:     d.planner,
		Executor:    d.executor,
		Validator:   d.validator,
		Synthesizer: d.synthesizer,
		Config:      d.config,
		Logger:      d.logger,
	}
	return CreateProcessStateMachine(components, d.EventBus())
}

// Close cancels running async instructions, waits for them and closes the
// event bus if the engine created it. It is safe to call more than once.
func (d *DragonScale) Close() error {
	d.asyncExecutionsMutex.Lock()
	if d.closed {
		d.asyncExecutionsMutex.Unlock()
		return nil
	}
	d.closed = true
	for _, exec := range d.asyncExecutions {
		exec.cancel()
	}
	d.asyncExecutionsMutex.Unlock()

	d.asyncWG.Wait()
	if d.ownsBus && d.eventBus != nil {
		return d.eventBus.Close()
	}
	return nil
}
