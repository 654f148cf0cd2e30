// Package trace aggregates the events of one instruction into a single
// trace record and keeps it in a TTL store.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"go.uber.org/zap"
)

// ErrNotFound is returned for an unknown or expired trace id.
var ErrNotFound = errors.New("trace not found")

const keyPrefix = "trace:"

// Trace statuses.
const (
	StatusRunning       = "running"
	StatusSucceeded     = "succeeded"
	StatusFailed        = "failed"
	StatusClarification = "awaiting_clarification"
)

// DefaultMaxEvents bounds one trace so a runaway chain cannot grow it without limit.
const DefaultMaxEvents = 256

// Entry is one recorded event.
type Entry struct {
	Type      eventbus.EventType     `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
}

// Trace is everything reported for one instruction.
type Trace struct {
	TraceID   string    `json:"trace_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Dropped   int       `json:"dropped_events,omitempty"`
	Events    []Entry   `json:"events"`
}

// Collector subscribes to a bus and stores traces. Handlers run on bus
// workers, so all collector state is guarded.
type Collector struct {
	store     dragonscale.Cache
	logger    *zap.Logger
	maxEvents int

	mu     sync.Mutex
	active map[string]*Trace
	bus    eventbus.EventBus
	subID  string
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithMaxEvents bounds the number of events kept per trace.
func WithMaxEvents(n int) Option {
	return func(c *Collector) {
		c.maxEvents = n
	}
}

// NewCollector creates a collector persisting into store.
func NewCollector(store dragonscale.Cache, opts ...Option) (*Collector, error) {
	if store == nil {
		return nil, dragonscale.NewConfigurationError("trace collector requires a store", nil)
	}
	c := &Collector{
		store:     store,
		logger:    zap.NewNop(),
		maxEvents: DefaultMaxEvents,
		active:    make(map[string]*Trace),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus eventbus.EventBus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return fmt.Errorf("trace collector already attached")
	}
	id, err := bus.SubscribeAll(c.Handle)
	if err != nil {
		return err
	}
	c.bus, c.subID = bus, id
	return nil
}

// Detach removes the subscription made by Attach.
func (c *Collector) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	err := c.bus.Unsubscribe(c.subID)
	c.bus, c.subID = nil, ""
	if errors.Is(err, eventbus.ErrClosed) {
		return nil
	}
	return err
}

// Handle records one event. Events without a trace id are ignored.
func (c *Collector) Handle(ctx context.Context, evt eventbus.Event) error {
	traceID := eventbus.TraceID(evt)
	if traceID == "" {
		return nil
	}

	payload, err := json.Marshal(evt.Payload())
	if err != nil {
		c.logger.Debug("event payload not serializable",
			zap.String("trace_id", traceID),
			zap.String("event_type", string(evt.Type())),
			zap.Error(err))
		payload = nil
	}
	at := time.Unix(0, evt.Timestamp())

	c.mu.Lock()
	defer c.mu.Unlock()

	// Bus workers may deliver events of one trace out of order, so a late
	// event for a finished trace reopens the stored record instead of
	// starting a new one.
	t, ok := c.active[traceID]
	if !ok {
		t = c.loadLocked(ctx, traceID)
		if t == nil {
			t = &Trace{TraceID: traceID, Status: StatusRunning, StartedAt: at}
		}
	}
	if len(t.Events) < c.maxEvents {
		t.Events = append(t.Events, Entry{
			Type:      evt.Type(),
			Source:    evt.Source(),
			Timestamp: at,
			Metadata:  copyMetadata(evt.Metadata()),
			Payload:   payload,
		})
		sort.SliceStable(t.Events, func(i, j int) bool {
			return t.Events[i].Timestamp.Before(t.Events[j].Timestamp)
		})
	} else {
		t.Dropped++
	}
	if at.After(t.UpdatedAt) {
		t.UpdatedAt = at
	}
	if at.Before(t.StartedAt) {
		t.StartedAt = at
	}
	if status, terminal := statusFor(evt.Type()); terminal {
		t.Status = status
		c.logger.Debug("trace finished", zap.String("trace_id", traceID), zap.Int("events", len(t.Events)))
	}
	if t.Status == StatusRunning {
		c.active[traceID] = t
	} else {
		delete(c.active, traceID)
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	// Storage trouble must not fail the bus.
	if err := c.store.Set(ctx, keyPrefix+traceID, raw); err != nil {
		c.logger.Warn("trace not stored", zap.String("trace_id", traceID), zap.Error(err))
	}
	return nil
}

func (c *Collector) loadLocked(ctx context.Context, traceID string) *Trace {
	t, err := c.fetch(ctx, traceID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Debug("stored trace unreadable", zap.String("trace_id", traceID), zap.Error(err))
		}
		return nil
	}
	return t
}

func statusFor(t eventbus.EventType) (string, bool) {
	switch t {
	case eventbus.EventInstructionSucceeded:
		return StatusSucceeded, true
	case eventbus.EventInstructionFailed:
		return StatusFailed, true
	case eventbus.EventInstructionClarification:
		return StatusClarification, true
	}
	return "", false
}

// Get returns the trace for traceID, whether still running or finished.
func (c *Collector) Get(ctx context.Context, traceID string) (*Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetch(ctx, traceID)
}

func (c *Collector) fetch(ctx context.Context, traceID string) (*Trace, error) {
	v, err := c.store.Get(ctx, keyPrefix+traceID)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, errbuilder.NotFoundErr(errbuilder.GenericErr(traceID, err)))
		}
		return nil, err
	}

	var raw []byte
	switch val := v.(type) {
	case []byte:
		raw = val
	case json.RawMessage:
		raw = val
	case *Trace:
		out := *val
		return &out, nil
	default:
		return nil, fmt.Errorf("unexpected trace record type %T", v)
	}
	var t Trace
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", traceID, err)
	}
	return &t, nil
}

// Active returns the number of traces that have not finished yet.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func copyMetadata(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
