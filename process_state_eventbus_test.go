package dragonscale

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
)

type eventRecorder struct {
	mu     sync.Mutex
	types  []eventbus.EventType
	traces map[string]int
}

func (r *eventRecorder) handle(_ context.Context, evt eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, evt.Type())
	r.traces[eventbus.TraceID(evt)]++
	return nil
}

func (r *eventRecorder) snapshot() ([]eventbus.EventType, map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	traces := make(map[string]int, len(r.traces))
	for k, v := range r.traces {
		traces[k] = v
	}
	return append([]eventbus.EventType(nil), r.types...), traces
}

func TestStateMachine_EventBus_EmitsEvents(t *testing.T) {
	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(10),
		eventbus.WithWorkerCount(1),
		eventbus.WithRetries(1, 10*time.Millisecond),
	)
	rec := &eventRecorder{traces: map[string]int{}}
	_, err := bus.SubscribeAll(rec.handle)
	require.NoError(t, err)

	cfg := DefaultConfig()
	ds := newTestEngine(t,
		WithConfig(cfg),
		WithEventBus(bus),
		WithPlanner(&fakePlanner{plan: NewPlan(ToolCall{Operation: "send_message"})}),
		WithExecutor(&fakeExecutor{result: sendResult()}))

	resp := ds.Process(context.Background(), testInstruction("Tell Jane hi"))
	require.True(t, resp.Success)

	failed := ds.Process(context.Background(), Instruction{Text: "hi"})
	require.True(t, failed.Success, "the fake validator accepts everything")

	// The bus was supplied by the caller, so the engine leaves it open.
	require.NoError(t, ds.Close())
	require.NoError(t, bus.Close())

	types, traces := rec.snapshot()
	assert.Equal(t, []eventbus.EventType{
		eventbus.EventInstructionStarted, eventbus.EventInstructionSucceeded,
		eventbus.EventInstructionStarted, eventbus.EventInstructionSucceeded,
	}, types)
	assert.Equal(t, 2, traces[resp.TraceID])
	assert.Equal(t, 2, traces[failed.TraceID])
}

func TestStateMachine_EventBus_FailureEvent(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	rec := &eventRecorder{traces: map[string]int{}}
	_, err := bus.Subscribe([]eventbus.EventType{eventbus.EventInstructionFailed}, rec.handle)
	require.NoError(t, err)

	ds := newTestEngine(t,
		WithConfig(DefaultConfig()),
		WithEventBus(bus),
		WithPlanner(&fakePlanner{}),
		WithExecutor(&fakeExecutor{}),
		WithValidator(fakeValidator{instrErr: NewRequestError("acting user id is missing")}))

	resp := ds.Process(context.Background(), Instruction{Text: "hi"})
	assert.False(t, resp.Success)
	require.NoError(t, bus.Close())

	types, traces := rec.snapshot()
	assert.Equal(t, []eventbus.EventType{eventbus.EventInstructionFailed}, types)
	assert.Equal(t, 1, traces[resp.TraceID])
}

func TestNew_CreatesAndClosesDefaultBus(t *testing.T) {
	ds, err := New(
		WithRegistry(MustRegistry(funcTool{def: ToolDefinition{Name: "send_message"}})),
		WithPlanner(&fakePlanner{}),
		WithExecutor(&fakeExecutor{}),
		WithValidator(fakeValidator{}),
	)
	require.NoError(t, err)
	require.NotNil(t, ds.EventBus())

	_, err = ds.EventBus().SubscribeAll(func(context.Context, eventbus.Event) error { return nil })
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	_, err = ds.EventBus().SubscribeAll(func(context.Context, eventbus.Event) error { return nil })
	assert.ErrorIs(t, err, eventbus.ErrClosed)
}
