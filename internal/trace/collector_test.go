package trace

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMemoryCollector(t *testing.T, opts ...Option) *Collector {
	t.Helper()
	store := cache.NewInMemoryCache(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	c, err := NewCollector(store, opts...)
	require.NoError(t, err)
	return c
}

func TestNewCollector_RequiresStore(t *testing.T) {
	_, err := NewCollector(nil)
	require.Error(t, err)
}

func TestCollector_AggregatesByTrace(t *testing.T) {
	c := newMemoryCollector(t)
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "t1", map[string]string{"text": "hi"}, "engine")))
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventStepExecuted, "t1", map[string]int{"index": 0}, "executor")))
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "t2", nil, "engine")))
	assert.Equal(t, 2, c.Active())

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.Len(t, got.Events, 2)
	assert.Equal(t, eventbus.EventInstructionStarted, got.Events[0].Type)
	assert.Equal(t, "engine", got.Events[0].Source)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Events[0].Payload))
	assert.Equal(t, "t1", got.Events[1].Metadata[eventbus.MetaTraceID])

	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionSucceeded, "t1", nil, "engine")))
	assert.Equal(t, 1, c.Active())

	got, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	assert.Len(t, got.Events, 3)
	assert.False(t, got.UpdatedAt.Before(got.StartedAt))
}

func TestCollector_TerminalStatuses(t *testing.T) {
	tests := []struct {
		event eventbus.EventType
		want  string
	}{
		{eventbus.EventInstructionSucceeded, StatusSucceeded},
		{eventbus.EventInstructionFailed, StatusFailed},
		{eventbus.EventInstructionClarification, StatusClarification},
	}
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			c := newMemoryCollector(t)
			ctx := context.Background()
			require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "x", nil, "engine")))
			require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(tt.event, "x", nil, "engine")))

			got, err := c.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Zero(t, c.Active())
		})
	}
}

func TestCollector_LateEventKeepsFinishedTrace(t *testing.T) {
	c := newMemoryCollector(t)
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "t", nil, "engine")))
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionFailed, "t", nil, "engine")))
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventAsyncCompleted, "t", nil, "engine")))

	got, err := c.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Len(t, got.Events, 3)
	assert.Zero(t, c.Active())
}

func TestCollector_IgnoresEventsWithoutTrace(t *testing.T) {
	c := newMemoryCollector(t)
	require.NoError(t, c.Handle(context.Background(), eventbus.NewEvent(eventbus.EventSystemError, "boom", "engine", nil)))
	assert.Zero(t, c.Active())
}

func TestCollector_MaxEvents(t *testing.T) {
	c := newMemoryCollector(t, WithMaxEvents(2))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventStepExecuted, "t", i, "executor")))
	}

	got, err := c.Get(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, got.Events, 2)
	assert.Equal(t, 3, got.Dropped)
}

func TestCollector_UnserializablePayload(t *testing.T) {
	c := newMemoryCollector(t)
	ctx := context.Background()
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventStepExecuted, "t", make(chan int), "executor")))

	got, err := c.Get(ctx, "t")
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Empty(t, got.Events[0].Payload)
}

func TestCollector_GetUnknown(t *testing.T) {
	c := newMemoryCollector(t)
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollector_GetDecodesStoredShapes(t *testing.T) {
	store := cache.NewInMemoryCache(time.Minute)
	defer store.Close()
	c, err := NewCollector(store)
	require.NoError(t, err)
	ctx := context.Background()

	raw, err := json.Marshal(Trace{TraceID: "a", Status: StatusSucceeded})
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, keyPrefix+"a", json.RawMessage(raw)))
	require.NoError(t, store.Set(ctx, keyPrefix+"b", &Trace{TraceID: "b", Status: StatusFailed}))
	require.NoError(t, store.Set(ctx, keyPrefix+"c", 42))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)

	got, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	_, err = c.Get(ctx, "c")
	assert.Error(t, err)
}

func TestCollector_FileStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces.json")
	ctx := context.Background()

	store, err := cache.NewFilePersistentCache(time.Hour, path)
	require.NoError(t, err)
	c, err := NewCollector(store)
	require.NoError(t, err)
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "p", nil, "engine")))
	require.NoError(t, c.Handle(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionClarification, "p", nil, "engine")))
	require.NoError(t, store.Close())

	reopened, err := cache.NewFilePersistentCache(time.Hour, path)
	require.NoError(t, err)
	defer reopened.Close()
	c2, err := NewCollector(reopened)
	require.NoError(t, err)

	got, err := c2.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, StatusClarification, got.Status)
	assert.Len(t, got.Events, 2)
}

func TestCollector_AttachToBus(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	c := newMemoryCollector(t)
	require.NoError(t, c.Attach(bus))
	require.Error(t, c.Attach(bus))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "bus", nil, "engine")))
	require.NoError(t, bus.Publish(ctx, eventbus.NewTraceEvent(eventbus.EventInstructionSucceeded, "bus", nil, "engine")))

	assert.Eventually(t, func() bool {
		got, err := c.Get(ctx, "bus")
		return err == nil && got.Status == StatusSucceeded
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Detach())
	require.NoError(t, c.Detach())
	require.NoError(t, bus.Close())
}
