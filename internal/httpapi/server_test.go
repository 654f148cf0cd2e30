package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/store"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/trace"
)

type fakeEngine struct {
	registry *dragonscale.Registry
	got      dragonscale.Instruction
	asyncErr error
	statuses map[string]*dragonscale.AsyncExecutionStatus
}

func (f *fakeEngine) Process(_ context.Context, instr dragonscale.Instruction) dragonscale.Response {
	f.got = instr
	return dragonscale.Response{Success: true, ResponseText: "Message sent to Jane Doe.", Action: dragonscale.ActionNavigateToConversation, TraceID: "trace-1"}
}

func (f *fakeEngine) ProcessAsync(_ context.Context, instr dragonscale.Instruction) (string, error) {
	f.got = instr
	if f.asyncErr != nil {
		return "", f.asyncErr
	}
	return "exec-1", nil
}

func (f *fakeEngine) GetAsyncStatus(id string) (*dragonscale.AsyncExecutionStatus, error) {
	if st, ok := f.statuses[id]; ok {
		return st, nil
	}
	return nil, fmt.Errorf("%w: %s", dragonscale.ErrExecutionNotFound, id)
}

func (f *fakeEngine) CancelAsyncProcess(id string) (bool, error) {
	if _, ok := f.statuses[id]; ok {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", dragonscale.ErrExecutionNotFound, id)
}

func (f *fakeEngine) Registry() *dragonscale.Registry { return f.registry }

func newEngine(t *testing.T) *fakeEngine {
	t.Helper()
	s, err := store.New(store.DefaultSeed())
	require.NoError(t, err)
	reg, err := tools.NewRegistry(s.Collaborators(store.ExtractiveSummarizer{}, store.KeywordAnalyzer{}), nil)
	require.NoError(t, err)
	return &fakeEngine{
		registry: reg,
		statuses: map[string]*dragonscale.AsyncExecutionStatus{
			"exec-1": {ExecutionID: "exec-1", CurrentState: dragonscale.StateExecuting},
		},
	}
}

func newServer(t *testing.T, e Engine, opts ...Option) http.Handler {
	t.Helper()
	s, err := New(e, opts...)
	require.NoError(t, err)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const tellJane = `{"text":"Tell Jane I'm on my way","appContext":{"currentScreen":"home","actingUserId":"u-me"}}`

func TestNew_RequiresEngine(t *testing.T) {
	_, err := New(nil)
	assert.Equal(t, dragonscale.ErrCodeConfiguration, dragonscale.CodeOf(err))
}

func TestHealthz(t *testing.T) {
	rec := do(t, newServer(t, newEngine(t)), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestProcess(t *testing.T) {
	e := newEngine(t)
	rec := do(t, newServer(t, e, WithRequestTimeout(time.Second)), http.MethodPost, "/v1/instructions", tellJane)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp dragonscale.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, dragonscale.ActionNavigateToConversation, resp.Action)
	assert.Equal(t, "u-me", e.got.AppContext.ActingUserID)
	assert.Equal(t, "Tell Jane I'm on my way", e.got.Text)
}

func TestProcess_MalformedBody(t *testing.T) {
	h := newServer(t, newEngine(t))
	for name, body := range map[string]string{
		"not json":      `tell jane`,
		"unknown field": `{"text":"hi","colour":"blue"}`,
		"trailing":      tellJane + ` {}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/instructions", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp dragonscale.Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, dragonscale.ActionShowError, resp.Action)
			assert.NotEmpty(t, resp.TraceID)
		})
	}
}

func TestMalformedBody_TraceIDIsRequestID(t *testing.T) {
	h := newServer(t, newEngine(t))
	for _, path := range []string{"/v1/instructions", "/v1/instructions/async"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`tell jane`))
			req.Header.Set(middleware.RequestIDHeader, "req-from-gateway")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var resp dragonscale.Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "req-from-gateway", resp.TraceID)
		})
	}
}

func TestProcess_BodyLimit(t *testing.T) {
	h := newServer(t, newEngine(t), WithMaxBodyBytes(16))
	rec := do(t, h, http.MethodPost, "/v1/instructions", tellJane)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessAsync(t *testing.T) {
	e := newEngine(t)
	h := newServer(t, e)

	rec := do(t, h, http.MethodPost, "/v1/instructions/async", tellJane)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"execution_id":"exec-1","status_url":"/v1/instructions/exec-1"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/instructions/exec-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status dragonscale.AsyncExecutionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, dragonscale.StateExecuting, status.CurrentState)

	rec = do(t, h, http.MethodDelete, "/v1/instructions/exec-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/instructions/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/v1/instructions/nope", "").Code)
}

func TestProcessAsync_Closed(t *testing.T) {
	e := newEngine(t)
	e.asyncErr = dragonscale.ErrClosed
	rec := do(t, newServer(t, e), http.MethodPost, "/v1/instructions/async", tellJane)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unavailable"`)
}

func TestTraces(t *testing.T) {
	traces := cache.NewInMemoryCache(time.Minute)
	defer traces.Close()
	collector, err := trace.NewCollector(traces)
	require.NoError(t, err)
	require.NoError(t, collector.Handle(context.Background(),
		eventbus.NewTraceEvent(eventbus.EventInstructionStarted, "trace-1", nil, "engine")))

	h := newServer(t, newEngine(t), WithTraces(collector))

	rec := do(t, h, http.MethodGet, "/v1/traces/trace-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got trace.Trace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, trace.StatusRunning, got.Status)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/traces/missing", "").Code)
}

func TestTraces_Disabled(t *testing.T) {
	rec := do(t, newServer(t, newEngine(t)), http.MethodGet, "/v1/traces/trace-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTools(t *testing.T) {
	rec := do(t, newServer(t, newEngine(t)), http.MethodGet, "/v1/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []dragonscale.ToolDefinition `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	names := make([]string, 0, len(body.Tools))
	for _, d := range body.Tools {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, tools.OpLookupContacts)
	assert.Contains(t, names, tools.OpSendMessage)
	assert.Len(t, names, 7)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "dragonscale_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	rec := do(t, newServer(t, newEngine(t), WithGatherer(reg)), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dragonscale_test_total 1")
}
