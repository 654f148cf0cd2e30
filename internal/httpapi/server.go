// Package httpapi exposes the engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/trace"
)

// DefaultMaxBodyBytes bounds an instruction request body.
const DefaultMaxBodyBytes = 64 << 10

// Engine is the part of *dragonscale.DragonScale the API serves.
type Engine interface {
	Process(ctx context.Context, instr dragonscale.Instruction) dragonscale.Response
	ProcessAsync(ctx context.Context, instr dragonscale.Instruction) (string, error)
	GetAsyncStatus(executionID string) (*dragonscale.AsyncExecutionStatus, error)
	CancelAsyncProcess(executionID string) (bool, error)
	Registry() *dragonscale.Registry
}

// TraceReader looks up stored traces.
type TraceReader interface {
	Get(ctx context.Context, traceID string) (*trace.Trace, error)
}

// Server routes HTTP requests to the engine.
type Server struct {
	engine         Engine
	traces         TraceReader
	gatherer       prometheus.Gatherer
	logger         *zap.Logger
	requestTimeout time.Duration
	maxBodyBytes   int64
}

// Option configures a Server.
type Option func(*Server)

// WithTraces enables GET /v1/traces/{trace_id}.
func WithTraces(traces TraceReader) Option {
	return func(s *Server) {
		s.traces = traces
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the access logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRequestTimeout bounds synchronous instruction processing.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New creates a server for engine.
func New(engine Engine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, dragonscale.NewConfigurationError("http api requires an engine", nil)
	}
	s := &Server{
		engine:       engine,
		gatherer:     prometheus.DefaultGatherer,
		logger:       zap.NewNop(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(api chi.Router) {
		api.Route("/instructions", func(r chi.Router) {
			r.Post("/", s.handleProcess)
			r.Post("/async", s.handleProcessAsync)
			r.Get("/{execution_id}", s.handleAsyncStatus)
			r.Delete("/{execution_id}", s.handleAsyncCancel)
		})
		api.Get("/traces/{trace_id}", s.handleTrace)
		api.Get("/tools", s.handleTools)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("http_request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	instr, err := s.decodeInstruction(w, r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}

	ctx := r.Context()
	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}
	writeJSON(w, http.StatusOK, s.engine.Process(ctx, instr))
}

// writeBadRequest reports a request the engine never saw. Its trace id is
// the HTTP request id so clients can quote it like any other response.
func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	resp := dragonscale.ErrorResponse(err, nil)
	resp.TraceID = middleware.GetReqID(r.Context())
	if resp.TraceID == "" {
		resp.TraceID = uuid.NewString()
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

type asyncAccepted struct {
	ExecutionID string `json:"execution_id"`
	StatusURL   string `json:"status_url"`
}

func (s *Server) handleProcessAsync(w http.ResponseWriter, r *http.Request) {
	instr, err := s.decodeInstruction(w, r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}

	id, err := s.engine.ProcessAsync(r.Context(), instr)
	if err != nil {
		if errors.Is(err, dragonscale.ErrClosed) {
			writeErr(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, asyncAccepted{ExecutionID: id, StatusURL: "/v1/instructions/" + id})
}

func (s *Server) handleAsyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetAsyncStatus(chi.URLParam(r, "execution_id"))
	if err != nil {
		s.writeLookupErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAsyncCancel(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.engine.CancelAsyncProcess(chi.URLParam(r, "execution_id"))
	if err != nil {
		s.writeLookupErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	if s.traces == nil {
		writeErr(w, http.StatusNotFound, "not_found", "tracing is disabled")
		return
	}
	t, err := s.traces.Get(r.Context(), chi.URLParam(r, "trace_id"))
	if err != nil {
		s.writeLookupErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.engine.Registry().Definitions()})
}

func (s *Server) decodeInstruction(w http.ResponseWriter, r *http.Request) (dragonscale.Instruction, error) {
	var instr dragonscale.Instruction
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&instr); err != nil {
		return instr, dragonscale.NewRequestError(fmt.Sprintf("malformed instruction: %v", err))
	}
	if dec.More() {
		return instr, dragonscale.NewRequestError("malformed instruction: trailing data")
	}
	return instr, nil
}

func (s *Server) writeLookupErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dragonscale.ErrExecutionNotFound), errors.Is(err, trace.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Warn("lookup failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string) {
	writeJSON(w, code, map[string]apiError{"error": {Code: errCode, Message: message}})
}
