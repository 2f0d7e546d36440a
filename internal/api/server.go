package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// Service is the engine surface the API exposes. Satisfied by *engine.Engine.
type Service interface {
	TriggerWorkflow(ctx context.Context, tenantID string, triggerType schema.TriggerType, payload map[string]any) ([]string, error)
	Sweep(ctx context.Context, now time.Time) (engine.SweepResult, error)
	Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*engine.ExecutionReport, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
	DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// RequestObserver records per-request metrics.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Deps holds the API server's collaborators. Metrics is served at
// /metrics when set; Observer and Health are optional. PollInterval paces
// the event stream and defaults to one second.
type Deps struct {
	Service      Service
	Metrics      http.Handler
	Observer     RequestObserver
	Health       func(context.Context) error
	Now          func() time.Time
	PollInterval time.Duration
	Hub          streaming.Hub
	Logger       *slog.Logger
}

// Server serves the JSON API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = time.Second
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/events", s.handleTrigger)
	mux.HandleFunc("POST /api/sweep", s.handleSweep)

	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleExecutionEvents)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancelExecution)

	mux.HandleFunc("POST /api/workflows", s.handleDefineWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}/active", s.handleSetWorkflowActive)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return s.observe(mux)
}

// observe wraps mux with request logging and metrics.
func (s *Server) observe(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		route := "unmatched"
		if r.Pattern != "" {
			_, path, found := strings.Cut(r.Pattern, " ")
			if !found {
				path = r.Pattern
			}
			route = path
		}
		elapsed := time.Since(start)
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveRequest(r.Method, route, rec.status, elapsed)
		}
		if rec.status >= http.StatusInternalServerError {
			s.deps.Logger.Warn("request failed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
			)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
