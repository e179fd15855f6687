// Package httpapi is the thin HTTP adapter over the core operations:
// workflow/approval CRUD, signed callback ingestion, the chat-platform
// interactive webhook, and the operator admin surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/approvalflow/orchestrator/approval"
	"github.com/approvalflow/orchestrator/chatadapter"
	"github.com/approvalflow/orchestrator/core"
	"github.com/approvalflow/orchestrator/engine"
	"github.com/approvalflow/orchestrator/eventbus"
	"github.com/approvalflow/orchestrator/security"
	"github.com/approvalflow/orchestrator/store"
	"github.com/approvalflow/orchestrator/workflowtmpl"
)

// Deps carries the request-scoped collaborators, constructed once in
// main and threaded through explicitly.
type Deps struct {
	Store     store.Store
	Engine    *engine.Engine
	Approvals *approval.Service
	Bus       *eventbus.Bus
	Signer    *security.TokenSigner
	Verifier  *security.WebhookVerifier
	Notifier  *chatadapter.Notifier // nil when chat is not configured
	Templates map[string]workflowtmpl.Template
	Metrics   *Metrics
	Logger    core.Logger

	DefaultApprovalTimeout time.Duration
	IdempotencyKeyExpiry   time.Duration
}

// Server is the HTTP surface.
type Server struct {
	deps     Deps
	validate *validator.Validate
	router   chi.Router
}

// New builds the Server and its route table.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = core.NoOpLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(deps.Bus)
	}
	if deps.DefaultApprovalTimeout <= 0 {
		deps.DefaultApprovalTimeout = 1 * time.Hour
	}
	if deps.IdempotencyKeyExpiry <= 0 {
		deps.IdempotencyKeyExpiry = 24 * time.Hour
	}

	s := &Server{
		deps:     deps,
		validate: validator.New(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	m := s.deps.Metrics
	r.Post("/workflows", m.instrument("/workflows", s.createWorkflow))
	r.Get("/workflows", m.instrument("/workflows", s.listWorkflows))
	r.Get("/workflows/{id}", m.instrument("/workflows/{id}", s.getWorkflow))
	r.Get("/workflows/{id}/events", m.instrument("/workflows/{id}/events", s.listWorkflowEvents))
	r.Get("/workflows/{id}/steps", m.instrument("/workflows/{id}/steps", s.listWorkflowSteps))
	r.Post("/workflows/{id}/cancel", m.instrument("/workflows/{id}/cancel", s.cancelWorkflow))
	r.Post("/workflows/{id}/retry", m.instrument("/workflows/{id}/retry", s.retryWorkflow))
	r.Post("/workflows/{id}/rollback", m.instrument("/workflows/{id}/rollback", s.rollbackWorkflow))

	r.Post("/approvals/{id}/rollback", m.instrument("/approvals/{id}/rollback", s.rollbackApproval))
	r.Post("/callbacks/{token}", m.instrument("/callbacks/{token}", s.handleCallback))
	r.Post("/slack/interactive", m.instrument("/slack/interactive", s.handleSlackInteractive))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Get("/dlq", m.instrument("/admin/dlq", s.listDLQ))
		r.Post("/dlq/retry-all", m.instrument("/admin/dlq/retry-all", s.retryAllDLQ))
		r.Post("/dlq/{id}/retry", m.instrument("/admin/dlq/{id}/retry", s.retryDLQ))
		r.Delete("/dlq/clear", m.instrument("/admin/dlq/clear", s.clearDLQ))
		r.Delete("/dlq/{id}", m.instrument("/admin/dlq/{id}", s.deleteDLQ))
	})

	return r
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Bus.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"event_bus": map[string]interface{}{
			"running":        stats.Running,
			"queue_size":     stats.QueueSize,
			"max_queue_size": stats.MaxQueueSize,
			"event_types":    stats.EventTypes,
			"total_handlers": stats.TotalHandlers,
		},
	})
}
