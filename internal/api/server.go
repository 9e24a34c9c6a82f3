// Package api implements the HTTP surface: automation CRUD, the
// webhook event receiver, worker task endpoints, and confirmation
// replies. Handlers are thin adapters over the registry and
// orchestrator; all domain rules live below this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/werdnum/family-assistant/internal/confirm"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
	"github.com/werdnum/family-assistant/internal/registry"
	"github.com/werdnum/family-assistant/internal/store"
	"github.com/werdnum/family-assistant/internal/webhook"
	"github.com/werdnum/family-assistant/internal/worker"
)

// Server is the HTTP API server.
type Server struct {
	address string
	port    int

	registry     *registry.Registry
	orchestrator *worker.Orchestrator
	receiver     *webhook.Receiver
	mediator     *confirm.Mediator
	queue        *events.Queue
	metrics      *metrics.Metrics

	logger *slog.Logger
	server *http.Server
}

// NewServer creates the API server.
func NewServer(address string, port int, reg *registry.Registry, orch *worker.Orchestrator,
	recv *webhook.Receiver, med *confirm.Mediator, queue *events.Queue,
	m *metrics.Metrics, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		registry:     reg,
		orchestrator: orch,
		receiver:     recv,
		mediator:     med,
		queue:        queue,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /automations", s.handleAutomationList)
	mux.HandleFunc("POST /automations/{kind}", s.handleAutomationCreate)
	mux.HandleFunc("GET /automations/{kind}/{id}", s.handleAutomationGet)
	mux.HandleFunc("PATCH /automations/{kind}/{id}", s.handleAutomationPatch)
	mux.HandleFunc("DELETE /automations/{kind}/{id}", s.handleAutomationDelete)
	mux.HandleFunc("GET /automations/{kind}/{id}/stats", s.handleAutomationStats)

	mux.HandleFunc("POST /webhook/event", s.handleWebhookEvent)

	mux.HandleFunc("POST /workers", s.handleWorkerSpawn)
	mux.HandleFunc("GET /workers/{task_id}", s.handleWorkerStatus)
	mux.HandleFunc("DELETE /workers/{task_id}", s.handleWorkerCancel)
	mux.HandleFunc("POST /workers/{task_id}/complete", s.handleWorkerComplete)

	mux.HandleFunc("POST /confirmations/{id}/reply", s.handleConfirmationReply)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v to w. Encode errors usually mean the client
// went away mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses. Not-found covers
// cross-conversation access so callers cannot enumerate IDs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidArgument),
		errors.Is(err, webhook.ErrBadPayload):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, webhook.ErrUnauthorized), errors.Is(err, worker.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, store.ErrTaskLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, store.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, webhook.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "healthy"}
	if s.queue != nil {
		health["queue_depth"] = s.queue.Len()
		health["events_dropped"] = s.queue.Dropped()
	}
	if s.mediator != nil {
		health["pending_confirmations"] = s.mediator.PendingCount()
	}
	s.writeJSON(w, http.StatusOK, health)
}
