// Package server exposes the HTTP API: policy ingestion, sessions, and
// the streaming chat endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"policyguard/internal/chat"
	"policyguard/internal/config"
	"policyguard/internal/ingest"
	"policyguard/internal/logging"
	"policyguard/internal/policy"
	"policyguard/internal/store"
)

// =============================================================================
// SERVER
// =============================================================================

// Server wires the ingestion pipeline and chat orchestrator to HTTP.
type Server struct {
	pipeline *ingest.Pipeline
	jobs     *ingest.Jobs
	orch     *chat.Orchestrator
	store    *store.ChunkStore

	addr           string
	turnTimeout    time.Duration
	asyncIngestMin int
}

// New creates a server. turnTimeout bounds each chat turn end to end.
func New(cfg config.ServerConfig, p *ingest.Pipeline, jobs *ingest.Jobs, orch *chat.Orchestrator, s *store.ChunkStore, turnTimeout time.Duration) *Server {
	if turnTimeout <= 0 {
		turnTimeout = 90 * time.Second
	}
	asyncMin := cfg.AsyncIngestMin
	if asyncMin <= 0 {
		asyncMin = 1 << 20
	}
	return &Server{
		pipeline:       p,
		jobs:           jobs,
		orch:           orch,
		store:          s,
		addr:           cfg.Addr,
		turnTimeout:    turnTimeout,
		asyncIngestMin: asyncMin,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/policies", s.handleIngest)
	mux.HandleFunc("DELETE /api/policies/{id}", s.handleDeletePolicy)
	mux.HandleFunc("GET /api/policies/{id}/stats", s.handlePolicyStats)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Chat("listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RESPONSES
// =============================================================================

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Chat("failed to encode response: %v", err)
	}
}

// writeError maps domain errors to status codes with a stable code field.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := policy.CodeInternal

	switch {
	case errors.Is(err, policy.ErrNotFound):
		status = http.StatusNotFound
		code = "NOT_FOUND"
	case errors.Is(err, policy.ErrPolicyMismatch):
		status = http.StatusConflict
		code = "POLICY_MISMATCH"
	case errors.Is(err, policy.ErrStoreConflict):
		status = http.StatusConflict
		code = "STORE_CONFLICT"
	case errors.Is(err, policy.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
		code = policy.CodeProviderUnavailable
	case errors.Is(err, policy.ErrDimensionMismatch), errors.Is(err, policy.ErrInputTooLarge):
		status = http.StatusUnprocessableEntity
		code = "BAD_DOCUMENT"
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "BAD_REQUEST"})
}
