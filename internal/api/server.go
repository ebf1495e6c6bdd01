// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the orchestrator over HTTP: runbook management,
// the notification callback the process engine posts completions to, and
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/runbook/internal/engine"
	"github.com/tombee/runbook/internal/log"
	"github.com/tombee/runbook/internal/runbook"
	"github.com/tombee/runbook/pkg/errors"
)

// Config configures the API server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Engine is the orchestrator.
	Engine *engine.Engine

	// JWT enables bearer-token auth when a key is configured.
	JWT JWTConfig

	// Metrics is the registry served at /metrics. If nil, the endpoint
	// is omitted.
	Metrics *prometheus.Registry

	// Logger is the structured logger. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Server is the orchestrator's HTTP front end.
type Server struct {
	engine *engine.Engine
	jwt    JWTConfig
	logger *slog.Logger
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine: cfg.Engine,
		jwt:    cfg.JWT,
		logger: logger.With(slog.String("component", "api")),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/runbooks", s.requireAuth(s.handleCreateRunbook))
	s.mux.HandleFunc("GET /v1/runbooks/{id}", s.requireAuth(s.handleGetRunbook))
	s.mux.HandleFunc("POST /v1/runbooks/{id}/steps", s.requireAuth(s.handleAppendStep))
	s.mux.HandleFunc("POST /v1/runbooks/{id}/edges", s.requireAuth(s.handleAppendEdge))
	s.mux.HandleFunc("POST /v1/runbooks/{id}/advance", s.requireAuth(s.handleAdvance))
	s.mux.HandleFunc("POST /v1/runbooks/{id}/cancel", s.requireAuth(s.handleCancel))
	s.mux.HandleFunc("POST /v1/runbooks/{id}/steps/{step}/redispatch", s.requireAuth(s.handleRedispatch))
	s.mux.HandleFunc("POST /v1/notify", s.requireAuth(s.handleNotify))

	if cfg.Metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api listening", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunbookRequest struct {
	CaseRef   string `json:"case_ref"`
	CreatedBy string `json:"created_by,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	var req createRunbookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rb, err := s.engine.CreateRunbook(r.Context(), engine.CreateRunbookRequest{
		CaseRef:   req.CaseRef,
		CreatedBy: req.CreatedBy,
		Policy:    runbook.FailurePolicy(req.Policy),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rb)
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

type appendStepRequest struct {
	Verb      string         `json:"verb"`
	Params    map[string]any `json:"params,omitempty"`
	When      string         `json:"when,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
}

func (s *Server) handleAppendStep(w http.ResponseWriter, r *http.Request) {
	var req appendStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	step, err := s.engine.AppendStep(r.Context(), engine.AppendStepRequest{
		RunbookID: r.PathValue("id"),
		Verb:      req.Verb,
		Params:    req.Params,
		When:      req.When,
		DependsOn: req.DependsOn,
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, step)
}

type appendEdgeRequest struct {
	FromStep  string `json:"from_step"`
	ToStep    string `json:"to_step"`
	Kind      string `json:"kind,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

func (s *Server) handleAppendEdge(w http.ResponseWriter, r *http.Request) {
	var req appendEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	edge, err := s.engine.AppendEdge(r.Context(), engine.AppendEdgeRequest{
		RunbookID: r.PathValue("id"),
		FromStep:  req.FromStep,
		ToStep:    req.ToStep,
		Kind:      runbook.EdgeKind(req.Kind),
		CreatedBy: req.CreatedBy,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Advance(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	view, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view.Runbook)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	view, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view.Runbook)
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Redispatch(r.Context(), r.PathValue("id"), r.PathValue("step"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

type notifyRequest struct {
	CorrelationKey string         `json:"correlation_key"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// handleNotify is the callback the external process engine posts
// completion signals to. Always 202: duplicates and unknown keys are
// absorbed, the caller cannot distinguish them and must not retry
// forever on our account.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.engine.Notify(r.Context(), req.CorrelationKey, req.Payload); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", log.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.TypeOf(err) {
	case "validation":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", log.Error(err))
	}
	s.writeError(w, status, err.Error())
}
