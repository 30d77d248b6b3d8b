// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api serves the Alertmanager webhook and the incident browse
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agentic-sre/alert"
	"agentic-sre/analysis"
	agerr "agentic-sre/errors"
	"agentic-sre/health"
	"agentic-sre/logger"
	"agentic-sre/metrics"
	"agentic-sre/runbook"
	"agentic-sre/store"
)

const (
	serverReadHeaderTimeout = 30 * time.Second
	serverReadTimeout       = 120 * time.Second
	serverWriteTimeout      = 120 * time.Second
	serverIdleTimeout       = 180 * time.Second

	eventListLimit = 200
)

// WebhookProcessor handles one Alertmanager batch.
type WebhookProcessor interface {
	Process(ctx context.Context, w *alert.Webhook) (int, error)
}

// Server is the HTTP surface of the agent.
type Server struct {
	store          *store.Store
	books          *runbook.Set
	processor      WebhookProcessor
	composer       *analysis.Composer
	checker        *health.Checker
	metricsEnabled bool
	srv            *http.Server
}

// NewServer wires the HTTP server.
func NewServer(addr string, s *store.Store, books *runbook.Set, p WebhookProcessor, c *analysis.Composer, checker *health.Checker, metricsEnabled bool) *Server {
	server := &Server{
		store:          s,
		books:          books,
		processor:      p,
		composer:       c,
		checker:        checker,
		metricsEnabled: metricsEnabled,
	}
	server.srv = &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
	return server
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/alertmanager", s.handleWebhook)
	r.Get("/api/incidents", s.handleListIncidents)
	r.Get("/api/incidents/{id}", s.handleGetIncident)
	r.Post("/api/incidents/{id}/regenerate-analysis", s.handleRegenerate)
	r.Get("/healthz", s.handleHealthz)
	if s.metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}
	return r
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	logger.Info("http server listening addr=%s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload alert.Webhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid webhook payload"})
		return
	}

	processed, err := s.processor.Process(r.Context(), &payload)
	if err != nil {
		if errors.Is(err, store.ErrPoolSaturated) {
			logger.Warn("webhook rejected: connection pool saturated")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "busy, retry later"})
			return
		}
		logger.Error("webhook processing failed error=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "processing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": processed})
}

// incidentView adds the node (recovered from the alert labels) to the
// stored row for list responses.
type incidentView struct {
	store.Incident
	Node string `json:"node,omitempty"`
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	incidents, total, err := s.store.ListIncidents(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	views := make([]incidentView, 0, len(incidents))
	for _, inc := range incidents {
		views = append(views, incidentView{Incident: inc, Node: s.incidentNode(r.Context(), inc.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": views, "total": total})
}

// incidentNode digs the node label out of the latest webhook event.
func (s *Server) incidentNode(ctx context.Context, incidentID int64) string {
	ev, err := s.store.LatestEventByType(ctx, incidentID, store.EventWebhookReceived)
	if err != nil || ev == nil {
		return ""
	}
	payload, err := ev.DecodePayload()
	if err != nil {
		return ""
	}
	if labels, ok := payload["labels"].(map[string]any); ok {
		if node, ok := labels["node"].(string); ok {
			return node
		}
	}
	return ""
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid incident id"})
		return
	}

	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if inc == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "incident not found"})
		return
	}

	events, err := s.store.ListEvents(r.Context(), id, eventListLimit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	analysisMarkdown := ""
	if ev, err := s.store.LatestEventByType(r.Context(), id, store.EventAnalysis); err == nil && ev != nil {
		if payload, err := ev.DecodePayload(); err == nil {
			analysisMarkdown, _ = payload["analysis_markdown"].(string)
		}
	}

	node := s.incidentNode(r.Context(), id)
	past, err := s.store.QuerySimilar(r.Context(), id, inc.Alertname, inc.Namespace, inc.Pod, node)
	if err != nil {
		logger.Warn("similar incident lookup failed incident_id=%d error=%v", id, err)
		past = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"incident":          incidentView{Incident: *inc, Node: node},
		"events":            events,
		"analysis_markdown": analysisMarkdown,
		"past_incidents":    past,
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid incident id"})
		return
	}

	eventID, err := s.composer.Regenerate(r.Context(), id)
	if err != nil {
		if agerr.IsCategory(err, agerr.CategoryValidation) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "incident not found"})
			return
		}
		logger.Error("analysis regeneration failed incident_id=%d error=%v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "regeneration failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis_event_id": eventID, "regenerated": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Refresh the database component on every probe so the response
	// never trails an outage by a full checker tick.
	if err := s.store.Ping(r.Context()); err != nil {
		s.checker.Update(health.ComponentDatabase, false, err.Error())
	} else {
		s.checker.Update(health.ComponentDatabase, true, "reachable")
	}

	report := s.checker.Report()
	report["runbooks"] = s.books.Len()
	if healthy, _ := report["overall_healthy"].(bool); !healthy || s.books.Len() == 0 {
		report["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	report["status"] = "ok"
	writeJSON(w, http.StatusOK, report)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrPoolSaturated) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "busy, retry later"})
		return
	}
	logger.Error("store request failed error=%v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("response encoding failed error=%v", err)
	}
}
