// Package api exposes the central service's HTTP surface: agent listing,
// aggregation queries, the administrative reset, the live websocket feed,
// and health/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MaayanCohen0/Traffix/internal/hub"
	"github.com/MaayanCohen0/Traffix/internal/metrics"
	"github.com/MaayanCohen0/Traffix/internal/model"
	"github.com/MaayanCohen0/Traffix/internal/store"
)

// Store is the slice of the durable store the API reads and resets.
type Store interface {
	ListAgents(ctx context.Context) ([]model.Agent, error)
	Aggregate(ctx context.Context, dim store.Dimension, timeframe time.Duration, agentRowID int64, now time.Time) ([]store.StatPoint, error)
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Checker reports process readiness for /readyz.
type Checker interface {
	IsReady(ctx context.Context) bool
}

// Server wires the HTTP routes.
type Server struct {
	router  *chi.Mux
	store   Store
	hub     *hub.Hub
	checker Checker
	metrics *metrics.Service
	logger  *slog.Logger
}

// NewServer creates the HTTP server.
func NewServer(st Store, h *hub.Hub, checker Checker, m *metrics.Service, logger *slog.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		store:   st,
		hub:     h,
		checker: checker,
		metrics: m,
		logger:  logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/agents", s.handleAgents)
	s.router.Get("/api/stats/{agent}", s.handleStats)
	s.router.Post("/api/admin/reset", s.handleReset)
	s.router.Get("/ws", s.handleWebsocket)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("agent listing failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}

	// agent_id is the identifier the websocket filter matches on.
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{"id": a.ID, "agent_id": a.AgentID, "name": a.Name, "ip": a.Address})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agentParam := chi.URLParam(r, "agent")
	var agentRowID int64
	if agentParam != "" && agentParam != "all" {
		id, err := strconv.ParseInt(agentParam, 10, 64)
		if err != nil || id < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent must be a positive id or \"all\""})
			return
		}
		agentRowID = id
	}

	timeframe, err := store.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	dims := store.AllDimensions
	if raw := r.URL.Query().Get("dimensions"); raw != "" {
		dims = dims[:0:0]
		for _, token := range strings.Split(raw, ",") {
			dim, err := store.ParseDimension(strings.TrimSpace(token))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			dims = append(dims, dim)
		}
	}

	now := time.Now().UTC()
	result := make(map[string][]store.StatPoint, len(dims))
	for _, dim := range dims {
		points, err := s.store.Aggregate(r.Context(), dim, timeframe, agentRowID, now)
		if err != nil {
			s.logger.Error("aggregation failed", "dimension", dim, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
			return
		}
		result[string(dim)] = points
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reset(r.Context()); err != nil {
		s.logger.Error("history reset failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status":  "error",
			"message": err.Error(),
		})
		return
	}
	s.metrics.Resets.Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "event history has been completely reset",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.checker.IsReady(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
