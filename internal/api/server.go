// Package api serves the read-only dashboard: status endpoints, a live
// websocket stream, and the Prometheus metrics mount.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ensemble-trader/internal/config"
	"ensemble-trader/pkg/types"
)

// StatusProvider is the coordinator surface the server reads. All methods
// must be non-blocking snapshots.
type StatusProvider interface {
	Status() types.Status
	ModelStatuses() []types.ModelStatus
	RiskMetrics() types.RiskMetrics
}

// Server is the dashboard HTTP server. It never mutates coordinator state.
type Server struct {
	http   *http.Server
	hub    *Hub
	status StatusProvider
	logger *slog.Logger

	cancelHub context.CancelFunc
}

// NewServer wires the routes. metricsHandler may be nil to omit /metrics.
func NewServer(cfg config.DashboardConfig, sp StatusProvider, metricsHandler http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		hub:    NewHub(logger),
		status: sp,
		logger: logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start launches the hub and the listener. Returns immediately; listen
// errors other than a clean close are logged.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelHub = cancel
	go s.hub.Run(ctx)

	go func() {
		s.logger.Info("dashboard listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server failed", "error", err)
		}
	}()
}

// Stop shuts the listener and hub down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancelHub != nil {
		s.cancelHub()
	}
	return s.http.Shutdown(ctx)
}

// Broadcast pushes a typed message to all websocket subscribers.
func (s *Server) Broadcast(msgType string, data any) {
	s.hub.Broadcast(msgType, data)
}

// SubscriberCount reports connected websocket clients.
func (s *Server) SubscriberCount() int {
	return s.hub.SubscriberCount()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"running": s.status.Status().Running,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	st.OpenSubscribers = s.hub.SubscriberCount()
	writeJSON(w, st)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"models": s.status.ModelStatuses()})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.RiskMetrics())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
