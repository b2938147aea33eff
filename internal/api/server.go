// Package api exposes the operator-facing HTTP surface: on-demand send
// commands, the last-contact status board, and sanitized diagnostics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"leakbridge/internal/monitor"
	"leakbridge/internal/status"

	"go.uber.org/zap"
)

// Server provides the HTTP API for the bridge
type Server struct {
	registry *monitor.Registry
	board    *status.Board
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(registry *monitor.Registry, board *status.Board, logger *zap.Logger, port int) *Server {
	s := &Server{
		registry: registry,
		board:    board,
		logger:   logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/commands/send_heartbeat", s.handleSendHeartbeat)
	mux.HandleFunc("/api/commands/send_state", s.handleSendState)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the underlying handler, for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// commandRequest addresses the on-demand commands: an empty or omitted list
// targets every configured monitor.
type commandRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

// commandResponse reports how many monitors were addressed and how many of
// those could not read their entity at send time.
type commandResponse struct {
	Targets int `json:"targets"`
	Failed  int `json:"failed"`
}

// handleSendHeartbeat forces an immediate heartbeat for the addressed monitors
func (s *Server) handleSendHeartbeat(w http.ResponseWriter, r *http.Request) {
	targets, ok := s.commandTargets(w, r)
	if !ok {
		return
	}

	for _, m := range targets {
		s.logger.Info("Manual heartbeat trigger", zap.String("entity_id", m.EntityID()))
		m.SendHeartbeat()
	}

	writeJSON(w, s.logger, commandResponse{Targets: len(targets)})
}

// handleSendState forces an event send with the current value for the
// addressed monitors, bypassing the trigger set
func (s *Server) handleSendState(w http.ResponseWriter, r *http.Request) {
	targets, ok := s.commandTargets(w, r)
	if !ok {
		return
	}

	failed := 0
	for _, m := range targets {
		s.logger.Info("Manual state send trigger", zap.String("entity_id", m.EntityID()))
		if err := m.SendCurrentState(); err != nil {
			if errors.Is(err, monitor.ErrEntityNotFound) {
				failed++
				continue
			}
			s.logger.Error("State send failed", zap.Error(err))
			failed++
		}
	}

	writeJSON(w, s.logger, commandResponse{Targets: len(targets), Failed: failed})
}

// commandTargets parses the command body and resolves the addressed monitors
func (s *Server) commandTargets(w http.ResponseWriter, r *http.Request) ([]*monitor.Monitor, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	var req commandRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return nil, false
		}
	}

	return s.registry.ForEntities(req.EntityIDs), true
}

// handleStatus returns the last-contact timestamp per configuration entry
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.logger, s.board.Snapshot())
}

// handleDiagnostics returns the sanitized snapshot of every monitor
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	monitors := s.registry.All()
	snapshots := make([]monitor.Diagnostics, 0, len(monitors))
	for _, m := range monitors {
		snapshots = append(snapshots, m.Diagnostics())
	}

	writeJSON(w, s.logger, snapshots)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.logger, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
