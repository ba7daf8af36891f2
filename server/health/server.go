// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health serves liveness, readiness and inspection endpoints.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/topicd/broker"
	"github.com/absmach/topicd/directory"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server answers orchestration probes and exposes a read-only view of the
// broker's directory and counters.
type Server struct {
	config   Config
	broker   *broker.Broker
	logger   *slog.Logger
	http     *http.Server
	mu       sync.Mutex
	listener net.Listener
}

func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/topics", s.handleTopics).Methods(http.MethodGet)
	r.HandleFunc("/topics/{name}", s.handleTopic).Methods(http.MethodGet)

	s.http = &http.Server{
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves the probe endpoints until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("health listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("health_server_started", slog.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(stopCtx); err != nil {
		s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("health_server_stopped")
	return nil
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// StatsResponse combines broker counters with directory sizes.
type StatsResponse struct {
	broker.Snapshot
	Directory directory.Counts `json:"directory"`
}

// TopicResponse describes one topic.
type TopicResponse struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

// handleHealth returns 200 while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// handleReady returns 200 while the broker accepts sessions.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	switch {
	case s.broker == nil:
		s.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
	case !s.broker.Ready():
		s.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker shutting down",
		})
	default:
		s.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Snapshot:  s.broker.Stats().Snapshot(),
		Directory: s.broker.Directory().Counts(),
	})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.broker.Directory().Topics())
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	dir := s.broker.Directory()
	if !dir.HasTopic(name) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "topic not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, TopicResponse{
		Name:        name,
		Subscribers: dir.SubscribersOf(name),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("health_write_failed", slog.String("error", err.Error()))
	}
}
