// Package api exposes a small operational HTTP surface: health, fleet and
// backend state, and executor metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"fleetd/internal/domain"
	"fleetd/internal/usecase/executor"
	"fleetd/internal/usecase/router"
)

// FleetView is the read-only fleet surface the server exposes.
type FleetView interface {
	List() []domain.Worker
}

// RouterView is the read-only backend surface the server exposes.
type RouterView interface {
	Metrics() []router.BackendMetrics
}

// ExecutorView is the read-only task surface the server exposes.
type ExecutorView interface {
	Metrics() executor.Metrics
}

// Config holds the ops server settings.
type Config struct {
	Addr           string
	RequestsPerMin int // per-client rate limit (default: 120)
	Burst          int // per-client burst (default: 20)
}

// Server serves the operational API.
type Server struct {
	config   Config
	fleet    FleetView
	router   RouterView
	executor ExecutorView
	logger   *slog.Logger

	server    *http.Server
	boundAddr string
	cancel    context.CancelFunc
}

// NewServer creates the ops API server.
func NewServer(cfg Config, fleet FleetView, rt RouterView, exec ExecutorView, logger *slog.Logger) *Server {
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		config:   cfg,
		fleet:    fleet,
		router:   rt,
		executor: exec,
		logger:   logger,
	}
}

// Start begins serving. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	var limiterCtx context.Context
	limiterCtx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/workers", s.handleWorkers)
	mux.HandleFunc("GET /v1/backends", s.handleBackends)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	handler := securityHeaders(rateLimit(limiterCtx, s.config.RequestsPerMin, s.config.Burst)(mux))

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	s.boundAddr = ln.Addr().String()

	go func() {
		s.logger.Info("ops api started", "addr", s.boundAddr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops api server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string { return s.boundAddr }

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workers": s.fleet.List()})
}

func (s *Server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": s.router.Metrics()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.executor.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
