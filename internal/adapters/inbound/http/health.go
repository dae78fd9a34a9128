// Package http provides the inbound HTTP adapters of the aggregator: the
// order API and the health probes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl-notional/internal/ports/inbound"
)

// HealthServerConfig holds configuration for the health server.
type HealthServerConfig struct {
	// Addr is the address to listen on (e.g., ":8081")
	Addr string

	// Logger for the health server
	Logger *slog.Logger

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration
}

// HealthServerConfigDefaults returns a config with default values.
func HealthServerConfigDefaults() HealthServerConfig {
	return HealthServerConfig{
		Addr:         ":8081",
		Logger:       slog.Default(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// HealthServer serves the probes used by the orchestrator.
//
// Endpoints:
//   - /health/ready  - 200 once the startup reconciliation has loaded the total
//   - /health/live   - 200 while reconciliations keep succeeding
//   - /health        - combined status for monitoring
//
// On SIGTERM the process sets shuttingDown and every probe answers 503 so
// traffic drains before the listeners close.
type HealthServer struct {
	server       *http.Server
	checker      inbound.HealthChecker
	shuttingDown *atomic.Bool
	logger       *slog.Logger
}

// NewHealthServer creates a new health server.
func NewHealthServer(config HealthServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool) *HealthServer {
	defaults := HealthServerConfigDefaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	hs := &HealthServer{
		checker:      checker,
		shuttingDown: shuttingDown,
		logger:       config.Logger.With("component", "health-server"),
	}

	hs.server = &http.Server{
		Addr:         config.Addr,
		Handler:      hs.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return hs
}

// Handler returns the probe routes.
func (hs *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", hs.handleReady)
	mux.HandleFunc("GET /health/live", hs.handleLive)
	mux.HandleFunc("GET /health", hs.handleHealth)
	return mux
}

// ListenAndServe serves until Shutdown. It returns nil after a graceful stop.
func (hs *HealthServer) ListenAndServe() error {
	hs.logger.Info("starting health server", "addr", hs.server.Addr)
	if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the health server.
func (hs *HealthServer) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	switch {
	case hs.shuttingDown.Load():
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
	case hs.checker.IsReady():
		respondJSON(w, hs.logger, http.StatusOK, map[string]string{"status": "ready"})
	default:
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
	}
}

func (hs *HealthServer) handleLive(w http.ResponseWriter, _ *http.Request) {
	switch {
	case hs.shuttingDown.Load():
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
	case hs.checker.IsHealthy():
		respondJSON(w, hs.logger, http.StatusOK, map[string]string{"status": "healthy"})
	default:
		respondJSON(w, hs.logger, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	shuttingDown := hs.shuttingDown.Load()
	ready := !shuttingDown && hs.checker.IsReady()
	healthy := !shuttingDown && hs.checker.IsHealthy()

	status, code := "ok", http.StatusOK
	switch {
	case shuttingDown:
		status, code = "shutting_down", http.StatusServiceUnavailable
	case !ready || !healthy:
		status, code = "degraded", http.StatusServiceUnavailable
	}

	respondJSON(w, hs.logger, code, map[string]any{
		"status":       status,
		"ready":        ready,
		"healthy":      healthy,
		"shuttingDown": shuttingDown,
	})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
