// Package api exposes the daemon's operational surface: health and
// readiness probes, Prometheus metrics, and a small read-only status API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/github-aws-runners/runner-fleet/internal/config"
	"github.com/github-aws-runners/runner-fleet/internal/fleet"
	"github.com/github-aws-runners/runner-fleet/internal/journal"
)

// HealthChecker reports whether the fleet backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Server struct {
	config     *config.Config
	inventory  fleet.Inventory
	health     HealthChecker
	journal    *journal.Journal
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

func New(
	cfg *config.Config,
	inv fleet.Inventory,
	health HealthChecker,
	jrnl *journal.Journal,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	return &Server{
		config:    cfg,
		inventory: inv,
		health:    health,
		journal:   jrnl,
		registry:  registry,
		logger:    logger.With("component", "api-server"),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc(s.config.Observability.HealthCheckPath, s.handleHealth)
	mux.HandleFunc(s.config.Observability.ReadinessPath, s.handleReadiness)

	if s.config.Observability.EnableMetrics {
		mux.Handle(s.config.Observability.MetricsPath,
			promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/api/v1/status", s.authMiddleware(s.handleStatus))
	mux.HandleFunc("/api/v1/runners", s.authMiddleware(s.handleRunners))
	mux.HandleFunc("/api/v1/events", s.authMiddleware(s.handleEvents))

	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Info("starting API server", "address", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.health.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	perEnvironment := make(map[string]int, len(s.config.Environments))
	total := 0
	for _, env := range s.config.Environments {
		runners, err := s.inventory.List(r.Context(), fleet.Filter{
			Environment: env.Name,
			States:      []string{"pending", "running"},
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
			return
		}
		perEnvironment[env.Name] = len(runners)
		total += len(runners)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":    time.Now().Format(time.RFC3339),
		"runner_count": total,
		"environments": perEnvironment,
	})
}

func (s *Server) handleRunners(w http.ResponseWriter, r *http.Request) {
	filter := fleet.Filter{
		Environment: r.URL.Query().Get("environment"),
		Owner:       r.URL.Query().Get("owner"),
	}

	runners, err := s.inventory.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runners", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(runners),
		"runners":   runners,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil || !s.config.Journal.Enabled {
		s.writeError(w, http.StatusNotFound, "journal not enabled", nil)
		return
	}

	events := s.journal.Recent(100)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
		"count":     len(events),
		"events":    events,
	})
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Server.EnableAuth {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}

		if apiKey != s.config.Server.APIKey {
			s.writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.writeJSON(w, statusCode, response)
}
