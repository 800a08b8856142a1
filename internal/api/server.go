// Package api serves the ops endpoints: liveness, readiness and metrics
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Check reports whether a dependency is ready
type Check func(ctx context.Context) error

// Server is the ops HTTP server
type Server struct {
	r      *chi.Mux
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]Check
}

// NewServer creates an ops server exposing metrics from g
func NewServer(g prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		r:      chi.NewRouter(),
		logger: logger.With("component", "api"),
		checks: make(map[string]Check),
	}
	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)

	s.r.Get("/healthz", s.healthz)
	s.r.Get("/readyz", s.readyz)
	s.r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return s
}

// AddCheck registers a readiness check
func (s *Server) AddCheck(name string, c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = c
}

// Handler returns the router
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, n := range names {
		s.mu.RLock()
		c := s.checks[n]
		s.mu.RUnlock()
		if err := c(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[n] = err.Error()
			continue
		}
		results[n] = "ok"
	}
	if status != http.StatusOK {
		s.logger.Warn("Readiness check failed", "checks", results)
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Ops server listening", "addr", addr)

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
