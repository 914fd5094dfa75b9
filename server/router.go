// Package server exposes the health and Prometheus endpoints of a process
// that holds advisory locks.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ebogdum/advlock/metrics"
	"github.com/ebogdum/advlock/server/middleware"
)

// HealthFunc reports whether the lock database is reachable.
type HealthFunc func(r *http.Request) error

// NewRouter creates the metrics router. health and healthLimiter may be nil.
func NewRouter(health HealthFunc, healthLimiter *rate.Limiter, logger *zap.Logger) chi.Router {
	// Initialize metrics
	metrics.RegisterMetrics()

	r := chi.NewRouter()

	// Basic middleware
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))
	r.Use(middleware.RequestIDs())

	// Health check endpoint
	r.With(middleware.RateLimit(healthLimiter, logger)).Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health != nil {
			if err := health(r); err != nil {
				logger.Warn("Health check failed",
					zap.String("request_id", middleware.RequestID(r.Context())),
					zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				if _, err := w.Write([]byte(`{"status":"unavailable"}`)); err != nil {
					logger.Error("Failed to write health check response", zap.Error(err))
				}
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
			// Log error but don't change response since headers are already written
			logger.Error("Failed to write health check response", zap.Error(err))
		}
	})

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}
