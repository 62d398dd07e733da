// Package server exposes the daemon's ops HTTP surface: health probes,
// Prometheus metrics and the warming/cache-health endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stokercache/stoker/internal/config"
	"github.com/stokercache/stoker/internal/health"
	"github.com/stokercache/stoker/internal/middleware"
	"github.com/stokercache/stoker/internal/warming"
)

// Engine is the scheduler surface the ops endpoints call into.
type Engine interface {
	Stats() warming.Stats
	WarmCritical(ctx context.Context) warming.CycleSummary
}

// Reporter serves the cache health views.
type Reporter interface {
	Dashboard() health.Dashboard
	Report() health.PerformanceReport
}

type Deps struct {
	Engine Engine
	Health Reporter

	// Metrics is the registry's scrape handler; nil hides /metrics.
	Metrics http.Handler
	// Ready gates /readyz; nil reports ready unconditionally.
	Ready ReadinessReporter
}

func Handler(logger *slog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", Liveness())
	r.Get("/readyz", Readiness(deps.Ready))
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.ServeHTTP)
	}

	r.Get("/warm/stats", instrument("/warm/stats", handleWarmStats(logger, deps.Engine)))
	r.Post("/warm/critical", instrument("/warm/critical", handleWarmCritical(logger, deps.Engine)))
	r.Get("/cache/dashboard", instrument("/cache/dashboard", handleDashboard(logger, deps.Health)))
	r.Get("/cache/report", instrument("/cache/report", handleReport(logger, deps.Health)))

	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, deps Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(logger, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
