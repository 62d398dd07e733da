package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/stokercache/stoker/internal/observability"
)

// instrument wraps a handler with per-route request accounting.
func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encode response", "err", err)
	}
}

func handleWarmStats(logger *slog.Logger, eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if eng == nil {
			http.Error(w, "warming engine not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, logger, eng.Stats())
	}
}

// handleWarmCritical forces a synchronous warm of every critical task. The
// request context bounds the run, so an impatient client cancels it.
func handleWarmCritical(logger *slog.Logger, eng Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if eng == nil {
			http.Error(w, "warming engine not configured", http.StatusServiceUnavailable)
			return
		}
		sum := eng.WarmCritical(r.Context())
		writeJSON(w, logger, sum)
	}
}

func handleDashboard(logger *slog.Logger, rep Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if rep == nil {
			http.Error(w, "health analyzer not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, logger, rep.Dashboard())
	}
}

func handleReport(logger *slog.Logger, rep Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if rep == nil {
			http.Error(w, "health analyzer not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, logger, rep.Report())
	}
}
