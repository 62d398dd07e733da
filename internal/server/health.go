package server

import (
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter is implemented by the kafka invalidation runner: ready
// once the consumer group has partition assignments.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Readiness reports rr's state; a nil reporter means the daemon runs without
// a consumer and is always ready.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string  `json:"status"`
			Partitions []int32 `json:"partitions,omitempty"`
		}
		out := resp{Status: "ready"}
		if rr != nil {
			ready, parts := rr.Readiness()
			if !ready {
				out.Status = "not_ready"
			} else {
				out.Partitions = parts
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
