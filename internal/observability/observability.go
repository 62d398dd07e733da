// Package observability exposes package-level Prometheus instruments shared
// by the store adapters, the warming engine and the health analyzer.
package observability

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

var (
	cacheOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Store operations by op and status.",
		},
		[]string{"op", "status"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Duration of Redis operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"op"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache read results by outcome and tier.",
		},
		[]string{"outcome", "tier"},
	)

	warmTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warm_tasks_total",
			Help: "Warming task outcomes.",
		},
		[]string{"result"},
	)

	warmCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warm_cycles_total",
			Help: "Completed warming cycles by traffic session.",
		},
		[]string{"session"},
	)

	warmCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warm_cycle_duration_seconds",
			Help:    "Duration of a full warming cycle in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
	)

	warmDueTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warm_due_tasks",
			Help: "Tasks selected as due in the most recent cycle.",
		},
	)

	trackerKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_keys",
			Help: "Keys currently tracked by the access pattern tracker.",
		},
	)

	predictedHotTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_predicted_hot_total",
			Help: "Times a key crossed the predicted-hot threshold.",
		},
	)

	healthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cache_health_score",
			Help: "Composite cache health score (0-100).",
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_alerts_total",
			Help: "Performance alerts raised by the analyzer.",
		},
		[]string{"type"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Duration of upstream fetch requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route", "status"},
	)
)

// Init registers the shared instruments on reg. Call once at startup; all
// observe functions are no-ops until then (and stay no-ops when disabled).
func Init(reg prometheus.Registerer, on bool) {
	if !on || reg == nil {
		enabled.Store(false)
		return
	}
	reg.MustRegister(
		cacheOpTotal,
		redisOpDuration,
		cacheResults,
		warmTasksTotal,
		warmCyclesTotal,
		warmCycleDuration,
		warmDueTasks,
		trackerKeys,
		predictedHotTotal,
		healthScore,
		alertsTotal,
		upstreamDuration,
		httpRequestsTotal,
		httpRequestDuration,
	)
	enabled.Store(true)
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	cacheOpTotal.WithLabelValues(op, status).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncTierHit(tier string) {
	if !enabled.Load() {
		return
	}
	cacheResults.WithLabelValues("hit", tier).Inc()
}

func IncTierMiss(tier string) {
	if !enabled.Load() {
		return
	}
	cacheResults.WithLabelValues("miss", tier).Inc()
}

func ObserveWarmTask(result string) {
	if !enabled.Load() {
		return
	}
	warmTasksTotal.WithLabelValues(result).Inc()
}

func ObserveWarmCycle(session string, durationSeconds float64, due int) {
	if !enabled.Load() {
		return
	}
	warmCyclesTotal.WithLabelValues(session).Inc()
	warmCycleDuration.Observe(durationSeconds)
	warmDueTasks.Set(float64(due))
}

func SetTrackedKeysGauge(n int) {
	if !enabled.Load() {
		return
	}
	trackerKeys.Set(float64(n))
}

func IncPredictedHot() {
	if !enabled.Load() {
		return
	}
	predictedHotTotal.Inc()
}

func SetHealthScore(v float64) {
	if !enabled.Load() {
		return
	}
	healthScore.Set(v)
}

func IncAlert(alertType string) {
	if !enabled.Load() {
		return
	}
	alertsTotal.WithLabelValues(alertType).Inc()
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	upstreamDuration.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	if !enabled.Load() {
		return
	}
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDuration.WithLabelValues(method, route, st).Observe(durationSeconds)
}
