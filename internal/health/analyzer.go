package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stokercache/stoker/internal/observability"
)

const (
	minuteHistory = 60
	hourHistory   = 24
	ticksPerHour  = 60

	alertRetention = time.Hour

	l1HitRateMin      = 85.0
	l1AvgLatencyMaxMs = 0.1
	overallHitRateMin = 95.0
	evictionRateMax   = 10.0
)

type Alert struct {
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

type MinuteStats struct {
	At    time.Time `json:"at"`
	Stats Snapshot  `json:"stats"`
}

// HourlyStats averages the minute window that closed at At. Requests is the
// monotonic lookup counter at close time.
type HourlyStats struct {
	At             time.Time `json:"at"`
	HealthScore    float64   `json:"health_score"`
	OverallHitRate float64   `json:"overall_hit_rate_pct"`
	EvictionRate   float64   `json:"eviction_rate_pct"`
	MeanLatencyMs  float64   `json:"mean_latency_ms"`
	Requests       uint64    `json:"requests"`
}

type AnalyzerConfig struct {
	Collector *Collector

	// Interval between analysis ticks, default one minute.
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Analyzer periodically snapshots the collector, keeps bounded minute and
// hourly history, and raises threshold alerts.
type Analyzer struct {
	col      *Collector
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   int
	minutes []MinuteStats
	hours   []HourlyStats
	alerts  []Alert
}

func NewAnalyzer(c AnalyzerConfig) (*Analyzer, error) {
	if c.Collector == nil {
		return nil, errors.New("health: collector is required")
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &Analyzer{
		col:      c.Collector,
		interval: c.Interval,
		logger:   c.Logger,
		now:      c.Now,
	}, nil
}

func (a *Analyzer) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("health: analyzer already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.mu.Unlock()

	a.logger.Info("health analyzer started", "interval", a.interval.String())
	go a.loop(runCtx, done)
	return nil
}

// Stop cancels the loop and waits for it to drain. Idempotent.
func (a *Analyzer) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	cancel, done := a.cancel, a.done
	a.running = false
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	cancel()
	<-done
	a.logger.Info("health analyzer stopped")
}

func (a *Analyzer) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Analyzer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(a.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.tick()
		}
	}
}

// tick runs one analysis pass: snapshot, history, alert rules, prune.
func (a *Analyzer) tick() {
	snap := a.col.Snapshot()
	now := a.now()
	raised := evaluate(snap, now)

	a.mu.Lock()
	a.minutes = append(a.minutes, MinuteStats{At: now, Stats: snap})
	if len(a.minutes) > minuteHistory {
		a.minutes = a.minutes[len(a.minutes)-minuteHistory:]
	}
	a.ticks++
	if a.ticks%ticksPerHour == 0 {
		a.hours = append(a.hours, aggregateHour(now, a.minutes))
		if len(a.hours) > hourHistory {
			a.hours = a.hours[len(a.hours)-hourHistory:]
		}
	}
	a.alerts = append(a.alerts, raised...)
	a.alerts = pruneAlerts(a.alerts, now.Add(-alertRetention))
	a.mu.Unlock()

	observability.SetHealthScore(snap.HealthScore)
	for _, al := range raised {
		observability.IncAlert(al.Type)
		a.logger.Warn("cache performance alert",
			"type", al.Type,
			"severity", al.Severity,
			"msg", al.Message)
	}
}

// evaluate applies the fixed threshold rules. Nothing fires before the first
// recorded lookup, so an idle cache is not flagged unhealthy.
func evaluate(snap Snapshot, now time.Time) []Alert {
	if snap.Requests == 0 {
		return nil
	}
	var out []Alert
	warn := func(typ, msg string) {
		out = append(out, Alert{Type: typ, Message: msg, Severity: "warning", At: now})
	}
	if l1 := snap.HitRates.L1; l1 < l1HitRateMin {
		warn("l1_hit_rate", fmt.Sprintf("l1 hit rate %.1f%% below %.0f%%", l1, l1HitRateMin))
	}
	if lat := snap.Tiers[TierL1].AvgLatencyMs; lat > l1AvgLatencyMaxMs {
		warn("l1_latency", fmt.Sprintf("l1 avg latency %.3fms above %.1fms", lat, l1AvgLatencyMaxMs))
	}
	if ov := snap.HitRates.Overall; ov < overallHitRateMin {
		warn("overall_hit_rate", fmt.Sprintf("overall hit rate %.1f%% below %.0f%%", ov, overallHitRateMin))
	}
	if ev := snap.EvictionRate; ev > evictionRateMax {
		warn("eviction_rate", fmt.Sprintf("eviction rate %.1f%% above %.0f%%", ev, evictionRateMax))
	}
	return out
}

func aggregateHour(at time.Time, window []MinuteStats) HourlyStats {
	h := HourlyStats{At: at}
	if len(window) == 0 {
		return h
	}
	for _, m := range window {
		h.HealthScore += m.Stats.HealthScore
		h.OverallHitRate += m.Stats.HitRates.Overall
		h.EvictionRate += m.Stats.EvictionRate
		h.MeanLatencyMs += m.Stats.MeanLatencyMs
	}
	n := float64(len(window))
	h.HealthScore /= n
	h.OverallHitRate /= n
	h.EvictionRate /= n
	h.MeanLatencyMs /= n
	h.Requests = window[len(window)-1].Stats.Requests
	return h
}

func pruneAlerts(alerts []Alert, cutoff time.Time) []Alert {
	out := alerts[:0]
	for _, al := range alerts {
		if al.At.After(cutoff) {
			out = append(out, al)
		}
	}
	return out
}

// Alerts returns the retained alerts, oldest first.
func (a *Analyzer) Alerts() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, len(a.alerts))
	copy(out, a.alerts)
	return out
}

func (a *Analyzer) Minutes() []MinuteStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]MinuteStats, len(a.minutes))
	copy(out, a.minutes)
	return out
}

func (a *Analyzer) Hours() []HourlyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]HourlyStats, len(a.hours))
	copy(out, a.hours)
	return out
}
