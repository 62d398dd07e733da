package health

import "time"

// Dashboard is the simplified operational view for the ops endpoint.
type Dashboard struct {
	At           time.Time        `json:"at"`
	HealthScore  float64          `json:"health_score"`
	HitRates     HitRates         `json:"hit_rates"`
	AvgLatencyMs map[Tier]float64 `json:"avg_latency_ms"`
	EvictionRate float64          `json:"eviction_rate_pct"`
	Requests     uint64           `json:"requests"`
	ActiveAlerts int              `json:"active_alerts"`
}

func (a *Analyzer) Dashboard() Dashboard {
	snap := a.col.Snapshot()

	lat := make(map[Tier]float64, len(Tiers))
	for _, t := range Tiers {
		lat[t] = snap.Tiers[t].AvgLatencyMs
	}
	return Dashboard{
		At:           a.now(),
		HealthScore:  snap.HealthScore,
		HitRates:     snap.HitRates,
		AvgLatencyMs: lat,
		EvictionRate: snap.EvictionRate,
		Requests:     snap.Requests,
		ActiveAlerts: len(a.Alerts()),
	}
}

// PerformanceReport is the full serializable report: the current snapshot,
// hourly history, retained alerts and tuning recommendations.
type PerformanceReport struct {
	GeneratedAt     time.Time     `json:"generated_at"`
	Current         Snapshot      `json:"current"`
	Hourly          []HourlyStats `json:"hourly"`
	Alerts          []Alert       `json:"alerts"`
	Recommendations []string      `json:"recommendations"`
}

func (a *Analyzer) Report() PerformanceReport {
	snap := a.col.Snapshot()
	return PerformanceReport{
		GeneratedAt:     a.now(),
		Current:         snap,
		Hourly:          a.Hours(),
		Alerts:          a.Alerts(),
		Recommendations: recommendations(snap),
	}
}

// recommendations maps snapshot pressure points to concrete tuning advice.
func recommendations(snap Snapshot) []string {
	if snap.Requests == 0 {
		return []string{"no traffic recorded yet"}
	}
	var out []string
	if snap.HitRates.L1 < l1HitRateMin {
		out = append(out, "l1 absorbs too little traffic: grow l1 capacity or extend promote ttl")
	}
	if snap.HitRates.Overall < overallHitRateMin {
		out = append(out, "overall hit rate below target: widen warming coverage or loosen the priority threshold")
	}
	if snap.EvictionRate > evictionRateMax {
		out = append(out, "eviction pressure high: l1 capacity is undersized for the working set")
	}
	if snap.MeanLatencyMs > targetLatencyMs {
		out = append(out, "mean lookup latency above target: check backing store health")
	}
	if snap.ErrorRate > 1 {
		out = append(out, "store errors elevated: check cache backend connectivity")
	}
	if len(out) == 0 {
		out = append(out, "cache operating within targets")
	}
	return out
}
