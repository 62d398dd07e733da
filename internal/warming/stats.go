package warming

import "time"

type TaskStats struct {
	Key            string    `json:"key"`
	Priority       string    `json:"priority"`
	TTLSeconds     float64   `json:"ttl_seconds"`
	LastWarmedAt   time.Time `json:"last_warmed_at,omitzero"`
	WarmCount      uint64    `json:"warm_count"`
	ErrorCount     uint64    `json:"error_count"`
	AvgFetchTimeMs float64   `json:"avg_fetch_time_ms"`
}

type StrategyView struct {
	RefreshIntervalSeconds float64 `json:"refresh_interval_seconds"`
	PriorityThreshold      string  `json:"priority_threshold"`
	ConcurrentWarmers      int     `json:"concurrent_warmers"`
	BatchSize              int     `json:"batch_size"`
}

// Stats is the engine view served by the ops endpoints. All numeric fields
// survive a JSON round-trip unchanged.
type Stats struct {
	Session        string       `json:"session"`
	Strategy       StrategyView `json:"strategy"`
	Running        bool         `json:"running"`
	Cycles         uint64       `json:"cycles"`
	TotalWarmed    uint64       `json:"total_warmed"`
	TotalErrors    uint64       `json:"total_errors"`
	FillRate       float64      `json:"fill_rate"`
	AvgCycleTimeMs float64      `json:"avg_cycle_time_ms"`
	LastCycleAt    time.Time    `json:"last_cycle_at,omitzero"`
	Tasks          []TaskStats  `json:"tasks"`
}

type CycleSummary struct {
	Attempted int `json:"attempted"`
	Warmed    int `json:"warmed"`
	Failed    int `json:"failed"`
}

func (s *Scheduler) Stats() Stats {
	now := s.now()
	session := s.resolver.CurrentSession(now)
	strat := s.resolver.StrategyFor(session)

	s.mu.Lock()
	st := Stats{
		Session: string(session),
		Strategy: StrategyView{
			RefreshIntervalSeconds: strat.RefreshInterval.Seconds(),
			PriorityThreshold:      strat.PriorityThreshold.String(),
			ConcurrentWarmers:      strat.ConcurrentWarmers,
			BatchSize:              strat.BatchSize,
		},
		Running:        s.running,
		Cycles:         s.cycles,
		TotalWarmed:    s.totalWarmed,
		TotalErrors:    s.totalErrors,
		FillRate:       fillRate(s.totalWarmed, s.totalErrors),
		AvgCycleTimeMs: s.avgCycleMs,
		LastCycleAt:    s.lastCycleAt,
	}
	s.mu.Unlock()

	st.Tasks = s.registry.Snapshot()
	return st
}

// fillRate is warmed over attempted; 0 when nothing was attempted yet.
func fillRate(warmed, errs uint64) float64 {
	total := warmed + errs
	if total == 0 {
		return 0
	}
	return float64(warmed) / float64(total)
}
