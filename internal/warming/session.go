package warming

import "time"

// Session is the traffic regime the engine is warming for.
type Session string

const (
	Peak     Session = "peak"
	PrePeak  Session = "pre_peak"
	PostPeak Session = "post_peak"
	OffPeak  Session = "off_peak"
	Weekend  Session = "weekend"
)

// Strategy is the warming posture for one session. Tight cadence and high
// concurrency at peak; looser sessions warm deeper priority tiers.
type Strategy struct {
	RefreshInterval   time.Duration
	PriorityThreshold Priority
	ConcurrentWarmers int
	BatchSize         int
}

var strategies = map[Session]Strategy{
	Peak:     {RefreshInterval: 30 * time.Second, PriorityThreshold: High, ConcurrentWarmers: 8, BatchSize: 20},
	PrePeak:  {RefreshInterval: 45 * time.Second, PriorityThreshold: Medium, ConcurrentWarmers: 6, BatchSize: 15},
	PostPeak: {RefreshInterval: 90 * time.Second, PriorityThreshold: Medium, ConcurrentWarmers: 4, BatchSize: 10},
	OffPeak:  {RefreshInterval: 3 * time.Minute, PriorityThreshold: Background, ConcurrentWarmers: 2, BatchSize: 8},
	Weekend:  {RefreshInterval: 5 * time.Minute, PriorityThreshold: Background, ConcurrentWarmers: 2, BatchSize: 5},
}

// Resolver maps wall-clock time to a session. All hour boundaries are read
// in the configured location; weekends win over the hour table.
type Resolver struct {
	loc *time.Location
}

func NewResolver(loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	return &Resolver{loc: loc}
}

func (r *Resolver) CurrentSession(now time.Time) Session {
	t := now.In(r.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return Weekend
	}
	switch h := t.Hour(); {
	case h >= 7 && h < 9:
		return PrePeak
	case h >= 9 && h < 17:
		return Peak
	case h >= 17 && h < 21:
		return PostPeak
	default:
		return OffPeak
	}
}

func (r *Resolver) StrategyFor(s Session) Strategy {
	if st, ok := strategies[s]; ok {
		return st
	}
	return strategies[OffPeak]
}
