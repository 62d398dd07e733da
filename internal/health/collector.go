// Package health scores the cache from tier-level access metrics: hit rates,
// latency percentiles, eviction and error rates folded into one 0-100 score.
package health

import (
	"math"
	"sort"
	"sync"

	"github.com/stokercache/stoker/internal/observability"
)

type Tier string

const (
	TierL1 Tier = "l1"
	TierL2 Tier = "l2"
	TierL3 Tier = "l3"
)

// Tiers in promotion order, fastest first.
var Tiers = [3]Tier{TierL1, TierL2, TierL3}

const (
	latencySamples = 1000

	// health score weights
	weightHitRate  = 0.4
	weightLatency  = 0.3
	weightEviction = 0.2
	weightErrors   = 0.1

	targetLatencyMs = 1.0
)

// sampleRing keeps the last cap samples, overwriting the oldest.
type sampleRing struct {
	buf  []float64
	head int
	n    int
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{buf: make([]float64, capacity)}
}

func (r *sampleRing) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *sampleRing) values() []float64 {
	out := make([]float64, r.n)
	copy(out, r.buf[:r.n])
	return out
}

func (r *sampleRing) sum() (float64, int) {
	total := 0.0
	for _, v := range r.buf[:r.n] {
		total += v
	}
	return total, r.n
}

func (r *sampleRing) mean() float64 {
	total, n := r.sum()
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// p99 returns the 99th percentile sample, 0 with no samples.
func (r *sampleRing) p99() float64 {
	if r.n == 0 {
		return 0
	}
	s := r.values()
	sort.Float64s(s)
	idx := int(float64(len(s)) * 0.99)
	if idx >= len(s) {
		idx = len(s) - 1
	}
	return s[idx]
}

type tierMetrics struct {
	hits      uint64
	evictions uint64
	errors    uint64
	sizeBytes int64
	itemCount int64
	latencies *sampleRing
}

// Collector accumulates per-tier cache metrics. All counters are monotonic
// until Reset. Safe for concurrent use; critical sections are short.
type Collector struct {
	mu     sync.Mutex
	tiers  map[Tier]*tierMetrics
	misses uint64

	// latency of lookups that missed every tier
	missLatencies *sampleRing
}

func NewCollector() *Collector {
	c := &Collector{}
	c.reset()
	return c
}

func (c *Collector) reset() {
	c.tiers = map[Tier]*tierMetrics{}
	for _, t := range Tiers {
		c.tiers[t] = &tierMetrics{latencies: newSampleRing(latencySamples)}
	}
	c.misses = 0
	c.missLatencies = newSampleRing(latencySamples)
}

// RecordAccess records one logical cache lookup: a hit at tier, or a global
// miss when hit is false (tier is ignored then). key is accepted for call
// site symmetry with the access tracker; the collector aggregates only.
func (c *Collector) RecordAccess(key string, tier Tier, latencyMs float64, hit bool) {
	_ = key

	c.mu.Lock()
	if hit {
		if tm := c.tiers[tier]; tm != nil {
			tm.hits++
			tm.latencies.add(latencyMs)
		}
	} else {
		c.misses++
		c.missLatencies.add(latencyMs)
	}
	c.mu.Unlock()

	if hit {
		observability.IncTierHit(string(tier))
	} else {
		observability.IncTierMiss(string(tier))
	}
}

func (c *Collector) RecordEviction(tier Tier, count uint64) {
	c.mu.Lock()
	if tm := c.tiers[tier]; tm != nil {
		tm.evictions += count
	}
	c.mu.Unlock()
}

func (c *Collector) RecordError(tier Tier) {
	c.mu.Lock()
	if tm := c.tiers[tier]; tm != nil {
		tm.errors++
	}
	c.mu.Unlock()
}

func (c *Collector) UpdateSize(tier Tier, bytes, items int64) {
	c.mu.Lock()
	if tm := c.tiers[tier]; tm != nil {
		tm.sizeBytes = bytes
		tm.itemCount = items
	}
	c.mu.Unlock()
}

func (c *Collector) Reset() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

// HitRates are percentages of all lookups, zero when nothing was recorded.
type HitRates struct {
	L1      float64 `json:"l1"`
	L2      float64 `json:"l2"`
	L3      float64 `json:"l3"`
	Overall float64 `json:"overall"`
}

func (c *Collector) HitRates() HitRates {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitRates()
}

func (c *Collector) hitRates() HitRates {
	total := c.requests()
	if total == 0 {
		return HitRates{}
	}
	pct := func(hits uint64) float64 {
		return float64(hits) / float64(total) * 100
	}
	hits := c.tiers[TierL1].hits + c.tiers[TierL2].hits + c.tiers[TierL3].hits
	return HitRates{
		L1:      pct(c.tiers[TierL1].hits),
		L2:      pct(c.tiers[TierL2].hits),
		L3:      pct(c.tiers[TierL3].hits),
		Overall: pct(hits),
	}
}

// requests is the total lookup count: every hit plus every global miss.
func (c *Collector) requests() uint64 {
	total := c.misses
	for _, t := range Tiers {
		total += c.tiers[t].hits
	}
	return total
}

func (c *Collector) AvgLatencies() map[Tier]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Tier]float64, len(Tiers))
	for _, t := range Tiers {
		out[t] = c.tiers[t].latencies.mean()
	}
	return out
}

func (c *Collector) P99Latencies() map[Tier]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Tier]float64, len(Tiers))
	for _, t := range Tiers {
		out[t] = c.tiers[t].latencies.p99()
	}
	return out
}

// EvictionRate is evictions across all tiers per hundred lookups.
func (c *Collector) EvictionRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictionRate()
}

func (c *Collector) evictionRate() float64 {
	total := c.requests()
	if total == 0 {
		return 0
	}
	var ev uint64
	for _, t := range Tiers {
		ev += c.tiers[t].evictions
	}
	return float64(ev) / float64(total) * 100
}

// ErrorRate is tier errors per hundred lookups.
func (c *Collector) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorRate()
}

func (c *Collector) errorRate() float64 {
	total := c.requests()
	if total == 0 {
		return 0
	}
	var errs uint64
	for _, t := range Tiers {
		errs += c.tiers[t].errors
	}
	return float64(errs) / float64(total) * 100
}

// meanLatency averages every held sample, hit and miss alike, in ms.
func (c *Collector) meanLatency() float64 {
	total, n := c.missLatencies.sum()
	for _, t := range Tiers {
		s, sn := c.tiers[t].latencies.sum()
		total += s
		n += sn
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// HealthScore is the weighted composite: 40% hit rate, 30% latency headroom
// against a 1ms target, 20% eviction pressure, 10% error pressure.
func (c *Collector) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthScore()
}

func (c *Collector) healthScore() float64 {
	hitPart := math.Min(100, c.hitRates().Overall)
	latPart := math.Max(0, 100-c.meanLatency()/targetLatencyMs*50)
	evictPart := math.Max(0, 100-c.evictionRate()*5)
	errPart := math.Max(0, 100-c.errorRate()*10)
	return weightHitRate*hitPart +
		weightLatency*latPart +
		weightEviction*evictPart +
		weightErrors*errPart
}

// TierSnapshot is one tier's aggregated view at snapshot time.
type TierSnapshot struct {
	Hits         uint64  `json:"hits"`
	Evictions    uint64  `json:"evictions"`
	Errors       uint64  `json:"errors"`
	SizeBytes    int64   `json:"size_bytes"`
	ItemCount    int64   `json:"item_count"`
	HitRatePct   float64 `json:"hit_rate_pct"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
}

// Snapshot is a consistent point-in-time view of every derived metric,
// computed under one lock acquisition.
type Snapshot struct {
	Requests      uint64                `json:"requests"`
	Misses        uint64                `json:"misses"`
	HitRates      HitRates              `json:"hit_rates"`
	Tiers         map[Tier]TierSnapshot `json:"tiers"`
	EvictionRate  float64               `json:"eviction_rate_pct"`
	ErrorRate     float64               `json:"error_rate_pct"`
	MeanLatencyMs float64               `json:"mean_latency_ms"`
	HealthScore   float64               `json:"health_score"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.requests()
	hr := c.hitRates()
	snap := Snapshot{
		Requests:      total,
		Misses:        c.misses,
		HitRates:      hr,
		Tiers:         make(map[Tier]TierSnapshot, len(Tiers)),
		EvictionRate:  c.evictionRate(),
		ErrorRate:     c.errorRate(),
		MeanLatencyMs: c.meanLatency(),
		HealthScore:   c.healthScore(),
	}
	for _, t := range Tiers {
		tm := c.tiers[t]
		ts := TierSnapshot{
			Hits:         tm.hits,
			Evictions:    tm.evictions,
			Errors:       tm.errors,
			SizeBytes:    tm.sizeBytes,
			ItemCount:    tm.itemCount,
			AvgLatencyMs: tm.latencies.mean(),
			P99LatencyMs: tm.latencies.p99(),
		}
		if total > 0 {
			ts.HitRatePct = float64(tm.hits) / float64(total) * 100
		}
		snap.Tiers[t] = ts
	}
	return snap
}
