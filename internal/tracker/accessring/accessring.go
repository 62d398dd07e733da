// Package accessring records per-key access timestamps in a bounded ring
// and derives TTLs, priorities, hot-key predictions and normalized scoring
// signals from them.
package accessring

import (
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/stokercache/stoker/internal/tracker"
	"github.com/stokercache/stoker/internal/warming"
)

const (
	numShards = 64
	ringSize  = 100

	minTTL = 15 * time.Second
	maxTTL = 10 * time.Minute

	// fraction of the mean inter-arrival interval used as TTL, so an entry
	// is refreshed slightly before the next access is expected
	ttlFraction = 0.8
)

type Tracker struct {
	Threshold int
	Window    time.Duration

	now func() time.Time

	shards [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*record
}

// record is one key's access history. times is a ring: head is the next
// write position, n the number of filled slots.
type record struct {
	times      [ringSize]time.Time
	head       int
	n          int
	total      uint64
	consumedAt time.Time
}

var (
	_ tracker.Interface    = (*Tracker)(nil)
	_ warming.HotPredictor = (*Tracker)(nil)
)

func New(threshold int, window time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	t := &Tracker{Threshold: threshold, Window: window, now: time.Now}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*record)
	}
	return t
}

func (t *Tracker) Track(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.m[key]
	if r == nil {
		r = &record{}
		s.m[key] = r
	}
	r.times[r.head] = n
	r.head = (r.head + 1) % ringSize
	if r.n < ringSize {
		r.n++
	}
	r.total++
}

// Recommend derives a TTL from the mean spacing of the ringed accesses and a
// priority from the lifetime access count. Unknown keys get the loosest
// recommendation.
func (t *Tracker) Recommend(key string) tracker.Recommendation {
	rec := tracker.Recommendation{TTL: maxTTL, Priority: warming.Low}
	if key == "" {
		return rec
	}
	s := t.pick(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil {
		return rec
	}
	if mean, ok := r.meanInterval(); ok {
		rec.TTL = clampTTL(time.Duration(float64(mean) * ttlFraction))
	}
	rec.Priority = priorityFor(r.total)
	return rec
}

// PredictedHot reports whether the key's accesses since the last consume,
// bounded by the prediction window, exceed the threshold.
func (t *Tracker) PredictedHot(key string) bool {
	if key == "" {
		return false
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil {
		return false
	}
	return r.recent(n, t.Window) > t.Threshold
}

// Consume clears the prediction for key after the scheduler acted on it. The
// prediction re-arms only from accesses recorded after the consume.
func (t *Tracker) Consume(key string) {
	if key == "" {
		return
	}
	s := t.pick(key)
	n := t.now()

	s.mu.Lock()
	if r := s.m[key]; r != nil {
		r.consumedAt = n
	}
	s.mu.Unlock()
}

func (t *Tracker) Reset(keys ...string) {
	for _, key := range keys {
		if key == "" {
			continue
		}
		s := t.pick(key)
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
	}
}

func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

// Frequency is the windowed access count normalized against the hot
// threshold, capped at 1.
func (t *Tracker) Frequency(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil {
		return 0
	}
	return min(1, float64(r.inWindow(n, t.Window))/float64(t.Threshold))
}

// Recency decays linearly from 1 at the latest access to 0 at the window
// edge.
func (t *Tracker) Recency(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil || r.n == 0 {
		return 0
	}
	newest := r.times[(r.head-1+ringSize)%ringSize]
	age := n.Sub(newest)
	if age <= 0 {
		return 1
	}
	if age >= t.Window {
		return 0
	}
	return 1 - float64(age)/float64(t.Window)
}

// Volatility folds the spread of the ring's inter-access gaps (coefficient
// of variation) into [0, 1]. Steady cadences score near 0, bursty ones
// approach 1.
func (t *Tracker) Volatility(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil {
		return 0
	}
	return r.gapSpread()
}

// Confluence measures agreement between the recent access cadence and the
// ring's lifetime cadence. A key whose in-window spacing matches its
// historical spacing scores near 1, one that diverges scores near 0.
func (t *Tracker) Confluence(key string) float64 {
	if key == "" {
		return 0
	}
	s := t.pick(key)
	n := t.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.m[key]
	if r == nil {
		return 0
	}
	return r.rateAgreement(n, t.Window)
}

// meanInterval is the average spacing between the ringed accesses. ok is
// false with fewer than two samples.
func (r *record) meanInterval() (time.Duration, bool) {
	if r.n < 2 {
		return 0, false
	}
	newest := r.times[(r.head-1+ringSize)%ringSize]
	oldest := r.times[(r.head-r.n+ringSize)%ringSize]
	return newest.Sub(oldest) / time.Duration(r.n-1), true
}

// recent counts ring entries strictly newer than both the window start and
// the last consume. Caller holds the shard lock.
func (r *record) recent(now time.Time, window time.Duration) int {
	cut := now.Add(-window)
	if r.consumedAt.After(cut) {
		cut = r.consumedAt
	}
	return r.newerThan(cut)
}

// inWindow counts ring entries inside the window, ignoring consumes. Caller
// holds the shard lock.
func (r *record) inWindow(now time.Time, window time.Duration) int {
	return r.newerThan(now.Add(-window))
}

// newerThan walks the ring newest-first and counts entries strictly newer
// than cut. Caller holds the shard lock.
func (r *record) newerThan(cut time.Time) int {
	c := 0
	for i := range r.n {
		ts := r.times[(r.head-1-i+2*ringSize)%ringSize]
		if !ts.After(cut) {
			break
		}
		c++
	}
	return c
}

// gapSpread is cv/(1+cv) over the ring's inter-access gaps, where cv is the
// coefficient of variation. Zero with fewer than three samples. Caller holds
// the shard lock.
func (r *record) gapSpread() float64 {
	if r.n < 3 {
		return 0
	}
	gaps := make([]float64, 0, r.n-1)
	prev := r.times[(r.head-r.n+ringSize)%ringSize]
	for i := 1; i < r.n; i++ {
		cur := r.times[(r.head-r.n+i+ringSize)%ringSize]
		gaps = append(gaps, cur.Sub(prev).Seconds())
		prev = cur
	}

	mean := 0.0
	for _, g := range gaps {
		mean += g
	}
	mean /= float64(len(gaps))
	if mean <= 0 {
		return 0
	}

	variance := 0.0
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	variance /= float64(len(gaps))

	cv := math.Sqrt(variance) / mean
	return cv / (1 + cv)
}

// rateAgreement folds the ratio between the mean spacing of in-window
// accesses and the ring's lifetime mean spacing into [0, 1]. Caller holds
// the shard lock.
func (r *record) rateAgreement(now time.Time, window time.Duration) float64 {
	k := r.inWindow(now, window)
	if k < 2 {
		return 0
	}
	newest := r.times[(r.head-1+ringSize)%ringSize]
	oldest := r.times[(r.head-k+ringSize)%ringSize]
	recentMean := newest.Sub(oldest) / time.Duration(k-1)

	lifeMean, ok := r.meanInterval()
	if !ok || lifeMean <= 0 || recentMean <= 0 {
		return 0
	}
	a, b := float64(recentMean), float64(lifeMean)
	if a < b {
		return a / b
	}
	return b / a
}

func priorityFor(total uint64) warming.Priority {
	switch {
	case total > 100:
		return warming.Critical
	case total > 50:
		return warming.High
	case total > 20:
		return warming.Medium
	default:
		return warming.Low
	}
}

func clampTTL(d time.Duration) time.Duration {
	if d < minTTL {
		return minTTL
	}
	if d > maxTTL {
		return maxTTL
	}
	return d
}

func (t *Tracker) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	idx := h & (uint64(len(t.shards)) - 1)
	return &t.shards[idx]
}
