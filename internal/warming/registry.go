package warming

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// HotPredictor pulls predicted-hot keys into the due list ahead of their
// staleness window. Implementations must be safe for concurrent use.
type HotPredictor interface {
	PredictedHot(key string) bool
	Consume(key string)
}

// Registry holds every registered task and owns all task stat mutation.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	hot   HotPredictor
}

// NewRegistry builds an empty registry. hot may be nil.
func NewRegistry(hot HotPredictor) *Registry {
	return &Registry{tasks: map[string]*Task{}, hot: hot}
}

// Register validates and stores a task. Re-registering an existing key swaps
// the definition but keeps the runtime stats, so a config reload does not
// reset warm cadence.
func (r *Registry) Register(t Task) error {
	if strings.TrimSpace(t.Key) == "" {
		return &InvalidTaskError{Key: t.Key, Reason: "empty key"}
	}
	if t.Fetch == nil {
		return &InvalidTaskError{Key: t.Key, Reason: "nil fetch func"}
	}
	if t.TTL <= 0 {
		return &InvalidTaskError{Key: t.Key, Reason: fmt.Sprintf("ttl must be > 0, got %s", t.TTL)}
	}
	if !t.Priority.valid() {
		return &InvalidTaskError{Key: t.Key, Reason: fmt.Sprintf("unknown priority %d", int(t.Priority))}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.tasks[t.Key]; ok {
		t.LastWarmedAt = old.LastWarmedAt
		t.WarmCount = old.WarmCount
		t.ErrorCount = old.ErrorCount
		t.AvgFetchTimeMs = old.AvgFetchTimeMs
	} else {
		// stats are registry-owned; callers cannot seed them
		t.LastWarmedAt = time.Time{}
		t.WarmCount = 0
		t.ErrorCount = 0
		t.AvgFetchTimeMs = 0
	}
	r.tasks[t.Key] = &t
	return nil
}

// Deregister removes a task. Returns false for unknown keys.
func (r *Registry) Deregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[key]; !ok {
		return false
	}
	delete(r.tasks, key)
	return true
}

// TasksDue selects the tasks to warm this cycle, most urgent first. A task
// is due when its priority clears the strategy threshold and its last warm
// is older than 80% of its TTL (or it was never warmed). Predicted-hot keys
// bypass both checks.
func (r *Registry) TasksDue(st Strategy, now time.Time) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Task
	for _, t := range r.tasks {
		if r.isDue(t, st, now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if due[i].ErrorCount != due[j].ErrorCount {
			return due[i].ErrorCount < due[j].ErrorCount
		}
		return due[i].Key < due[j].Key
	})
	return due
}

func (r *Registry) isDue(t *Task, st Strategy, now time.Time) bool {
	if r.hot != nil && r.hot.PredictedHot(t.Key) {
		return true
	}
	if t.Priority > st.PriorityThreshold {
		return false
	}
	if t.LastWarmedAt.IsZero() {
		return true
	}
	stale := time.Duration(staleAfter * float64(t.TTL))
	return now.Sub(t.LastWarmedAt) >= stale
}

// Critical returns every critical task regardless of staleness, for forced
// warms.
func (r *Registry) Critical() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, t := range r.tasks {
		if t.Priority == Critical {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MarkStale zeroes the last-warm time so the keys become due on the next
// cycle. Returns how many known keys were touched.
func (r *Registry) MarkStale(keys ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, k := range keys {
		if t, ok := r.tasks[k]; ok {
			t.LastWarmedAt = time.Time{}
			n++
		}
	}
	return n
}

// SetPriority re-scores a task in place. Returns false for unknown keys or
// invalid priorities.
func (r *Registry) SetPriority(key string, p Priority) bool {
	if !p.valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return false
	}
	t.Priority = p
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Keys lists every registered task key, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.tasks))
	for k := range r.tasks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) recordSuccess(key string, at time.Time, fetchMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	if !ok {
		return
	}
	t.AvgFetchTimeMs = ema(t.AvgFetchTimeMs, fetchMs, t.WarmCount > 0)
	t.WarmCount++
	t.LastWarmedAt = at
}

func (r *Registry) recordFailure(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[key]; ok {
		t.ErrorCount++
	}
}

// Snapshot copies per-task stats for reporting, ordered by (priority, key).
func (r *Registry) Snapshot() []TaskStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskStats, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, TaskStats{
			Key:            t.Key,
			Priority:       t.Priority.String(),
			TTLSeconds:     t.TTL.Seconds(),
			LastWarmedAt:   t.LastWarmedAt,
			WarmCount:      t.WarmCount,
			ErrorCount:     t.ErrorCount,
			AvgFetchTimeMs: t.AvgFetchTimeMs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, _ := ParsePriority(out[i].Priority)
		pj, _ := ParsePriority(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].Key < out[j].Key
	})
	return out
}
