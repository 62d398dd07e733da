package warming

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stokercache/stoker/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	setErr error
}

var _ store.Interface = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = val
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.ttls, k)
	}
	return nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func (f *fakeStore) ttlOf(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

// wednesday noon UTC resolves to the peak session
var wedNoon = time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)

func fixedNow(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestScheduler(t *testing.T, r *Registry, fs store.Interface, mod func(*SchedulerConfig)) *Scheduler {
	t.Helper()
	cfg := SchedulerConfig{
		Registry:     r,
		Store:        fs,
		Resolver:     NewResolver(time.UTC),
		FetchTimeout: time.Second,
		Now:          fixedNow(wedNoon),
	}
	if mod != nil {
		mod(&cfg)
	}
	s, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestNewScheduler_Validation(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()

	if _, err := NewScheduler(SchedulerConfig{Store: fs, FetchTimeout: time.Second}); err == nil {
		t.Fatalf("expected error for nil registry")
	}
	if _, err := NewScheduler(SchedulerConfig{Registry: r, FetchTimeout: time.Second}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewScheduler(SchedulerConfig{Registry: r, Store: fs}); err == nil {
		t.Fatalf("expected error for missing fetch timeout")
	}
}

func TestRunCycle_PeakWarmsOnlyThroughThreshold(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	for key, p := range map[string]Priority{
		"c1": Critical, "h1": High, "m1": Medium, "l1": Low, "b1": Background,
	} {
		mustRegister(t, r, key, p, time.Minute)
	}

	s := newTestScheduler(t, r, fs, nil)

	// peak threshold is high: critical and high warm, the rest wait
	next := s.runCycle(context.Background())
	if next != 30*time.Second {
		t.Fatalf("next interval=%s want 30s (peak)", next)
	}

	for _, key := range []string{"c1", "h1"} {
		if !fs.has(key) {
			t.Errorf("%s not warmed", key)
		}
	}
	for _, key := range []string{"m1", "l1", "b1"} {
		if fs.has(key) {
			t.Errorf("%s warmed above threshold", key)
		}
	}

	st := s.Stats()
	if st.Cycles != 1 || st.TotalWarmed != 2 || st.TotalErrors != 0 {
		t.Fatalf("stats: %+v", st)
	}
	almostEq(t, st.FillRate, 1.0, 1e-9)
	if fs.ttlOf("c1") != time.Minute {
		t.Fatalf("stored ttl=%s want task ttl", fs.ttlOf("c1"))
	}
}

func TestRunCycle_FetchFailureDoesNotAbortBatch(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()

	boom := func(_ context.Context, _ map[string]string) ([]byte, error) {
		return nil, errors.New("upstream 500")
	}
	if err := r.Register(Task{Key: "bad", Priority: Critical, Fetch: boom, TTL: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustRegister(t, r, "good", Critical, time.Minute)

	s := newTestScheduler(t, r, fs, nil)
	s.runCycle(context.Background())

	if !fs.has("good") {
		t.Fatalf("healthy task starved by failing sibling")
	}
	st := s.Stats()
	if st.TotalWarmed != 1 || st.TotalErrors != 1 {
		t.Fatalf("stats: warmed=%d errors=%d", st.TotalWarmed, st.TotalErrors)
	}
	almostEq(t, st.FillRate, 0.5, 1e-9)
}

func TestRunCycle_AlwaysFailingFetch_FiveCycles(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()

	boom := func(_ context.Context, _ map[string]string) ([]byte, error) {
		return nil, errors.New("connection refused")
	}
	if err := r.Register(Task{Key: "flaky", Priority: Critical, Fetch: boom, TTL: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s := newTestScheduler(t, r, fs, nil)
	for range 5 {
		s.runCycle(context.Background())
	}

	snap := r.Snapshot()[0]
	if snap.ErrorCount != 5 || snap.WarmCount != 0 {
		t.Fatalf("task stats: errors=%d warms=%d", snap.ErrorCount, snap.WarmCount)
	}
	if !snap.LastWarmedAt.IsZero() {
		t.Fatalf("failing task must keep zero last-warm time")
	}
	st := s.Stats()
	if st.Cycles != 5 || st.TotalErrors != 5 || st.TotalWarmed != 0 {
		t.Fatalf("engine stats: %+v", st)
	}
	almostEq(t, st.FillRate, 0, 1e-9)
}

func TestWarmTask_WriteFailureKeepsTaskDue(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	fs.setErr = errors.New("redis down")
	mustRegister(t, r, "k", Critical, time.Minute)

	s := newTestScheduler(t, r, fs, nil)
	s.runCycle(context.Background())

	snap := r.Snapshot()[0]
	if snap.ErrorCount != 1 || snap.WarmCount != 0 || !snap.LastWarmedAt.IsZero() {
		t.Fatalf("write failure accounting: %+v", snap)
	}

	// the task stays due for the natural retry next cycle
	due := r.TasksDue(Strategy{PriorityThreshold: Background}, wedNoon)
	if len(due) != 1 {
		t.Fatalf("task not due after write failure")
	}
}

func TestFetch_TimeoutClassification(t *testing.T) {
	r := NewRegistry(nil)
	s := newTestScheduler(t, r, newFakeStore(), func(c *SchedulerConfig) {
		c.FetchTimeout = 30 * time.Millisecond
	})

	slow := &Task{Key: "slow", Fetch: func(ctx context.Context, _ map[string]string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	_, err := s.fetch(context.Background(), slow)
	var te *FetchTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %v want FetchTimeoutError", err)
	}
	if te.Timeout != 30*time.Millisecond || te.Key != "slow" {
		t.Fatalf("timeout error fields: %+v", te)
	}

	plain := &Task{Key: "p", Fetch: func(_ context.Context, _ map[string]string) ([]byte, error) {
		return nil, errors.New("boom")
	}}
	_, err = s.fetch(context.Background(), plain)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Unwrap() == nil {
		t.Fatalf("got %v want wrapping FetchError", err)
	}
}

func TestWarmTaskSafe_PanickingFetchIsConfined(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()

	if err := r.Register(Task{Key: "panics", Priority: Critical, TTL: time.Minute,
		Fetch: func(_ context.Context, _ map[string]string) ([]byte, error) { panic("nil map write") },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustRegister(t, r, "fine", Critical, time.Minute)

	s := newTestScheduler(t, r, fs, nil)
	s.runCycle(context.Background())

	if !fs.has("fine") {
		t.Fatalf("panicking sibling starved healthy task")
	}
	for _, snap := range r.Snapshot() {
		if snap.Key == "panics" && snap.ErrorCount != 1 {
			t.Fatalf("panic not counted as failure: %+v", snap)
		}
	}
}

func TestRunCycleSafe_PanicReturnsBackoff(t *testing.T) {
	r := NewRegistry(nil)
	s := newTestScheduler(t, r, newFakeStore(), func(c *SchedulerConfig) {
		c.Scorer = panicScorer{}
	})
	mustRegister(t, r, "k", Critical, time.Minute)

	next := s.runCycleSafe(context.Background())
	if next != panicBackoff {
		t.Fatalf("next=%s want %s", next, panicBackoff)
	}
}

type panicScorer struct{}

func (panicScorer) Score(string) (Priority, bool) { panic("scorer bug") }

func TestScorer_RescoresBeforeSelection(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	mustRegister(t, r, "promoted", Background, time.Minute)

	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) {
		c.Scorer = mapScorer{"promoted": Critical}
	})
	s.runCycle(context.Background())

	// background would miss the peak threshold; the scorer promotes it first
	if !fs.has("promoted") {
		t.Fatalf("re-scored task not warmed")
	}
	if got := r.Snapshot()[0].Priority; got != "critical" {
		t.Fatalf("priority=%s want critical", got)
	}
}

type mapScorer map[string]Priority

func (m mapScorer) Score(key string) (Priority, bool) {
	p, ok := m[key]
	return p, ok
}

func TestConsume_CalledOnWarmSuccessOnly(t *testing.T) {
	hot := &fakePredictor{hot: map[string]bool{"hot-key": true}}
	r := NewRegistry(hot)
	fs := newFakeStore()

	mustRegister(t, r, "hot-key", Background, time.Hour)
	r.recordSuccess("hot-key", wedNoon, 1) // fresh, only due via prediction

	boom := func(_ context.Context, _ map[string]string) ([]byte, error) {
		return nil, errors.New("down")
	}
	if err := r.Register(Task{Key: "hot-fail", Priority: Critical, Fetch: boom, TTL: time.Minute}); err != nil {
		t.Fatalf("register: %v", err)
	}

	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) { c.Hot = hot })
	s.runCycle(context.Background())

	consumed := hot.consumedKeys()
	if len(consumed) != 1 || consumed[0] != "hot-key" {
		t.Fatalf("consumed=%v want [hot-key]", consumed)
	}
}

func TestWarmCritical_IgnoresStaleness(t *testing.T) {
	hot := &fakePredictor{hot: map[string]bool{}}
	r := NewRegistry(hot)
	fs := newFakeStore()

	mustRegister(t, r, "crit-1", Critical, time.Hour)
	mustRegister(t, r, "crit-2", Critical, time.Hour)
	mustRegister(t, r, "high-1", High, time.Hour)
	r.recordSuccess("crit-1", wedNoon, 1) // fresh, would not be due

	s := newTestScheduler(t, r, fs, nil)
	sum := s.WarmCritical(context.Background())

	if sum.Attempted != 2 || sum.Warmed != 2 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	if !fs.has("crit-1") || !fs.has("crit-2") {
		t.Fatalf("critical tasks not warmed")
	}
	if fs.has("high-1") {
		t.Fatalf("non-critical task warmed by WarmCritical")
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	mustRegister(t, r, "k", Critical, time.Hour)

	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) { c.Now = nil })

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatalf("second Start must fail while running")
	}
	if !s.Running() {
		t.Fatalf("Running() false after Start")
	}

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Cycles >= 1 })

	s.Stop()
	if s.Running() {
		t.Fatalf("Running() true after Stop")
	}
	s.Stop() // idempotent

	if err := s.Start(); err != nil {
		t.Fatalf("restart after Stop: %v", err)
	}
	s.Stop()
}

func TestStop_BoundedByFetchTimeout(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()

	slow := func(ctx context.Context, _ map[string]string) ([]byte, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return []byte("v"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, key := range []string{"s1", "s2", "s3", "s4"} {
		if err := r.Register(Task{Key: key, Priority: Critical, Fetch: slow, TTL: time.Hour}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) { c.Now = nil })
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // land inside the first cycle

	stopStart := time.Now()
	s.Stop()
	if elapsed := time.Since(stopStart); elapsed > 2*time.Second {
		t.Fatalf("Stop took %s, want < 2s", elapsed)
	}
}

func TestKick_WakesSleepingLoop(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	mustRegister(t, r, "k", Critical, time.Hour)

	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) { c.Now = nil })
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return s.Stats().Cycles >= 1 })

	// every session interval is >= 30s, so only the kick explains a second
	// cycle arriving this fast
	s.Kick()
	waitFor(t, 2*time.Second, func() bool { return s.Stats().Cycles >= 2 })
}

func TestStats_JSONRoundTrip(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	mustRegister(t, r, "c1", Critical, time.Minute)
	mustRegister(t, r, "h1", High, 2*time.Minute)

	s := newTestScheduler(t, r, fs, nil)
	s.runCycle(context.Background())

	st := s.Stats()
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Stats
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Session != st.Session || back.Cycles != st.Cycles ||
		back.TotalWarmed != st.TotalWarmed || back.TotalErrors != st.TotalErrors {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, st)
	}
	almostEq(t, back.FillRate, st.FillRate, 1e-12)
	almostEq(t, back.AvgCycleTimeMs, st.AvgCycleTimeMs, 1e-12)
	if len(back.Tasks) != len(st.Tasks) {
		t.Fatalf("tasks len: got %d want %d", len(back.Tasks), len(st.Tasks))
	}
	for i := range back.Tasks {
		if back.Tasks[i] != st.Tasks[i] {
			t.Fatalf("task %d mismatch:\n got %+v\nwant %+v", i, back.Tasks[i], st.Tasks[i])
		}
	}
}

func TestCycleEvents_Published(t *testing.T) {
	r := NewRegistry(nil)
	fs := newFakeStore()
	mustRegister(t, r, "c1", Critical, time.Minute)

	sink := &captureSink{}
	s := newTestScheduler(t, r, fs, func(c *SchedulerConfig) { c.Events = sink })
	s.runCycle(context.Background())

	evs := sink.events()
	if len(evs) != 1 {
		t.Fatalf("events=%d want 1", len(evs))
	}
	ev := evs[0]
	if ev.Session != "peak" || ev.Due != 1 || ev.Warmed != 1 || ev.Failed != 0 {
		t.Fatalf("event: %+v", ev)
	}
	if !ev.At.Equal(wedNoon) {
		t.Fatalf("event at=%v want %v", ev.At, wedNoon)
	}
}

type captureSink struct {
	mu  sync.Mutex
	evs []CycleEvent
}

func (c *captureSink) PublishCycle(ev CycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *captureSink) events() []CycleEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CycleEvent(nil), c.evs...)
}
