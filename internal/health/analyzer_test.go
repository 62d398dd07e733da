package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

var analyzerBase = time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC)

func newAnalyzerForTest(t *testing.T, col *Collector, fc *fakeClock) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(AnalyzerConfig{Collector: col, Now: fc.Now})
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func unhealthyCollector() *Collector {
	c := NewCollector()
	// 50% l1 hit rate at 0.5ms, 20% eviction rate: every rule trips
	for range 50 {
		c.RecordAccess("k", TierL1, 0.5, true)
	}
	for range 50 {
		c.RecordAccess("k", TierL1, 0.5, false)
	}
	c.RecordEviction(TierL1, 20)
	return c
}

func TestNewAnalyzer_RequiresCollector(t *testing.T) {
	if _, err := NewAnalyzer(AnalyzerConfig{}); err == nil {
		t.Fatalf("expected error without collector")
	}
}

func TestTick_RaisesAllThresholdAlerts(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)
	a := newAnalyzerForTest(t, unhealthyCollector(), fc)

	a.tick()

	alerts := a.Alerts()
	if len(alerts) != 4 {
		t.Fatalf("alerts=%d want 4: %+v", len(alerts), alerts)
	}
	got := map[string]bool{}
	for _, al := range alerts {
		got[al.Type] = true
		if al.Severity != "warning" {
			t.Errorf("%s severity=%s want warning", al.Type, al.Severity)
		}
		if !al.At.Equal(analyzerBase) {
			t.Errorf("%s at=%v want %v", al.Type, al.At, analyzerBase)
		}
	}
	for _, typ := range []string{"l1_hit_rate", "l1_latency", "overall_hit_rate", "eviction_rate"} {
		if !got[typ] {
			t.Errorf("missing alert %s", typ)
		}
	}
}

func TestTick_HealthyCacheRaisesNothing(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)

	col := NewCollector()
	for range 100 {
		col.RecordAccess("k", TierL1, 0.05, true)
	}
	a := newAnalyzerForTest(t, col, fc)

	a.tick()

	if alerts := a.Alerts(); len(alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
	mins := a.Minutes()
	if len(mins) != 1 {
		t.Fatalf("minutes=%d want 1", len(mins))
	}
	// 0.4*100 + 0.3*(100-0.05*50) + 0.2*100 + 0.1*100 = 99.25
	almostEq(t, mins[0].Stats.HealthScore, 99.25, 1e-9)
}

func TestTick_IdleCacheRaisesNothing(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)
	a := newAnalyzerForTest(t, NewCollector(), fc)

	a.tick()

	if alerts := a.Alerts(); len(alerts) != 0 {
		t.Fatalf("idle cache alerted: %+v", alerts)
	}
}

func TestAlerts_PrunedAfterRetention(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)
	col := unhealthyCollector()
	a := newAnalyzerForTest(t, col, fc)

	a.tick()
	if len(a.Alerts()) != 4 {
		t.Fatalf("precondition: want 4 alerts")
	}

	// quiet period past the retention window drops them
	col.Reset()
	fc.Add(alertRetention + time.Minute)
	a.tick()

	if alerts := a.Alerts(); len(alerts) != 0 {
		t.Fatalf("stale alerts survived: %+v", alerts)
	}
}

func TestMinuteHistory_CapsAtSixty(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)
	a := newAnalyzerForTest(t, NewCollector(), fc)

	for range 65 {
		fc.Add(time.Minute)
		a.tick()
	}

	mins := a.Minutes()
	if len(mins) != minuteHistory {
		t.Fatalf("minutes=%d want %d", len(mins), minuteHistory)
	}
	// five oldest entries dropped
	if want := analyzerBase.Add(6 * time.Minute); !mins[0].At.Equal(want) {
		t.Fatalf("oldest minute at %v want %v", mins[0].At, want)
	}
}

func TestHourlyAggregation_EverySixtyTicks(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(analyzerBase)

	col := NewCollector()
	for range 100 {
		col.RecordAccess("k", TierL1, 0.05, true)
	}
	a := newAnalyzerForTest(t, col, fc)

	for range 60 {
		fc.Add(time.Minute)
		a.tick()
	}

	hours := a.Hours()
	if len(hours) != 1 {
		t.Fatalf("hours=%d want 1", len(hours))
	}
	h := hours[0]
	if want := analyzerBase.Add(60 * time.Minute); !h.At.Equal(want) {
		t.Fatalf("hour closed at %v want %v", h.At, want)
	}
	// sixty identical snapshots average to themselves
	almostEq(t, h.HealthScore, 99.25, 1e-9)
	almostEq(t, h.OverallHitRate, 100, 1e-9)
	if h.Requests != 100 {
		t.Fatalf("requests=%d want 100", h.Requests)
	}
}

func TestStartStop_Lifecycle(t *testing.T) {
	a, err := NewAnalyzer(AnalyzerConfig{Collector: NewCollector(), Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.Minutes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no analysis tick within deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a.Stop()
	a.Stop() // idempotent
	if a.Running() {
		t.Fatalf("still running after Stop")
	}
}
