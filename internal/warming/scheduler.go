package warming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/stokercache/stoker/internal/observability"
	"github.com/stokercache/stoker/internal/store"
)

// Scorer re-scores task priorities between cycles. Implementations return
// ok=false when they have no signal for the key.
type Scorer interface {
	Score(key string) (Priority, bool)
}

// EventSink receives a summary after every completed cycle. Publish must not
// block the warming loop.
type EventSink interface {
	PublishCycle(ev CycleEvent)
}

type CycleEvent struct {
	Session    string    `json:"session"`
	Due        int       `json:"due"`
	Warmed     int       `json:"warmed"`
	Failed     int       `json:"failed"`
	DurationMs float64   `json:"duration_ms"`
	At         time.Time `json:"at"`
}

// backoff after a recovered cycle panic, so a poisoned fetch cannot spin the
// loop hot
const panicBackoff = 30 * time.Second

type SchedulerConfig struct {
	Registry *Registry
	Store    store.Interface
	Resolver *Resolver

	// FetchTimeout bounds every Fetch call. Required.
	FetchTimeout time.Duration
	// WriteTimeout bounds every store write. Defaults to 250ms.
	WriteTimeout time.Duration

	Logger *slog.Logger
	Hot    HotPredictor
	Scorer Scorer
	Events EventSink
	Now    func() time.Time
}

// Scheduler runs the warming loop: resolve session, select due tasks, warm
// them in bounded batches, sleep until the next cycle.
type Scheduler struct {
	logger   *slog.Logger
	registry *Registry
	store    store.Interface
	resolver *Resolver

	fetchTimeout time.Duration
	writeTimeout time.Duration

	hot    HotPredictor
	scorer Scorer
	events EventSink

	now func() time.Time

	kick chan struct{}

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	totalWarmed uint64
	totalErrors uint64
	cycles      uint64
	avgCycleMs  float64
	lastCycleAt time.Time
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("warming: registry is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("warming: store is required")
	}
	if cfg.FetchTimeout <= 0 {
		return nil, fmt.Errorf("warming: fetch timeout must be > 0, got %s", cfg.FetchTimeout)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NewResolver(nil)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		logger:       cfg.Logger,
		registry:     cfg.Registry,
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		fetchTimeout: cfg.FetchTimeout,
		writeTimeout: cfg.WriteTimeout,
		hot:          cfg.Hot,
		scorer:       cfg.Scorer,
		events:       cfg.Events,
		now:          cfg.Now,
		kick:         make(chan struct{}, 1),
	}, nil
}

// Start launches the warming loop. Starting a running scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("warming scheduler already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to drain. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// Kick wakes the scheduler before its timer fires, e.g. after an
// invalidation marks tasks stale. Coalesces when a kick is already pending.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.Info("warming scheduler started")
	for {
		interval := s.runCycleSafe(ctx)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("warming scheduler stopped")
			return
		case <-s.kick:
			t.Stop()
		case <-t.C:
		}
	}
}

// runCycleSafe confines a panicking cycle: log it and retreat for a fixed
// backoff instead of taking the process down.
func (s *Scheduler) runCycleSafe(ctx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("warming cycle panic",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			next = panicBackoff
		}
	}()
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) time.Duration {
	start := s.now()
	session := s.resolver.CurrentSession(start)
	strat := s.resolver.StrategyFor(session)

	if s.scorer != nil {
		s.rescore()
	}

	due := s.registry.TasksDue(strat, start)

	warmed, failed := 0, 0
	if len(due) > 0 {
		bs := strat.BatchSize
		if bs <= 0 {
			bs = 1
		}
		for batch := range slices.Chunk(due, bs) {
			w, f := s.warmBatch(ctx, batch, strat.ConcurrentWarmers)
			warmed += w
			failed += f
			if ctx.Err() != nil {
				break
			}
		}
	}

	dur := s.now().Sub(start)
	s.recordCycle(warmed, failed, dur, start)
	observability.ObserveWarmCycle(string(session), dur.Seconds(), len(due))

	if len(due) > 0 || failed > 0 {
		s.logger.Info("warming cycle complete",
			"session", string(session),
			"due", len(due), "warmed", warmed, "failed", failed,
			"dur", dur.String())
	}
	if s.events != nil {
		s.events.PublishCycle(CycleEvent{
			Session:    string(session),
			Due:        len(due),
			Warmed:     warmed,
			Failed:     failed,
			DurationMs: float64(dur) / float64(time.Millisecond),
			At:         start,
		})
	}
	return strat.RefreshInterval
}

func (s *Scheduler) warmBatch(ctx context.Context, batch []*Task, workers int) (warmed, failed int) {
	if workers <= 0 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	jobs := make(chan *Task, len(batch))
	results := make(chan error, len(batch))

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for t := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				err := s.warmTaskSafe(ctx, t)
				select {
				case results <- err:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for _, t := range batch {
		jobs <- t
	}
	close(jobs)
	wg.Wait()
	close(results)

	for err := range results {
		if err != nil {
			failed++
		} else {
			warmed++
		}
	}
	return warmed, failed
}

// warmTaskSafe confines a panicking fetch to its own task: workers run on
// separate goroutines, so the cycle-level recover cannot reach them.
func (s *Scheduler) warmTaskSafe(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.registry.recordFailure(t.Key)
			observability.ObserveWarmTask("panic")
			s.logger.Error("warm task panic",
				"task_key", t.Key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("task %q panicked: %v", t.Key, r)
		}
	}()
	return s.warmTask(ctx, t)
}

// warmTask runs one fetch+write. Failures are counted and logged, never
// propagated beyond the batch accounting.
func (s *Scheduler) warmTask(ctx context.Context, t *Task) error {
	fetchStart := s.now()
	body, err := s.fetch(ctx, t)
	fetchMs := float64(s.now().Sub(fetchStart)) / float64(time.Millisecond)
	if err != nil {
		s.registry.recordFailure(t.Key)
		result := "fetch_error"
		var te *FetchTimeoutError
		if errors.As(err, &te) {
			result = "fetch_timeout"
		}
		observability.ObserveWarmTask(result)
		s.logger.Warn("warm fetch failed", "task_key", t.Key, "err", err)
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	err = s.store.Set(wctx, t.Key, body, t.TTL)
	cancel()
	if err != nil {
		werr := &CacheWriteError{Key: t.Key, Err: err}
		s.registry.recordFailure(t.Key)
		observability.ObserveWarmTask("write_error")
		s.logger.Warn("warm write failed", "task_key", t.Key, "err", werr)
		return werr
	}

	s.registry.recordSuccess(t.Key, s.now(), fetchMs)
	if s.hot != nil {
		s.hot.Consume(t.Key)
	}
	observability.ObserveWarmTask("warmed")
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, t *Task) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	body, err := t.Fetch(fctx, t.Params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &FetchTimeoutError{Key: t.Key, Timeout: s.fetchTimeout}
		}
		return nil, &FetchError{Key: t.Key, Err: err}
	}
	return body, nil
}

// WarmCritical synchronously warms every critical task regardless of
// staleness, bounded by the current strategy. Used before expected load
// spikes.
func (s *Scheduler) WarmCritical(ctx context.Context) CycleSummary {
	start := s.now()
	strat := s.resolver.StrategyFor(s.resolver.CurrentSession(start))
	tasks := s.registry.Critical()

	warmed, failed := 0, 0
	if len(tasks) > 0 {
		bs := strat.BatchSize
		if bs <= 0 {
			bs = 1
		}
		for batch := range slices.Chunk(tasks, bs) {
			w, f := s.warmBatch(ctx, batch, strat.ConcurrentWarmers)
			warmed += w
			failed += f
			if ctx.Err() != nil {
				break
			}
		}
	}

	s.mu.Lock()
	s.totalWarmed += uint64(warmed)
	s.totalErrors += uint64(failed)
	s.mu.Unlock()

	s.logger.Info("critical warm complete",
		"attempted", len(tasks), "warmed", warmed, "failed", failed,
		"dur", s.now().Sub(start).String())
	return CycleSummary{Attempted: len(tasks), Warmed: warmed, Failed: failed}
}

func (s *Scheduler) rescore() {
	for _, ts := range s.registry.Snapshot() {
		if p, ok := s.scorer.Score(ts.Key); ok {
			s.registry.SetPriority(ts.Key, p)
		}
	}
}

func (s *Scheduler) recordCycle(warmed, failed int, dur time.Duration, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalWarmed += uint64(warmed)
	s.totalErrors += uint64(failed)
	s.avgCycleMs = ema(s.avgCycleMs, float64(dur)/float64(time.Millisecond), s.cycles > 0)
	s.cycles++
	s.lastCycleAt = at
}
