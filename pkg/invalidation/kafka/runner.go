// Package kafka consumes cache invalidation events from a Kafka topic and
// applies them to the store and the warming registry.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stokercache/stoker/internal/invalidation"
	"github.com/stokercache/stoker/internal/store"
)

// TaskIndex is the registry view the runner needs: the registered key
// universe for namespace fan-out, and staleness marking.
type TaskIndex interface {
	Keys() []string
	MarkStale(keys ...string) int
}

// TrackerResetter drops recorded access history for invalidated keys.
type TrackerResetter interface {
	Reset(keys ...string)
}

// Kicker wakes the warming scheduler ahead of its timer.
type Kicker interface {
	Kick()
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	store    store.Interface
	tasks    TaskIndex
	hot      TrackerResetter
	sched    Kicker
	ms       *metricSet
	ver      *seqDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger    *slog.Logger
	Register  prometheus.Registerer
	Tracker   TrackerResetter
	Scheduler Kicker
}

func New(cfg InvalidationConfig, st store.Interface, tasks TaskIndex, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		store:  st,
		tasks:  tasks,
		hot:    opts.Tracker,
		sched:  opts.Scheduler,
		ms:     newMetricSet(opts.Register),
		ver:    newSeqDedupe(8192),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.store == nil {
		return errors.New("kafka runner: store dependency is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true
	if r.cfg.TLS.Enable {
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = &tls.Config{InsecureSkipVerify: r.cfg.TLS.SkipVerify}
	}
	if r.cfg.SASL.Enable {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(r.cfg.SASL.Mechanism)
		cfg.Net.SASL.User = r.cfg.SASL.Username
		cfg.Net.SASL.Password = r.cfg.SASL.Password
	}

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		log: r.log,
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.ProcessOne,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// ProcessOne decodes and applies a single invalidation message.
func (r *Runner) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if err := ev.Validate(); err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
		return fmt.Errorf("validate: %w", err)
	}

	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	var registered []string
	if r.tasks != nil {
		registered = r.tasks.Keys()
	}
	targets := ev.TargetKeys(registered)

	// unsequenced events (seq 0) always apply; sequenced ones are filtered
	// per key so replays and reordered duplicates become no-ops
	if ev.Seq > 0 {
		kept := targets[:0]
		for _, k := range targets {
			if r.ver.shouldApply(k, ev.Seq) {
				kept = append(kept, k)
			} else {
				r.ms.apply.WithLabelValues("skip_seq").Inc()
			}
		}
		targets = kept
	}
	if len(targets) == 0 {
		return nil
	}

	switch ev.Op {
	case invalidation.OpDelete:
		if err := r.store.Del(ctx, targets...); err != nil {
			return fmt.Errorf("store del (%d keys): %w", len(targets), err)
		}
		if r.tasks != nil {
			r.tasks.MarkStale(targets...)
		}
		if r.hot != nil {
			r.hot.Reset(targets...)
		}
		r.ms.apply.WithLabelValues("delete").Add(float64(len(targets)))

	case invalidation.OpStale:
		marked := 0
		if r.tasks != nil {
			marked = r.tasks.MarkStale(targets...)
		}
		if marked == 0 {
			return nil
		}
		r.ms.apply.WithLabelValues("stale").Add(float64(marked))
	}

	if r.sched != nil {
		r.sched.Kick()
	}
	r.log.Debug("invalidation applied",
		"op", ev.Op, "keys", len(targets), "source", ev.Source)
	return nil
}

type groupHandler struct {
	log     *slog.Logger
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

// ConsumeClaim marks failed messages too. A malformed event must not wedge
// the partition behind it; the error counter carries the evidence.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil && h.log != nil {
			h.log.Error("invalidation message dropped",
				"err", err, "partition", msg.Partition, "offset", msg.Offset)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
