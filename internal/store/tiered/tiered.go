// Package tiered chains cache stores into a read-through, write-through
// hierarchy: lookups fall through the layers in order and hits are promoted
// back up with a short TTL.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stokercache/stoker/internal/health"
	"github.com/stokercache/stoker/internal/store"
)

const defaultPromoteTTL = 30 * time.Second

// Recorder receives one access record per logical lookup plus tier errors
// and size updates. The health collector implements it.
type Recorder interface {
	RecordAccess(key string, tier health.Tier, latencyMs float64, hit bool)
	RecordError(tier health.Tier)
	UpdateSize(tier health.Tier, bytes, items int64)
}

// AccessTracker sees every lookup key, hit or miss.
type AccessTracker interface {
	Track(key string)
}

// Sizer is implemented by layers that can report their footprint.
type Sizer interface {
	Len() int
	Bytes() int64
}

type Layer struct {
	Tier  health.Tier
	Store store.Interface
}

type Option func(*Store)

func WithPromoteTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.promote = d
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Store) { s.rec = r }
}

func WithTracker(tr AccessTracker) Option {
	return func(s *Store) { s.tracker = tr }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store fans reads and writes across the configured layers, fastest first.
type Store struct {
	layers  []Layer
	promote time.Duration
	rec     Recorder
	tracker AccessTracker
	logger  *slog.Logger
}

var _ store.Interface = (*Store)(nil)

func New(layers []Layer, opts ...Option) (*Store, error) {
	if len(layers) == 0 {
		return nil, errors.New("tiered: at least one layer is required")
	}
	for i, l := range layers {
		if l.Store == nil {
			return nil, fmt.Errorf("tiered: layer %d (%s) has no store", i, l.Tier)
		}
	}
	s := &Store{
		layers:  layers,
		promote: defaultPromoteTTL,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, f := range opts {
		f(s)
	}
	return s, nil
}

// Get probes the layers in order. A hit anywhere is copied into every faster
// layer with the promote TTL. One access record is emitted per call: the hit
// tier, or a global miss after the last layer.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if s.tracker != nil {
		s.tracker.Track(key)
	}

	start := time.Now()
	for i, layer := range s.layers {
		val, ok, err := layer.Store.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, err
			}
			s.recordError(layer.Tier)
			s.logger.Warn("tier read failed", "tier", string(layer.Tier), "key", key, "err", err)
			continue
		}
		if ok {
			s.recordAccess(key, layer.Tier, msSince(start), true)
			s.promoteUp(ctx, key, val, i)
			return val, true, nil
		}
	}

	s.recordAccess(key, s.layers[len(s.layers)-1].Tier, msSince(start), false)
	return nil, false, nil
}

// Set writes through every layer with the same TTL. Layer failures are
// joined, but a slow tier never blocks the faster ones from being written.
func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	var errs []error
	for _, layer := range s.layers {
		if err := layer.Store.Set(ctx, key, val, ttl); err != nil {
			s.recordError(layer.Tier)
			errs = append(errs, fmt.Errorf("%s: %w", layer.Tier, err))
		}
	}
	s.reportSizes()
	return errors.Join(errs...)
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	var errs []error
	for _, layer := range s.layers {
		if err := layer.Store.Del(ctx, keys...); err != nil {
			s.recordError(layer.Tier)
			errs = append(errs, fmt.Errorf("%s: %w", layer.Tier, err))
		}
	}
	s.reportSizes()
	return errors.Join(errs...)
}

func (s *Store) promoteUp(ctx context.Context, key string, val []byte, hitIdx int) {
	for j := range hitIdx {
		layer := s.layers[j]
		if err := layer.Store.Set(ctx, key, val, s.promote); err != nil {
			s.recordError(layer.Tier)
			s.logger.Warn("promote failed", "tier", string(layer.Tier), "key", key, "err", err)
		}
	}
	if hitIdx > 0 {
		s.reportSizes()
	}
}

func (s *Store) reportSizes() {
	if s.rec == nil {
		return
	}
	for _, layer := range s.layers {
		if sz, ok := layer.Store.(Sizer); ok {
			s.rec.UpdateSize(layer.Tier, sz.Bytes(), int64(sz.Len()))
		}
	}
}

func (s *Store) recordAccess(key string, tier health.Tier, latencyMs float64, hit bool) {
	if s.rec != nil {
		s.rec.RecordAccess(key, tier, latencyMs, hit)
	}
}

func (s *Store) recordError(tier health.Tier) {
	if s.rec != nil {
		s.rec.RecordError(tier)
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
