// Package memstore is the in-process store tier: an LRU bounded by entry
// count with lazy per-entry TTL expiry.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stokercache/stoker/internal/store"
)

type entry struct {
	val       []byte
	expiresAt time.Time
}

type Option func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOnEvict installs a hook called for every capacity eviction. Expiry
// removals and explicit deletes do not count.
func WithOnEvict(fn func(key string)) Option {
	return func(s *Store) { s.onEvict = fn }
}

type Store struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, entry]
	bytes    int64
	removing bool
	now      func() time.Time
	onEvict  func(key string)
}

var _ store.Interface = (*Store)(nil)

func New(maxEntries int, opts ...Option) (*Store, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("memstore: maxEntries must be > 0, got %d", maxEntries)
	}
	s := &Store{now: time.Now}
	for _, f := range opts {
		f(s)
	}

	c, err := lru.NewWithEvict(maxEntries, func(key string, e entry) {
		// runs under s.mu: every lru call site holds it
		s.bytes -= int64(len(e.val))
		if !s.removing && s.onEvict != nil {
			s.onEvict(key)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	s.lru = c
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		s.removing = true
		s.lru.Remove(key)
		s.removing = false
		return nil, false, nil
	}
	return e.val, true, nil
}

func (s *Store) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	if old, ok := s.lru.Peek(key); ok {
		s.bytes -= int64(len(old.val))
	}
	s.bytes += int64(len(val))
	s.lru.Add(key, entry{val: val, expiresAt: exp})
	return nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removing = true
	for _, k := range keys {
		s.lru.Remove(k)
	}
	s.removing = false
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
