// Package store defines the storage contract the warming engine writes
// through. Adapters live in subpackages; the engine never sees a concrete
// store type.
package store

import (
	"context"
	"time"
)

type Interface interface {
	// Get returns the value and whether the key was present. A missing key
	// is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
