// Package tracker turns per-key access patterns into cache TTL and warming
// priority recommendations.
package tracker

import (
	"time"

	"github.com/stokercache/stoker/internal/warming"
)

// Recommendation is the tracker's advice for one key.
type Recommendation struct {
	TTL      time.Duration
	Priority warming.Priority
}

type Interface interface {
	Track(key string)
	Recommend(key string) Recommendation
	PredictedHot(key string) bool
	Consume(key string)
	Reset(keys ...string)
	Size() int
}
