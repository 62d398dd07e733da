// Package metricswrap decorates an access tracker with Prometheus gauges and
// sampled hot-key logging.
package metricswrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	xx "github.com/cespare/xxhash/v2"

	mylog "github.com/stokercache/stoker/internal/logger"
	"github.com/stokercache/stoker/internal/observability"
	"github.com/stokercache/stoker/internal/tracker"
)

type WithMetrics struct {
	inner tracker.Interface
}

var logHotSample = getenvFloat("LOG_HOTKEY_SAMPLE", 0.01)

func getenvFloat(k string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

var _ tracker.Interface = (*WithMetrics)(nil)

func New(inner tracker.Interface) *WithMetrics {
	return &WithMetrics{inner: inner}
}

func (w *WithMetrics) Track(key string) {
	w.inner.Track(key)
	observability.SetTrackedKeysGauge(w.inner.Size())
}

func (w *WithMetrics) Recommend(key string) tracker.Recommendation {
	return w.inner.Recommend(key)
}

func (w *WithMetrics) PredictedHot(key string) bool {
	hot := w.inner.PredictedHot(key)
	if hot && shouldLog(logHotSample, key) {
		h := xx.Sum64String(key)
		l := mylog.Build(mylog.Config{Level: "info", Component: "tracker"}, nil)
		l.Info().
			Str("event", "predicted_hot").
			Str("key_hash", fmt.Sprintf("%08x", h)).
			Msg("key predicted hot")
	}
	return hot
}

// Consume marks a prediction as acted on, which is the one point where a hot
// key actually forced a warm.
func (w *WithMetrics) Consume(key string) {
	w.inner.Consume(key)
	observability.IncPredictedHot()
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	observability.SetTrackedKeysGauge(w.inner.Size())
}

func (w *WithMetrics) Size() int {
	return w.inner.Size()
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000 // 0.01 => 100/10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	h := xx.Sum64String(key)
	return (h % denom) < threshold
}
