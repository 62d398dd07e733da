// Package blend scores warm tasks by a weighted blend of access frequency,
// volatility, confluence and recency.
package blend

import (
	"github.com/stokercache/stoker/internal/warming"
	"github.com/stokercache/stoker/pkg/priority"
)

// Band cut lines on the normalized blended score.
const (
	criticalCut = 0.8
	highCut     = 0.6
	mediumCut   = 0.4
	lowCut      = 0.2
)

type Config struct {
	Weights priority.Weights
}

type Scorer struct {
	w    priority.Weights
	view priority.SignalView
}

var _ warming.Scorer = (*Scorer)(nil)

func New(cfg Config, view priority.SignalView) *Scorer {
	w := cfg.Weights
	total := w.Sum()
	if total <= 0 {
		w = priority.DefaultWeights
		total = w.Sum()
	}
	w.Frequency /= total
	w.Volatility /= total
	w.Confluence /= total
	w.Recency /= total
	return &Scorer{w: w, view: view}
}

// Score blends the view's signals into a warm priority. It has no opinion
// for keys without in-window activity, and none below the low band, so a
// task's registered priority stands unless the evidence clears it.
func (s *Scorer) Score(key string) (warming.Priority, bool) {
	if s.view == nil {
		return 0, false
	}
	f := clamp01(s.view.Frequency(key))
	rec := clamp01(s.view.Recency(key))
	if f == 0 && rec == 0 {
		return 0, false
	}
	v := clamp01(s.view.Volatility(key))
	c := clamp01(s.view.Confluence(key))

	score := s.w.Frequency*f + s.w.Volatility*v + s.w.Confluence*c + s.w.Recency*rec
	switch {
	case score >= criticalCut:
		return warming.Critical, true
	case score >= highCut:
		return warming.High, true
	case score >= mediumCut:
		return warming.Medium, true
	case score >= lowCut:
		return warming.Low, true
	default:
		return 0, false
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
