// Package priority defines the pluggable scoring surface for warm-task
// priorities.
package priority

// SignalView exposes normalized per-key scoring inputs, each in [0, 1].
// Implementations return 0 for keys they hold no data on.
type SignalView interface {
	Frequency(key string) float64
	Volatility(key string) float64
	Confluence(key string) float64
	Recency(key string) float64
}

// Weights blends the four signals. They are normalized by consumers, so only
// the relative magnitudes matter.
type Weights struct {
	Frequency  float64
	Volatility float64
	Confluence float64
	Recency    float64
}

func (w Weights) Sum() float64 {
	return w.Frequency + w.Volatility + w.Confluence + w.Recency
}

var DefaultWeights = Weights{
	Frequency:  0.4,
	Volatility: 0.3,
	Confluence: 0.2,
	Recency:    0.1,
}
