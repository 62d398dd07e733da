// Package warming implements the adaptive cache warming engine: a task
// registry, traffic-session strategy resolution and the refresh scheduler
// that keeps hot keys filled ahead of demand.
package warming

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FetchFunc produces the bytes to cache for one task. Implementations must
// honor ctx; the scheduler always calls through a deadline.
type FetchFunc func(ctx context.Context, params map[string]string) ([]byte, error)

// Priority orders tasks within a cycle. Lower is more urgent.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
	Background
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= Critical && p <= Background
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return Critical, nil
	case "high":
		return High, nil
	case "medium":
		return Medium, nil
	case "low":
		return Low, nil
	case "background":
		return Background, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Task is one warmable cache entry. The registry owns the struct; stats
// fields are only mutated through registry methods.
type Task struct {
	Key      string
	Priority Priority
	Fetch    FetchFunc
	Params   map[string]string
	TTL      time.Duration

	LastWarmedAt   time.Time
	WarmCount      uint64
	ErrorCount     uint64
	AvgFetchTimeMs float64
}

// staleAfter is the fraction of the TTL after which a task is due again.
const staleAfter = 0.8

// emaAlpha smooths per-task fetch time and engine cycle time.
const emaAlpha = 0.1

func ema(cur, sample float64, seeded bool) float64 {
	if !seeded {
		return sample
	}
	return emaAlpha*sample + (1-emaAlpha)*cur
}
