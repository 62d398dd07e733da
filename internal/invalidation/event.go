// Package invalidation defines the cache invalidation event consumed from
// the message bus.
package invalidation

import (
	"fmt"
	"strings"
	"time"
)

const (
	// OpDelete drops the cached values and forces a re-warm.
	OpDelete = "delete"
	// OpStale keeps the cached values but marks the warming tasks stale, so
	// they refresh next cycle.
	OpStale = "stale"
)

// Event targets explicit keys, a whole namespace, or both. Seq orders events
// per key for idempotent replay; 0 means the producer does not sequence.
type Event struct {
	Version   int       `json:"version"`
	Op        string    `json:"op"`
	Keys      []string  `json:"keys,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	TS        time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case OpDelete, OpStale:
	default:
		return fmt.Errorf("op must be delete|stale")
	}
	hasKeys := false
	for _, k := range e.Keys {
		if strings.TrimSpace(k) != "" {
			hasKeys = true
			break
		}
	}
	if !hasKeys && strings.TrimSpace(e.Namespace) == "" {
		return fmt.Errorf("keys or namespace is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}

// TargetKeys resolves the concrete key set: the explicit keys plus every
// registered key under the namespace. registered may be nil.
func (e Event) TargetKeys(registered []string) []string {
	seen := make(map[string]struct{}, len(e.Keys))
	var out []string
	add := func(k string) {
		if k == "" {
			return
		}
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range e.Keys {
		add(strings.TrimSpace(k))
	}
	if ns := strings.TrimSpace(e.Namespace); ns != "" {
		prefix := ns + ":"
		for _, k := range registered {
			if strings.HasPrefix(k, prefix) {
				add(k)
			}
		}
	}
	return out
}
