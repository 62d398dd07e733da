package warming

import (
	"fmt"
	"time"
)

// InvalidTaskError rejects a registration synchronously. Everything else the
// engine hits at runtime is counted and logged, never returned to callers.
type InvalidTaskError struct {
	Key    string
	Reason string
}

func (e *InvalidTaskError) Error() string {
	return fmt.Sprintf("invalid task %q: %s", e.Key, e.Reason)
}

type FetchTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *FetchTimeoutError) Error() string {
	return fmt.Sprintf("fetch %q timed out after %s", e.Key, e.Timeout)
}

type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type CacheWriteError struct {
	Key string
	Err error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("cache write %q: %v", e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }
