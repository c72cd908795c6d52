package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider registered with a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// EntryStats reports lifetime call accounting for one entry of a
// [FallbackGroup], surfaced by [FallbackGroup.Stats] for the readiness and
// metrics endpoints to report which provider is actually serving traffic.
type EntryStats struct {
	Name    string
	State   State
	Calls   int64
	Failures int64
	Trips   int
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker and
// call counters.
type fallbackEntry[T any] struct {
	name     string
	value    T
	breaker  *CircuitBreaker
	calls    atomic.Int64
	failures atomic.Int64
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// FallbackGroup is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []*fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary registered as the
// first (highest-priority) entry. Additional fallbacks are registered via
// [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.register(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider, tried only once every
// higher-priority entry has failed or is circuit-open.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.register(name, fallback)
}

func (fg *FallbackGroup[T]) register(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, &fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Stats returns a per-entry snapshot in registration order, primary first.
func (fg *FallbackGroup[T]) Stats() []EntryStats {
	out := make([]EntryStats, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = EntryStats{
			Name:     e.name,
			State:    e.breaker.State(),
			Calls:    e.calls.Load(),
			Failures: e.failures.Load(),
			Trips:    e.breaker.Trips(),
		}
	}
	return out
}

// Execute tries fn against each entry in priority order until one succeeds.
// Circuit-open entries are skipped without counting as a call. Returns
// [ErrAllFailed] wrapped around the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry of fg in priority order until
// one succeeds, returning both the result and error. It is a package-level
// function, not a method, because Go does not support type parameters scoped
// to a single method.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for _, entry := range fg.entries {
		var result R
		err := entry.breaker.Execute(func() error {
			entry.calls.Add(1)
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}
		entry.failures.Add(1)
		slog.Warn("provider call failed, trying next entry", "provider", entry.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
