// Package resilience provides circuit breaker and provider failover primitives
// for the turn engine's outbound calls to LLM, STT, and TTS providers.
//
// The central type is [CircuitBreaker], a three-state breaker (closed → open →
// half-open) that stops the orchestrator from hammering a provider that is
// already failing. [FallbackGroup] composes multiple instances of a provider
// type, each behind its own breaker, so a tripped primary is bypassed in
// favor of the next healthy entry without the caller needing to know.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is
// tripped and the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call to the wrapped function.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the cooldown
	// window elapses.
	StateOpen

	// StateHalfOpen allows a bounded number of probe calls through after the
	// cooldown. Enough consecutive successes close the breaker; any failure
	// re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values fall back to
// the defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log output, e.g. "llm:openai" or "stt:deepgram".
	Name string

	// MaxFailures is the number of consecutive failures tolerated in the
	// closed state before the breaker trips open. Default 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting probe
	// calls again. Default 30s.
	Cooldown time.Duration

	// ProbeBudget caps how many calls are admitted per half-open window.
	// Default 3.
	ProbeBudget int

	// CloseThreshold is how many of those probe calls must succeed,
	// consecutively, before the breaker closes. Clamped to ProbeBudget if
	// larger. Default equals ProbeBudget.
	CloseThreshold int
}

// CircuitBreaker is a three-state breaker guarding a single upstream
// dependency. Safe for concurrent use.
type CircuitBreaker struct {
	name           string
	maxFailures    int
	cooldown       time.Duration
	probeBudget    int
	closeThreshold int

	mu           sync.Mutex
	state        State
	failStreak   int
	trippedAt    time.Time
	probesIssued int
	probeStreak  int
	trips        int
}

// NewCircuitBreaker builds a breaker from cfg, applying defaults to any
// zero-valued field.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	if cfg.CloseThreshold <= 0 || cfg.CloseThreshold > cfg.ProbeBudget {
		cfg.CloseThreshold = cfg.ProbeBudget
	}
	return &CircuitBreaker{
		name:           cfg.Name,
		maxFailures:    cfg.MaxFailures,
		cooldown:       cfg.Cooldown,
		probeBudget:    cfg.ProbeBudget,
		closeThreshold: cfg.CloseThreshold,
		state:          StateClosed,
	}
}

// Execute runs fn if the breaker currently admits calls. It returns
// [ErrCircuitOpen] without invoking fn when the breaker is open, or when the
// half-open probe budget for the current window is exhausted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	admitted, probing := cb.admit()
	if !admitted {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(probing)
	} else {
		cb.onSuccess(probing)
	}
	return err
}

// admit decides whether a call may proceed, transitioning open→half-open on
// cooldown expiry. The bool return reports whether the call counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (admitted, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.trippedAt) < cb.cooldown {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probesIssued = 0
		cb.probeStreak = 0
		slog.Info("circuit breaker entering half-open window", "breaker", cb.name)
		fallthrough

	case StateHalfOpen:
		if cb.probesIssued >= cb.probeBudget {
			return false, false
		}
		cb.probesIssued++
		return true, true
	}

	return true, false
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(wasProbe bool) {
	if wasProbe {
		cb.trip("half-open probe failed")
		return
	}
	cb.failStreak++
	if cb.failStreak >= cb.maxFailures {
		cb.trip("consecutive failure threshold reached")
	}
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(wasProbe bool) {
	if !wasProbe {
		cb.failStreak = 0
		return
	}
	cb.probeStreak++
	if cb.probeStreak >= cb.closeThreshold {
		slog.Info("circuit breaker closed after clean probe streak", "breaker", cb.name, "streak", cb.probeStreak)
		cb.state = StateClosed
		cb.failStreak = 0
		cb.probesIssued = 0
		cb.probeStreak = 0
	}
}

// trip moves the breaker to open. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip(reason string) {
	cb.state = StateOpen
	cb.trippedAt = time.Now()
	cb.trips++
	slog.Warn("circuit breaker tripped", "breaker", cb.name, "reason", reason, "lifetime_trips", cb.trips)
}

// State reports the breaker's current state. If it is open and the cooldown
// has elapsed this returns [StateHalfOpen] even though the transition itself
// only happens inside the next [Execute] call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.trippedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Trips returns the lifetime count of closed→open transitions, useful for
// exporting as a provider-health metric alongside [observe.Metrics].
func (cb *CircuitBreaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// Reset forces the breaker back to [StateClosed] and clears all counters,
// used by admin tooling to manually recover a provider after an operator
// confirms it is healthy again.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failStreak = 0
	cb.probesIssued = 0
	cb.probeStreak = 0
	slog.Info("circuit breaker manually reset", "breaker", cb.name)
}
