// Package resilience shields the turn pipeline from flaky speech and
// language backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops the pipeline from queueing students behind a backend that is already
// down. [FallbackGroup] chains several backends of one kind behind per-entry
// breakers so a tripped primary is bypassed in favour of a healthy fallback.
// [STTFallback], [LLMFallback], and [TTSFallback] are the typed chains the
// coordinator plugs into its transcription, generation, and synthesis stages.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls without touching the backend.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards every call to the backend.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures; left once the reset timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls to test whether
	// the backend has recovered.
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

// CircuitBreakerConfig tunes one [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the backend in log output (e.g. "whisper", "elevenlabs").
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before
	// probing again. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful
	// probes required to close again. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker guards calls to one backend. Safe for concurrent use.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	probes   int       // calls admitted in the current half-open window
	healthy  int       // successful probes in the current half-open window
}

// NewCircuitBreaker creates a closed breaker, filling zero config fields with
// the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is rejecting calls, and feeds the
// outcome back into the breaker's state.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(err == nil, probing)
	return err
}

// admit decides whether a call may proceed, moving an open breaker to
// half-open once the reset timeout has elapsed. The bool reports whether the
// call counts against the half-open probe budget.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.healthy = 0
		slog.Info("backend breaker half-open, probing", "backend", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records a call's outcome and drives the state transitions.
func (cb *CircuitBreaker) settle(ok, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case probing && !ok:
		// One failed probe is enough evidence the backend is still down.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.failures = cb.maxFailures
		slog.Warn("backend breaker re-opened", "backend", cb.name)
	case probing:
		cb.healthy++
		if cb.healthy >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("backend recovered, breaker closed", "backend", cb.name)
		}
	case !ok:
		cb.failures++
		if cb.failures >= cb.maxFailures && cb.state == StateClosed {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			slog.Warn("backend breaker opened",
				"backend", cb.name,
				"consecutive_failures", cb.failures)
		}
	default:
		cb.failures = 0
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reads as half-open; the stored state catches up on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.healthy = 0
	slog.Info("backend breaker manually reset", "backend", cb.name)
}
