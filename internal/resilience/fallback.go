package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig is the circuit-breaker template applied to each backend
// added to a [FallbackGroup]. The entry's name overrides cfg.CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// entry pairs one backend with its own breaker so a dead primary does not
// poison the health accounting of its fallbacks.
type entry[T any] struct {
	name    string
	backend T
	breaker *CircuitBreaker
}

// FallbackGroup chains several backends of one provider kind (STT engines,
// LLMs, synthesis voices) in priority order. A call walks the chain until a
// backend answers; open-breaker entries are skipped without being called.
//
// FallbackGroup is safe for concurrent use once assembled. AddFallback is not
// safe to race with Execute; wire the chain up before serving sessions.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first backend tried.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a backend behind everything registered so far.
func (fg *FallbackGroup[T]) AddFallback(name string, backend T) {
	fg.add(name, backend)
}

func (fg *FallbackGroup[T]) add(name string, backend T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, entry[T]{
		name:    name,
		backend: backend,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute walks the chain with fn until a backend succeeds. Returns
// [ErrAllFailed] wrapping the last failure when none does.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(backend T) (struct{}, error) {
		return struct{}{}, fn(backend)
	})
	return err
}

// ExecuteWithResult walks the chain with fn until a backend succeeds,
// returning that backend's result. A package-level function because Go has no
// method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		e := &fg.entries[i]

		var result R
		err := e.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(e.backend)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, breaker open", "backend", e.name)
		} else {
			slog.Warn("backend failed, failing over", "backend", e.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
