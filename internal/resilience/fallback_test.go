package resilience

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// sttEngine is a minimal stand-in for a transcription backend: it either
// returns its canned transcript or its configured error.
type sttEngine struct {
	name       string
	transcript string
	err        error
}

func (e *sttEngine) transcribe() (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return e.transcript, nil
}

func newSTTChain(remote, native *sttEngine, cbCfg CircuitBreakerConfig) *FallbackGroup[*sttEngine] {
	fg := NewFallbackGroup(remote, "whisper", FallbackConfig{CircuitBreaker: cbCfg})
	fg.AddFallback("whisper-native", native)
	return fg
}

func TestFallbackGroup_PrimaryServes(t *testing.T) {
	remote := &sttEngine{name: "whisper", transcript: "a deadlock needs four conditions"}
	native := &sttEngine{name: "whisper-native", transcript: "never reached"}
	fg := newSTTChain(remote, native, CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, (*sttEngine).transcribe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "a deadlock needs four conditions" {
		t.Fatalf("transcript = %q, want the remote engine's result", got)
	}
}

func TestFallbackGroup_FailsOverToNativeEngine(t *testing.T) {
	remote := &sttEngine{name: "whisper", err: errBackendDown}
	native := &sttEngine{name: "whisper-native", transcript: "paging splits memory into frames"}
	fg := newSTTChain(remote, native, CircuitBreakerConfig{MaxFailures: 3})

	got, err := ExecuteWithResult(fg, (*sttEngine).transcribe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "paging splits memory into frames" {
		t.Fatalf("transcript = %q, want the native engine's result", got)
	}
}

func TestFallbackGroup_AllBackendsDown(t *testing.T) {
	remote := &sttEngine{name: "whisper", err: errBackendDown}
	native := &sttEngine{name: "whisper-native", err: errors.New("model file missing")}
	fg := newSTTChain(remote, native, CircuitBreakerConfig{MaxFailures: 3})

	_, err := ExecuteWithResult(fg, (*sttEngine).transcribe)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !strings.Contains(err.Error(), "model file missing") {
		t.Errorf("error should carry the last backend failure, got: %v", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	remote := &sttEngine{name: "whisper", err: errBackendDown}
	native := &sttEngine{name: "whisper-native", transcript: "ok"}
	fg := newSTTChain(remote, native, CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	// Trip the remote engine's breaker.
	for i := 0; i < 2; i++ {
		if _, err := ExecuteWithResult(fg, (*sttEngine).transcribe); err != nil {
			t.Fatalf("failover call %d: %v", i, err)
		}
	}

	// The remote engine recovers, but its breaker is still open: the chain
	// must reach the native engine without touching it.
	remote.err = nil
	remote.transcript = "should not be served yet"
	got, err := ExecuteWithResult(fg, (*sttEngine).transcribe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("transcript = %q, want the native engine's (primary breaker open)", got)
	}
}

func TestExecute_WalksChainWithoutResult(t *testing.T) {
	remote := &sttEngine{name: "whisper", err: errBackendDown}
	native := &sttEngine{name: "whisper-native"}
	fg := newSTTChain(remote, native, CircuitBreakerConfig{MaxFailures: 3})

	var served string
	err := fg.Execute(func(e *sttEngine) error {
		if e.err != nil {
			return e.err
		}
		served = e.name
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if served != "whisper-native" {
		t.Fatalf("served by %q, want whisper-native", served)
	}
}

func TestExecute_AllFail(t *testing.T) {
	remote := &sttEngine{name: "whisper", err: errBackendDown}
	fg := NewFallbackGroup(remote, "whisper", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	err := fg.Execute(func(e *sttEngine) error { return e.err })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
