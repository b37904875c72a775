package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/proctorlabs/vivace/pkg/provider/stt"
	sttmock "github.com/proctorlabs/vivace/pkg/provider/stt/mock"
	"github.com/proctorlabs/vivace/pkg/types"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{
		Transcript: &types.Transcript{Text: "a red-black tree", Confidence: 0.92},
	}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Audio{
		PCM:        []byte{0, 1, 2, 3},
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "a red-black tree" {
		t.Fatalf("text = %q, want 'a red-black tree'", tr.Text)
	}
	if len(primary.TranscribeCalls) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.TranscribeCalls))
	}
	if len(secondary.TranscribeCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.TranscribeCalls))
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{
		Err: errors.New("primary down"),
	}
	secondary := &sttmock.Provider{
		Transcript: &types.Transcript{Text: "from the fallback engine"},
	}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), stt.Audio{
		PCM:        []byte{0, 1},
		SampleRate: 16000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "from the fallback engine" {
		t.Fatalf("text = %q, want fallback transcript", tr.Text)
	}
	if len(secondary.TranscribeCalls) != 1 {
		t.Fatalf("secondary called %d times, want 1", len(secondary.TranscribeCalls))
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	secondary := &sttmock.Provider{Err: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), stt.Audio{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
