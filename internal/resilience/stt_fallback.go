package resilience

import (
	"context"

	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker. A typical deployment
// pairs a remote whisper server as primary with the in-process bindings as
// fallback, so a network blip does not drop a student's answer.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the utterance through the first healthy provider. If the
// primary fails, subsequent fallbacks are tried with the same audio.
func (f *STTFallback) Transcribe(ctx context.Context, audio stt.Audio) (*types.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (*types.Transcript, error) {
		return p.Transcribe(ctx, audio)
	})
}
