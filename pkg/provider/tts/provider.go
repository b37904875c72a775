// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis engine (a Coqui XTTS server,
// ElevenLabs, or similar) behind a per-sentence batch contract: one complete
// sentence in, one playable audio segment out. Ordering of segments within an
// interviewer utterance is the synthesis stage's responsibility, not the
// provider's — providers may be called concurrently for different sentences.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/proctorlabs/vivace/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts one finalized sentence into a playable audio segment
	// (16-bit little-endian mono PCM) in the given voice. An unreachable
	// engine must surface [types.ErrSynthesisUnavailable] (wrapped) so the
	// caller can degrade to text-only delivery.
	//
	// Implementations must respect ctx cancellation; a barge-in cancels all
	// in-flight synthesis calls for the interrupted utterance.
	Synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// CloneVoice creates a new voice profile by training on the supplied audio
	// samples. Each element of samples must be a provider-supported encoded
	// format (typically WAV).
	//
	// This is an expensive operation and should not be called in the hot path;
	// the examiner voice is cloned once at deployment time. A nil or empty
	// samples slice should return an error rather than panic.
	CloneVoice(ctx context.Context, name string, samples [][]byte) (*types.VoiceProfile, error)
}
