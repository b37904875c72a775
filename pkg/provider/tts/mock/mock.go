// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio segments to consumers and to verify
// which sentences and VoiceProfile were passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeFunc: func(sentence string) ([]byte, error) {
//	        return []byte("audio:" + sentence), nil
//	    },
//	}
//	audio, _ := p.Synthesize(ctx, "Correct.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/proctorlabs/vivace/pkg/provider/tts"
	"github.com/proctorlabs/vivace/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Sentence is the text passed to Synthesize.
	Sentence string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// CloneVoiceCall records a single invocation of CloneVoice.
type CloneVoiceCall struct {
	// Ctx is the context passed to CloneVoice.
	Ctx context.Context
	// Name is the requested voice name.
	Name string
	// Samples is a copy of the audio samples passed to CloneVoice.
	Samples [][]byte
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeAudio is returned by Synthesize when SynthesizeFunc is nil.
	SynthesizeAudio []byte

	// SynthesizeFunc, when set, computes the audio for each sentence. It takes
	// precedence over SynthesizeAudio and SynthesizeErr.
	SynthesizeFunc func(sentence string) ([]byte, error)

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// CloneVoiceResult is returned by CloneVoice. May be nil.
	CloneVoiceResult *types.VoiceProfile

	// CloneVoiceErr, if non-nil, is returned as the error from CloneVoice.
	CloneVoiceErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// CloneVoiceCalls records every call to CloneVoice in order.
	CloneVoiceCalls []CloneVoiceCall
}

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Sentence: sentence, Voice: voice})
	fn := p.SynthesizeFunc
	audio := p.SynthesizeAudio
	err := p.SynthesizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(sentence)
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// CloneVoice records the call and returns CloneVoiceResult, CloneVoiceErr.
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (*types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	samplesCopy := make([][]byte, len(samples))
	copy(samplesCopy, samples)
	p.CloneVoiceCalls = append(p.CloneVoiceCalls, CloneVoiceCall{Ctx: ctx, Name: name, Samples: samplesCopy})
	return p.CloneVoiceResult, p.CloneVoiceErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.CloneVoiceCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
