// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled Transcript values to the pipeline and to
// verify which audio was submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcript: &types.Transcript{Text: "a binary tree", Confidence: 0.9},
//	}
//	tr, _ := p.Transcribe(ctx, audio)
package mock

import (
	"context"
	"sync"

	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the utterance passed to Transcribe. PCM is a copy.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err to inject failures.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by Transcribe. May be nil (returns nil, nil).
	Transcript *types.Transcript

	// Transcripts, when non-empty, is consumed one element per call before
	// falling back to Transcript. Useful for multi-turn tests.
	Transcripts []*types.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the next configured transcript.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (*types.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pcm := make([]byte, len(audio.PCM))
	copy(pcm, audio.PCM)
	rec := audio
	rec.PCM = pcm
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: rec})

	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Transcripts) > 0 {
		tr := p.Transcripts[0]
		p.Transcripts = p.Transcripts[1:]
		return tr, nil
	}
	return p.Transcript, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
