// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a whisper.cpp server, the
// whisper.cpp CGO bindings, or any compatible service) behind a single batch
// contract: one finalized utterance in, one transcript out. Utterance
// segmentation happens upstream in the ingest buffer, so providers never see
// partial audio and never need to emit interim results.
//
// Implementations must be safe for concurrent use; one provider instance is
// shared by all exam sessions.
package stt

import (
	"context"

	"github.com/proctorlabs/vivace/pkg/types"
)

// Audio is one finalized utterance handed to a provider for transcription.
// The PCM data is 16-bit signed little-endian.
type Audio struct {
	// PCM is the raw audio payload.
	PCM []byte

	// SampleRate is the audio sample rate in Hz (16000 for STT-optimised mono).
	SampleRate int

	// Channels is the number of audio channels. Most engines require mono;
	// implementors may downmix internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en").
	// An empty string lets the provider auto-detect, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
//
// Transcribe converts one finalized utterance into text plus per-segment
// timing and confidence. An unreachable engine must surface
// [types.ErrTranscriptionUnavailable] (wrapped) — never an empty transcript —
// so the coordinator can prompt the student to repeat rather than silently
// grading silence.
type Provider interface {
	// Transcribe runs batch recognition over audio and returns the transcript.
	// Implementations must respect ctx cancellation and deadlines; a deadline
	// hit is reported as the provider's failure kind.
	Transcribe(ctx context.Context, audio Audio) (*types.Transcript, error)
}
