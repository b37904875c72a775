// Package ingest accumulates streamed student audio into finalized utterances.
//
// The central type is [Buffer], one per exam session. Clients submit audio in
// small sequence-numbered chunks; the buffer concatenates them in order and
// decides when the student has finished speaking, either from an explicit
// end-of-utterance flag or from a run of sub-threshold energy lasting longer
// than the configured silence timeout. A finalized [types.Utterance] is the
// unit handed to transcription.
//
// The buffer performs no model inference. Energy detection is a plain RMS
// gate over 16-bit PCM, computed from sample counts rather than wall clock so
// the behaviour is deterministic and testable.
package ingest

import (
	"fmt"
	"math"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	// DefaultSilenceTimeout is how much contiguous sub-threshold audio ends an
	// utterance when the client sends no explicit end-of-utterance flag.
	DefaultSilenceTimeout = 700 * time.Millisecond

	// DefaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// sample units) below which a chunk counts as silence.
	DefaultRMSThreshold = 300.0

	// DefaultSampleRate is the expected inbound sample rate in Hz.
	DefaultSampleRate = 16000

	// opusFrameSizeMs is the Opus frame duration the decoder expects per chunk.
	opusFrameSizeMs = 20
)

// Codec identifies the inbound chunk encoding.
type Codec string

const (
	// CodecPCM16 is raw 16-bit signed little-endian PCM.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus is one Opus packet per chunk, decoded internally to PCM.
	CodecOpus Codec = "opus"
)

// Config holds tuning knobs for a [Buffer]. Zero values select defaults.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Default: 16000.
	SampleRate int

	// Channels is the channel count of inbound audio. Default: 1.
	Channels int

	// Codec is the chunk encoding. Default: CodecPCM16.
	Codec Codec

	// SilenceTimeout is the contiguous silence duration that ends an
	// utterance. Default: [DefaultSilenceTimeout].
	SilenceTimeout time.Duration

	// RMSThreshold is the silence energy gate. Default: [DefaultRMSThreshold].
	RMSThreshold float64
}

// Buffer accumulates one speaking turn's audio chunks. It is safe for
// concurrent use, though a session submits chunks from a single goroutine in
// practice.
type Buffer struct {
	cfg Config

	mu       sync.Mutex
	pcm      []byte
	nextSeq  uint32
	firstSeq uint32
	started  bool
	voiced   bool
	silence  time.Duration
	opusDec  *gopus.Decoder
}

// NewBuffer creates a [Buffer] with the supplied configuration. Zero-value
// config fields are replaced with defaults. An error is returned only when the
// Opus decoder cannot be initialised.
func NewBuffer(cfg Config) (*Buffer, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecPCM16
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.RMSThreshold <= 0 {
		cfg.RMSThreshold = DefaultRMSThreshold
	}

	b := &Buffer{cfg: cfg}
	if cfg.Codec == CodecOpus {
		dec, err := gopus.NewDecoder(cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, fmt.Errorf("ingest: create opus decoder: %w", err)
		}
		b.opusDec = dec
	}
	return b, nil
}

// Append adds one chunk to the buffer. When the chunk completes an utterance
// (explicit flag or silence timeout), the finalized [types.Utterance] is
// returned and the buffer resets for the next turn; otherwise the first return
// is nil.
//
// A chunk whose sequence number is not the expected next value returns an
// error wrapping [types.ErrOutOfOrderChunk] and discards the partial turn: the
// client must restart the turn from sequence zero.
func (b *Buffer) Append(chunk types.AudioChunk) (*types.Utterance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if chunk.Seq != b.nextSeq {
		expected := b.nextSeq
		b.resetLocked()
		return nil, fmt.Errorf("ingest: %w: got seq %d, expected %d", types.ErrOutOfOrderChunk, chunk.Seq, expected)
	}

	pcm := chunk.Data
	if b.opusDec != nil && len(chunk.Data) > 0 {
		frameSize := b.cfg.SampleRate * opusFrameSizeMs / 1000
		samples, err := b.opusDec.Decode(chunk.Data, frameSize, b.cfg.Channels == 2)
		if err != nil {
			return nil, fmt.Errorf("ingest: opus decode seq %d: %w", chunk.Seq, err)
		}
		pcm = int16sToBytes(samples)
	}

	if !b.started {
		b.started = true
		b.firstSeq = chunk.Seq
	}
	b.pcm = append(b.pcm, pcm...)
	b.nextSeq++

	if computeRMS(pcm) >= b.cfg.RMSThreshold {
		b.voiced = true
		b.silence = 0
	} else {
		b.silence += pcmDuration(len(pcm), b.cfg.SampleRate, b.cfg.Channels)
	}

	if chunk.EndOfUtterance || (b.voiced && b.silence >= b.cfg.SilenceTimeout) {
		return b.finalizeLocked(chunk.Seq), nil
	}
	return nil, nil
}

// Flush finalizes the current partial turn regardless of silence state,
// serving the client's explicit end-utterance control signal. Returns nil
// when nothing is buffered.
func (b *Buffer) Flush() *types.Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || len(b.pcm) == 0 {
		return nil
	}
	return b.finalizeLocked(b.nextSeq - 1)
}

// Reset discards any partial turn. Used when a turn is aborted (barge-in
// rejected, protocol error, session end).
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Len returns the number of buffered PCM bytes for the current partial turn.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pcm)
}

// finalizeLocked emits the buffered audio as one utterance and resets.
// Must be called with b.mu held.
func (b *Buffer) finalizeLocked(lastSeq uint32) *types.Utterance {
	u := &types.Utterance{
		PCM:        b.pcm,
		SampleRate: b.cfg.SampleRate,
		Duration:   pcmDuration(len(b.pcm), b.cfg.SampleRate, b.cfg.Channels),
		FirstSeq:   b.firstSeq,
		LastSeq:    lastSeq,
	}
	b.resetLocked()
	return u
}

// resetLocked clears buffer state for the next turn. Sequence numbering
// restarts at zero per turn. Must be called with b.mu held.
func (b *Buffer) resetLocked() {
	b.pcm = nil
	b.nextSeq = 0
	b.firstSeq = 0
	b.started = false
	b.voiced = false
	b.silence = 0
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. An empty buffer has zero energy.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// pcmDuration returns the playback duration of byteLen bytes of 16-bit PCM.
func pcmDuration(byteLen, sampleRate, channels int) time.Duration {
	samples := byteLen / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
