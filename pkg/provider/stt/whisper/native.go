// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings (CGO),
// eliminating HTTP overhead entirely. The model is loaded once at startup and
// shared across all sessions; each Transcribe call creates its own whisper
// context, so concurrent calls do not interfere.
type NativeProvider struct {
	model    whisperlib.Model
	language string
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe implements stt.Provider. It converts the buffered PCM audio to
// float32 mono samples, runs whisper.cpp inference using a fresh context, and
// maps the resulting segments into a [types.Transcript].
func (p *NativeProvider) Transcribe(ctx context.Context, audio stt.Audio) (*types.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	ch := audio.Channels
	if ch <= 0 {
		ch = 1
	}
	sr := audio.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	lang := audio.Language
	if lang == "" {
		lang = p.language
	}

	samples := pcmToFloat32Mono(audio.PCM, ch)

	// Each whisper context is NOT thread-safe, but the model can be shared
	// across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: create context: %v", types.ErrTranscriptionUnavailable, err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: %w: process audio: %v", types.ErrTranscriptionUnavailable, err)
	}

	tr := &types.Transcript{
		Duration: pcmDuration(audio.PCM, sr, ch),
	}
	var (
		parts   []string
		confSum float64
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		conf := segmentConfidence(segment.Tokens)
		tr.Segments = append(tr.Segments, types.Segment{
			Text:       text,
			Start:      segment.Start,
			End:        segment.End,
			Confidence: conf,
		})
		parts = append(parts, text)
		confSum += conf
	}
	tr.Text = strings.Join(parts, " ")
	if len(tr.Segments) > 0 {
		tr.Confidence = confSum / float64(len(tr.Segments))
	}
	return tr, nil
}

// segmentConfidence averages the per-token probabilities of a segment,
// clamped to [0, 1]. Returns 0 when the bindings report no tokens.
func segmentConfidence(tokens []whisperlib.Token) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tokens {
		sum += float64(t.P)
	}
	c := sum / float64(len(tokens))
	return math.Min(math.Max(c, 0), 1)
}

// pcmToFloat32Mono converts interleaved 16-bit signed little-endian PCM to
// the normalized float32 mono samples whisper.cpp expects. Multi-channel
// input is downmixed by averaging.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 2 * channels
	n := len(pcm) / frameBytes
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			off := i*frameBytes + c*2
			sample := int16(binary.LittleEndian.Uint16(pcm[off : off+2]))
			sum += float64(sample)
		}
		out[i] = float32(sum / float64(channels) / 32768.0)
	}
	return out
}
