// Package whisper provides whisper.cpp-backed STT providers.
//
// Two implementations are available:
//
//   - [Provider] talks to a running whisper-server binary over HTTP
//     (POST /inference with a multipart WAV upload).
//   - [NativeProvider] links whisper.cpp directly via its CGO bindings,
//     eliminating HTTP overhead entirely (see native.go).
//
// Both perform batch inference over one finalized utterance at a time;
// utterance segmentation is the ingest buffer's job.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	tr, err := p.Transcribe(ctx, stt.Audio{PCM: pcm, SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM
	// audio that whisper.cpp expects.
	bitsPerSample = 16

	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultTimeout    = 30 * time.Second
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// It is stateless per call and safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the verbose_json body returned by POST /inference.
type inferenceResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text    string  `json:"text"`
		Start   float64 `json:"start"` // seconds
		End     float64 `json:"end"`   // seconds
		AvgProb float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe implements stt.Provider. It encodes audio as WAV, POSTs it to
// the /inference endpoint as multipart/form-data with verbose segment output
// requested, and maps the response into a [types.Transcript].
//
// Network failures and non-2xx responses are wrapped with
// [types.ErrTranscriptionUnavailable].
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (*types.Transcript, error) {
	sr := audio.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := audio.Channels
	if ch <= 0 {
		ch = 1
	}
	lang := audio.Language
	if lang == "" {
		lang = p.language
	}

	wav := encodeWAV(audio.PCM, sr, ch)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("whisper: write format field: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return nil, fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w: %v", types.ErrTranscriptionUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: %w: server returned HTTP %d", types.ErrTranscriptionUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	tr := &types.Transcript{
		Text:     strings.TrimSpace(result.Text),
		Duration: pcmDuration(audio.PCM, sr, ch),
	}
	var confSum float64
	for _, seg := range result.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		conf := logprobToConfidence(seg.AvgProb)
		tr.Segments = append(tr.Segments, types.Segment{
			Text:       text,
			Start:      time.Duration(seg.Start * float64(time.Second)),
			End:        time.Duration(seg.End * float64(time.Second)),
			Confidence: conf,
		})
		confSum += conf
	}
	if len(tr.Segments) > 0 {
		tr.Confidence = confSum / float64(len(tr.Segments))
	}
	return tr, nil
}

// ---- helpers ----------------------------------------------------------------

// logprobToConfidence maps a whisper average log-probability to a confidence
// value in [0, 1] via exp, clamped.
func logprobToConfidence(avgLogprob float64) float64 {
	c := math.Exp(avgLogprob)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// pcmDuration returns the playing time of a 16-bit PCM buffer.
func pcmDuration(pcm []byte, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := len(pcm) / (channels * bitsPerSample / 8)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container. The returned byte slice is suitable for direct inclusion
// in a multipart form upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))        // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
