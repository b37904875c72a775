// Package elevenlabs provides an ElevenLabs-backed TTS provider.
//
// Synthesis uses the HTTP endpoint POST /v1/text-to-speech/{voice_id} with
// raw PCM output requested, which fits the per-sentence batch contract of
// [tts.Provider]. The voice catalogue comes from GET /v1/voices and voice
// cloning from POST /v1/voices/add.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/proctorlabs/vivace/pkg/provider/tts"
	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	baseURL = "https://api.elevenlabs.io"

	defaultModel  = "eleven_turbo_v2_5"
	defaultOutput = "pcm_16000" // 16 kHz mono 16-bit PCM
)

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel selects the ElevenLabs model (e.g., "eleven_turbo_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat overrides the requested audio output format
// (e.g., "pcm_22050"). Defaults to "pcm_16000".
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURL overrides the API base URL. Useful for tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// Provider implements tts.Provider against the ElevenLabs API.
// It is stateless per call and safe for concurrent use.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

// New creates a Provider authenticated with apiKey. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutput,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesizeRequest is the JSON body for POST /v1/text-to-speech/{voice_id}.
type synthesizeRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize implements tts.Provider. Network failures and non-2xx responses
// are wrapped with [types.ErrSynthesisUnavailable].
func (p *Provider) Synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	body := synthesizeRequest{
		Text:    sentence,
		ModelID: p.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
	if voice.SpeedFactor != 0 && voice.SpeedFactor != 1.0 {
		body.VoiceSettings.Speed = voice.SpeedFactor
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voice.ID, p.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w: %v", types.ErrSynthesisUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: %w: synthesis returned HTTP %d", types.ErrSynthesisUnavailable, resp.StatusCode)
	}
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read response body: %w", err)
	}
	return audio, nil
}

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is one entry in the /v1/voices response.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create list-voices request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices returned status %d", resp.StatusCode)
	}

	var vr voicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices response: %w", err)
	}

	profiles := make([]types.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := map[string]string{"category": v.Category}
		for k, val := range v.Labels {
			meta[k] = val
		}
		profiles = append(profiles, types.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}

// addVoiceResponse is the JSON body returned by POST /v1/voices/add.
type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

// CloneVoice implements tts.Provider via POST /v1/voices/add. Each element of
// samples must be an encoded audio file (WAV or MP3).
func (p *Provider) CloneVoice(ctx context.Context, name string, samples [][]byte) (*types.VoiceProfile, error) {
	if len(samples) == 0 {
		return nil, errors.New("elevenlabs: CloneVoice requires at least one audio sample")
	}
	if name == "" {
		return nil, errors.New("elevenlabs: CloneVoice requires a voice name")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("elevenlabs: write name field: %w", err)
	}
	for i, sample := range samples {
		fw, err := mw.CreateFormFile("files", fmt.Sprintf("sample_%d.wav", i))
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: create form file: %w", err)
		}
		if _, err := fw.Write(sample); err != nil {
			return nil, fmt.Errorf("elevenlabs: write sample %d: %w", i, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("elevenlabs: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/voices/add", &body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create clone request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: POST /v1/voices/add: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: POST /v1/voices/add returned status %d", resp.StatusCode)
	}

	var ar addVoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode clone response: %w", err)
	}
	if ar.VoiceID == "" {
		return nil, errors.New("elevenlabs: clone response missing voice_id")
	}

	return &types.VoiceProfile{
		ID:       ar.VoiceID,
		Name:     name,
		Provider: "elevenlabs",
		Metadata: map[string]string{"category": "cloned"},
	}, nil
}
