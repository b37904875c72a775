package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
}

// ScoreWeightKeys lists the required keys for scoring.weights.
var ScoreWeightKeys = []string{"technical_accuracy", "clarity", "depth", "confidence", "communication"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if tls.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when server.tls is set"))
		} else if _, err := os.Stat(tls.CertFile); err != nil {
			errs = append(errs, fmt.Errorf("server.tls.cert_file: %w", err))
		}
		if tls.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when server.tls is set"))
		} else if _, err := os.Stat(tls.KeyFile); err != nil {
			errs = append(errs, fmt.Errorf("server.tls.key_file: %w", err))
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	switch cfg.Audio.Codec {
	case "", "pcm16", "opus":
	default:
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm16, opus", cfg.Audio.Codec))
	}
	if cfg.Audio.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_timeout must not be negative"))
	}
	if cfg.Audio.LowConfidenceThreshold < 0 || cfg.Audio.LowConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.low_confidence_threshold %.2f is out of range [0, 1]", cfg.Audio.LowConfidenceThreshold))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	// Provider availability
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required; the examiner cannot generate responses without an LLM"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required; student audio cannot be transcribed without an STT provider"))
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; examiner responses will be delivered as text only")
	}

	// Embeddings ↔ knowledge dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Knowledge.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but knowledge.embedding_dimensions is not set; defaulting to the provider's native dimension")
	}
	if cfg.Knowledge.PostgresDSN != "" && cfg.Providers.Embeddings.Name == "" {
		errs = append(errs, errors.New("knowledge.postgres_dsn is set but providers.embeddings is not configured"))
	}
	if cfg.Knowledge.PostgresDSN == "" {
		slog.Warn("knowledge.postgres_dsn is empty; falling back to the in-memory corpus index")
	}
	if cfg.Knowledge.TopK < 0 {
		errs = append(errs, fmt.Errorf("knowledge.top_k %d must not be negative", cfg.Knowledge.TopK))
	}
	if cfg.Knowledge.RelevanceFloor < 0 || cfg.Knowledge.RelevanceFloor > 1 {
		errs = append(errs, fmt.Errorf("knowledge.relevance_floor %.2f is out of range [0, 1]", cfg.Knowledge.RelevanceFloor))
	}

	// Session
	if cfg.Session.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("session.history_window %d must not be negative", cfg.Session.HistoryWindow))
	}
	if cfg.Session.InactivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.inactivity_timeout must not be negative"))
	}
	if cfg.Session.SynthesisLookahead < 0 {
		errs = append(errs, fmt.Errorf("session.synthesis_lookahead %d must not be negative", cfg.Session.SynthesisLookahead))
	}

	// Scoring weights: either empty (equal weights) or all five keys present.
	if len(cfg.Scoring.Weights) > 0 {
		var sum float64
		for _, key := range ScoreWeightKeys {
			w, ok := cfg.Scoring.Weights[key]
			if !ok {
				errs = append(errs, fmt.Errorf("scoring.weights is missing key %q", key))
				continue
			}
			if w < 0 {
				errs = append(errs, fmt.Errorf("scoring.weights[%q] %.2f must not be negative", key, w))
			}
			sum += w
		}
		for key := range cfg.Scoring.Weights {
			if !slices.Contains(ScoreWeightKeys, key) {
				errs = append(errs, fmt.Errorf("scoring.weights has unknown key %q", key))
			}
		}
		if sum <= 0 {
			errs = append(errs, errors.New("scoring.weights must sum to a positive value"))
		}
	}

	// Persona voice
	if cfg.Persona.Voice.SpeedFactor != 0 {
		if cfg.Persona.Voice.SpeedFactor < 0.5 || cfg.Persona.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("persona.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Persona.Voice.SpeedFactor))
		}
	}
	if cfg.Persona.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Persona.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("persona voice provider does not match configured TTS provider",
			"voice_provider", cfg.Persona.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
