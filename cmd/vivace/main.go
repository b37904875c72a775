// Command vivace is the main entry point for the Vivace oral examination server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proctorlabs/vivace/internal/config"
	"github.com/proctorlabs/vivace/internal/coordinator"
	"github.com/proctorlabs/vivace/internal/dialogue"
	"github.com/proctorlabs/vivace/internal/health"
	"github.com/proctorlabs/vivace/internal/ingest"
	"github.com/proctorlabs/vivace/internal/knowledge"
	kbpostgres "github.com/proctorlabs/vivace/internal/knowledge/postgres"
	"github.com/proctorlabs/vivace/internal/observe"
	"github.com/proctorlabs/vivace/internal/resilience"
	"github.com/proctorlabs/vivace/internal/scoring"
	"github.com/proctorlabs/vivace/internal/server"
	"github.com/proctorlabs/vivace/internal/store"
	storepostgres "github.com/proctorlabs/vivace/internal/store/postgres"
	"github.com/proctorlabs/vivace/internal/synth"
	"github.com/proctorlabs/vivace/pkg/provider/embeddings"
	ollamaembed "github.com/proctorlabs/vivace/pkg/provider/embeddings/ollama"
	oaembed "github.com/proctorlabs/vivace/pkg/provider/embeddings/openai"
	"github.com/proctorlabs/vivace/pkg/provider/llm"
	"github.com/proctorlabs/vivace/pkg/provider/llm/anyllm"
	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/provider/stt/whisper"
	"github.com/proctorlabs/vivace/pkg/provider/tts"
	"github.com/proctorlabs/vivace/pkg/provider/tts/coqui"
	"github.com/proctorlabs/vivace/pkg/provider/tts/elevenlabs"
	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	defaultGenerationTimeout = 30 * time.Second
	defaultInactivityTimeout = 10 * time.Minute
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vivace: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vivace: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vivace starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "vivace",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Storage and retrieval ─────────────────────────────────────────────────
	var (
		sessionStore store.Store
		corpusIndex  knowledge.Index
		checkers     []health.Checker
	)
	if dsn := cfg.Knowledge.PostgresDSN; dsn != "" {
		pgStore, err := storepostgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open session store", "err", err)
			return 1
		}
		defer pgStore.Close()
		sessionStore = pgStore

		pgIndex, err := kbpostgres.NewIndex(ctx, dsn, cfg.Knowledge.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to open corpus index", "err", err)
			return 1
		}
		defer pgIndex.Close()
		corpusIndex = pgIndex

		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return pgStore.Pool().Ping(ctx) },
		})
		slog.Info("postgres storage ready")
	} else {
		sessionStore = store.NewMemStore()
		corpusIndex = knowledge.NewMemIndex()
		slog.Info("using in-memory storage; sessions will not survive a restart")
	}

	retriever := knowledge.NewRetriever(providers.embeddings, corpusIndex, cfg.Knowledge.RelevanceFloor)

	// ── Pipeline stages ───────────────────────────────────────────────────────
	engine := dialogue.New(providers.llm, dialogue.Persona{
		Name:             cfg.Persona.Name,
		Personality:      cfg.Persona.Personality,
		Subject:          cfg.Persona.Subject,
		OpeningQuestions: cfg.Persona.OpeningQuestions,
	}, dialogueOptions(cfg)...)

	voice := types.VoiceProfile{
		ID:          cfg.Persona.Voice.VoiceID,
		Provider:    cfg.Persona.Voice.Provider,
		SpeedFactor: cfg.Persona.Voice.SpeedFactor,
	}
	synthStage := synth.New(providers.tts, voice, synthOptions(cfg)...)

	scorer := scoring.New(providers.llm, scoringOptions(cfg)...)

	topK := cfg.Knowledge.TopK
	if topK <= 0 {
		topK = 3
	}
	genTimeout := cfg.Session.GenerationTimeout
	if genTimeout <= 0 {
		genTimeout = defaultGenerationTimeout
	}
	idleTimeout := cfg.Session.InactivityTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultInactivityTimeout
	}

	mgr := coordinator.NewManager(coordinator.Deps{
		Transcriber: providers.stt,
		Retriever:   retriever,
		Generator:   engine,
		Synthesizer: synthStage,
		Scorer:      scorer,
		Store:       sessionStore,
	}, coordinator.Config{
		Ingest: ingest.Config{
			SampleRate:     cfg.Audio.SampleRate,
			Codec:          ingest.Codec(cfg.Audio.Codec),
			SilenceTimeout: cfg.Audio.SilenceTimeout,
			RMSThreshold:   cfg.Audio.RMSThreshold,
		},
		TopK:                   topK,
		LowConfidenceThreshold: cfg.Audio.LowConfidenceThreshold,
		GenerationTimeout:      genTimeout,
		InactivityTimeout:      idleTimeout,
		BargeIn:                cfg.Session.BargeIn,
		FillerWords:            cfg.Scoring.FillerWords,
	}, coordinator.WithMetrics(metrics))

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(mgr,
		server.WithMetrics(metrics),
		server.WithHealth(health.New(checkers...)),
	)

	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Server.MetricsAddr)
	}

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr, "tls", cfg.Server.TLS != nil)
	var serveErr error
	if tls := cfg.Server.TLS; tls != nil {
		serveErr = srv.ListenAndServeTLS(ctx, addr, tls.CertFile, tls.KeyFile)
	} else {
		serveErr = srv.ListenAndServe(ctx, addr)
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		slog.Error("server error", "err", serveErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// pipelineProviders holds the instantiated providers, each behind its
// resilience wrapper where one exists for the kind.
type pipelineProviders struct {
	llm        llm.Provider
	stt        stt.Provider
	tts        tts.Provider
	embeddings embeddings.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Cloud backends share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildProviders instantiates the providers named in cfg and wraps each
// pipeline-critical one in its circuit-breaker fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*pipelineProviders, error) {
	ps := &pipelineProviders{}
	fbCfg := resilience.FallbackConfig{}

	llmP, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	llmFB := resilience.NewLLMFallback(llmP, cfg.Providers.LLM.Name, fbCfg)
	ps.llm = llmFB
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	sttP, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	sttFB := resilience.NewSTTFallback(sttP, cfg.Providers.STT.Name, fbCfg)
	ps.stt = sttFB
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	// TTS is optional: without it the pipeline degrades to text-only delivery.
	if name := cfg.Providers.TTS.Name; name != "" {
		ttsP, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ttsFB := resilience.NewTTSFallback(ttsP, name, fbCfg)
		ps.tts = ttsFB
		slog.Info("provider created", "kind", "tts", "name", name)
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		embP, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		ps.embeddings = embP
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// ── Stage options ─────────────────────────────────────────────────────────────

func dialogueOptions(cfg *config.Config) []dialogue.Option {
	var opts []dialogue.Option
	if cfg.Session.HistoryWindow > 0 {
		opts = append(opts, dialogue.WithHistoryWindow(cfg.Session.HistoryWindow))
	}
	return opts
}

func synthOptions(cfg *config.Config) []synth.Option {
	var opts []synth.Option
	if cfg.Session.SynthesisLookahead > 0 {
		opts = append(opts, synth.WithLookahead(cfg.Session.SynthesisLookahead))
	}
	return opts
}

func scoringOptions(cfg *config.Config) []scoring.Option {
	opts := []scoring.Option{
		scoring.WithFeedback(cfg.Scoring.FeedbackEnabled),
	}
	if len(cfg.Scoring.Weights) > 0 {
		opts = append(opts, scoring.WithWeights(scoring.WeightsFromMap(cfg.Scoring.Weights)))
	}
	if len(cfg.Scoring.ExpectedConcepts) > 0 {
		opts = append(opts, scoring.WithExpectedConcepts(cfg.Scoring.ExpectedConcepts))
	}
	if len(cfg.Scoring.FillerWords) > 0 {
		opts = append(opts, scoring.WithFillerWords(cfg.Scoring.FillerWords))
	}
	return opts
}

// ── Metrics endpoint ──────────────────────────────────────────────────────────

// serveMetrics exposes the Prometheus scrape endpoint on its own listener so
// internal telemetry never shares a port with the student-facing API.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics server error", "err", err)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
