package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/proctorlabs/vivace/pkg/provider/embeddings"
	"github.com/proctorlabs/vivace/pkg/provider/llm"
	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factory builds one provider instance from its config entry.
type factory[T any] func(ProviderEntry) (T, error)

// providerSet is the name-to-factory table for one pipeline stage.
type providerSet[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]factory[T]
}

func newProviderSet[T any](kind string) *providerSet[T] {
	return &providerSet[T]{kind: kind, m: make(map[string]factory[T])}
}

// register stores f under name, replacing any earlier registration.
func (s *providerSet[T]) register(name string, f factory[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = f
}

// create instantiates the provider entry.Name selects, passing entry through
// to the factory.
func (s *providerSet[T]) create(entry ProviderEntry) (T, error) {
	s.mu.RLock()
	f, ok := s.m[entry.Name]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, s.kind, entry.Name)
	}
	return f(entry)
}

// Registry resolves the provider names in a [ProvidersConfig] to constructed
// pipeline backends. One table per stage: generation, transcription,
// synthesis, and embeddings. Safe for concurrent use.
type Registry struct {
	llm        *providerSet[llm.Provider]
	stt        *providerSet[stt.Provider]
	tts        *providerSet[tts.Provider]
	embeddings *providerSet[embeddings.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        newProviderSet[llm.Provider]("llm"),
		stt:        newProviderSet[stt.Provider]("stt"),
		tts:        newProviderSet[tts.Provider]("tts"),
		embeddings: newProviderSet[embeddings.Provider]("embeddings"),
	}
}

// RegisterLLM registers a generation backend factory under name.
func (r *Registry) RegisterLLM(name string, f func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, f)
}

// RegisterSTT registers a transcription backend factory under name.
func (r *Registry) RegisterSTT(name string, f func(ProviderEntry) (stt.Provider, error)) {
	r.stt.register(name, f)
}

// RegisterTTS registers a synthesis backend factory under name.
func (r *Registry) RegisterTTS(name string, f func(ProviderEntry) (tts.Provider, error)) {
	r.tts.register(name, f)
}

// RegisterEmbeddings registers an embeddings backend factory under name.
func (r *Registry) RegisterEmbeddings(name string, f func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.register(name, f)
}

// CreateLLM builds the generation backend entry.Name selects. Returns
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateSTT builds the transcription backend entry.Name selects.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return r.stt.create(entry)
}

// CreateTTS builds the synthesis backend entry.Name selects.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return r.tts.create(entry)
}

// CreateEmbeddings builds the embeddings backend entry.Name selects.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}
