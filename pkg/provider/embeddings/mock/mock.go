// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/proctorlabs/vivace/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the text passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the texts passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedFunc, when set, computes the vector for each text. It takes
	// precedence over EmbedResult and EmbedErr.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when EmbedFunc is nil.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// Dims is returned by Dimensions. Defaults to len(EmbedResult) when zero.
	Dims int

	// Model is returned by ModelID.
	Model string

	// --- Call records ---

	// EmbedCalls records every call to Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns the configured vector or error.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn := p.EmbedFunc
	result := p.EmbedResult
	err := p.EmbedErr
	p.mu.Unlock()

	if fn != nil {
		return fn(text)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedBatch records the call and returns the configured vectors or error.
// When EmbedFunc is set, it is applied to each text in order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	textsCopy := make([]string, len(texts))
	copy(textsCopy, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: textsCopy})
	fn := p.EmbedFunc
	result := p.EmbedBatchResult
	err := p.EmbedBatchErr
	p.mu.Unlock()

	if fn != nil {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			vec, err := fn(t)
			if err != nil {
				return nil, err
			}
			out[i] = vec
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Dimensions returns Dims, falling back to len(EmbedResult).
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Dims != 0 {
		return p.Dims
	}
	return len(p.EmbedResult)
}

// ModelID returns Model.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Model
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
