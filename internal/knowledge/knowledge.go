// Package knowledge provides retrieval-augmented grounding for the examiner.
//
// A curated exam corpus is chunked and embedded by an external ingestion
// pipeline; this package only consumes the resulting index. [Retriever] embeds
// a query (typically the student's latest answer), searches an [Index] for the
// nearest passages by cosine similarity, and filters them by a relevance
// floor. Two Index implementations ship with the server: [MemIndex] for tests
// and small corpora, and the pgvector-backed index in the postgres subpackage
// for production.
//
// Retrieval is read-only during a session and safe to share across all
// concurrent sessions.
package knowledge

import (
	"context"
	"fmt"

	"github.com/proctorlabs/vivace/pkg/provider/embeddings"
	"github.com/proctorlabs/vivace/pkg/types"
)

// DefaultTopK is the passage count retrieved per query when the caller does
// not specify one.
const DefaultTopK = 3

// Passage is one pre-embedded corpus chunk handed to [Index.Add].
type Passage struct {
	// DocumentID identifies the source document this chunk came from.
	DocumentID string

	// Text is the chunk content.
	Text string

	// Embedding is the chunk's vector. Its length must match the index's
	// configured dimension.
	Embedding []float32
}

// Hit is one search result returned by [Index.Search].
type Hit struct {
	// DocumentID identifies the source document.
	DocumentID string

	// Text is the chunk content.
	Text string

	// Relevance is the cosine similarity to the query in [0, 1] for
	// non-degenerate vectors (1 - cosine distance).
	Relevance float64
}

// Index is the similarity search backend consumed by [Retriever].
//
// Search returns up to limit hits ordered by descending relevance; equal
// relevance scores are ordered by corpus insertion order (stable ties). An
// empty corpus yields an empty result, not an error.
type Index interface {
	// Add appends passages to the corpus in the given order. Insertion order
	// is observable through tie-breaking in Search.
	Add(ctx context.Context, passages []Passage) error

	// Search returns the limit nearest passages to the query embedding.
	Search(ctx context.Context, embedding []float32, limit int) ([]Hit, error)
}

// Retriever turns free-text queries into ranked grounding passages.
// It is safe for concurrent use.
type Retriever struct {
	embedder embeddings.Provider
	index    Index
	floor    float64
}

// NewRetriever creates a [Retriever] over the given embedder and index.
// relevanceFloor drops hits scoring below it; zero keeps everything.
func NewRetriever(embedder embeddings.Provider, index Index, relevanceFloor float64) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		floor:    relevanceFloor,
	}
}

// Retrieve embeds query and returns the topK most relevant passages above the
// relevance floor, best first. An empty result is a valid outcome (sparse or
// empty corpus); the caller degrades to an ungrounded prompt. A non-nil error
// means the backend itself failed and the caller should likewise proceed
// ungrounded rather than block the turn.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]types.RetrievedPassage, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	// No embedder configured means grounding is disabled; every turn runs
	// with an empty passage set.
	if r.embedder == nil {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}

	hits, err := r.index.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	passages := make([]types.RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		if h.Relevance < r.floor {
			continue
		}
		passages = append(passages, types.RetrievedPassage{
			DocumentID: h.DocumentID,
			Text:       h.Text,
			Relevance:  h.Relevance,
		})
	}
	return passages, nil
}
