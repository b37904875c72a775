package knowledge

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemIndex is an in-memory [Index] backed by a flat slice with exact cosine
// similarity search. It is intended for tests and small corpora; production
// deployments use the pgvector index in the postgres subpackage.
//
// MemIndex is safe for concurrent use.
type MemIndex struct {
	mu       sync.RWMutex
	passages []Passage
}

// Compile-time interface assertion.
var _ Index = (*MemIndex)(nil)

// NewMemIndex returns an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{}
}

// Add implements [Index].
func (m *MemIndex) Add(ctx context.Context, passages []Passage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passages = append(m.passages, passages...)
	return nil
}

// Len returns the number of indexed passages.
func (m *MemIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.passages)
}

// Search implements [Index]. Results are ordered by descending cosine
// similarity; ties keep insertion order (stable sort over the insertion-order
// slice).
func (m *MemIndex) Search(ctx context.Context, embedding []float32, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || len(m.passages) == 0 {
		return []Hit{}, nil
	}

	hits := make([]Hit, 0, len(m.passages))
	for _, p := range m.passages {
		hits = append(hits, Hit{
			DocumentID: p.DocumentID,
			Text:       p.Text,
			Relevance:  cosineSimilarity(embedding, p.Embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Relevance > hits[j].Relevance
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// cosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
