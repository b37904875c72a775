package knowledge

import (
	"context"
	"errors"
	"testing"

	embmock "github.com/proctorlabs/vivace/pkg/provider/embeddings/mock"
)

// unitVecs maps query/passage text to simple unit vectors so relevance is
// predictable: identical text scores 1, orthogonal text scores 0.
var unitVecs = map[string][]float32{
	"schedulers": {1, 0, 0},
	"paging":     {0, 1, 0},
	"sockets":    {0, 0, 1},
	"mixed":      {0.8, 0.6, 0},
}

func unitEmbedder() *embmock.Provider {
	return &embmock.Provider{
		EmbedFunc: func(text string) ([]float32, error) {
			v, ok := unitVecs[text]
			if !ok {
				return []float32{0, 0, 0}, nil
			}
			return v, nil
		},
		Dims: 3,
	}
}

func seedIndex(t *testing.T) *MemIndex {
	t.Helper()
	idx := NewMemIndex()
	err := idx.Add(context.Background(), []Passage{
		{DocumentID: "os-notes", Text: "schedulers", Embedding: unitVecs["schedulers"]},
		{DocumentID: "os-notes", Text: "paging", Embedding: unitVecs["paging"]},
		{DocumentID: "net-notes", Text: "sockets", Embedding: unitVecs["sockets"]},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return idx
}

func TestRetrieve_RanksByRelevance(t *testing.T) {
	r := NewRetriever(unitEmbedder(), seedIndex(t), 0)

	passages, err := r.Retrieve(context.Background(), "mixed", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 3 {
		t.Fatalf("got %d passages, want 3", len(passages))
	}
	if passages[0].Text != "schedulers" {
		t.Errorf("top passage = %q, want schedulers", passages[0].Text)
	}
	if passages[1].Text != "paging" {
		t.Errorf("second passage = %q, want paging", passages[1].Text)
	}
	for i := 1; i < len(passages); i++ {
		if passages[i].Relevance > passages[i-1].Relevance {
			t.Errorf("passages not in descending relevance order at %d", i)
		}
	}
}

func TestRetrieve_RelevanceFloorFilters(t *testing.T) {
	r := NewRetriever(unitEmbedder(), seedIndex(t), 0.5)

	passages, err := r.Retrieve(context.Background(), "schedulers", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("got %d passages above floor, want 1", len(passages))
	}
	if passages[0].Text != "schedulers" {
		t.Errorf("passage = %q, want schedulers", passages[0].Text)
	}
}

func TestRetrieve_EmptyCorpusReturnsEmptyNotError(t *testing.T) {
	r := NewRetriever(unitEmbedder(), NewMemIndex(), 0)

	passages, err := r.Retrieve(context.Background(), "schedulers", 3)
	if err != nil {
		t.Fatalf("Retrieve on empty corpus: %v", err)
	}
	if len(passages) != 0 {
		t.Fatalf("got %d passages from empty corpus, want 0", len(passages))
	}
}

func TestRetrieve_TopKLimit(t *testing.T) {
	r := NewRetriever(unitEmbedder(), seedIndex(t), 0)

	passages, err := r.Retrieve(context.Background(), "mixed", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("got %d passages, want 2", len(passages))
	}
}

func TestRetrieve_EmbedderFailureSurfaces(t *testing.T) {
	embedder := &embmock.Provider{EmbedErr: errors.New("embedding service down")}
	r := NewRetriever(embedder, seedIndex(t), 0)

	_, err := r.Retrieve(context.Background(), "schedulers", 3)
	if err == nil {
		t.Fatal("expected error when embedder fails")
	}
}

func TestMemIndex_StableTies(t *testing.T) {
	idx := NewMemIndex()
	// Three identical embeddings: relevance ties must keep insertion order.
	same := []float32{1, 0, 0}
	err := idx.Add(context.Background(), []Passage{
		{DocumentID: "a", Text: "first", Embedding: same},
		{DocumentID: "b", Text: "second", Embedding: same},
		{DocumentID: "c", Text: "third", Embedding: same},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := idx.Search(context.Background(), same, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if hits[i].Text != w {
			t.Errorf("hits[%d].Text = %q, want %q", i, hits[i].Text, w)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := cosineSimilarity(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tc.want)
			}
		})
	}
}
