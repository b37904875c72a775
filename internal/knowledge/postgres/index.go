// Package postgres provides a PostgreSQL-backed implementation of the
// [knowledge.Index] interface using the pgvector extension.
//
// Passages live in a single table with a BIGSERIAL primary key (insertion
// order) and an HNSW index over the embedding column for approximate
// nearest-neighbour search by cosine distance. [Migrate] installs the
// extension and schema idempotently on every start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/proctorlabs/vivace/internal/knowledge"
)

// Compile-time interface check.
var _ knowledge.Index = (*Index)(nil)

// Index is the pgvector-backed corpus index. Obtain one via [NewIndex].
// All methods are safe for concurrent use.
type Index struct {
	pool *pgxpool.Pool
}

// NewIndex establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce passage vectors (e.g., 1536 for text-embedding-3-small).
// Changing this value after the first migration requires a manual schema
// change.
func NewIndex(ctx context.Context, dsn string, embeddingDimensions int) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres index: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres index: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: migrate: %w", err)
	}

	return &Index{pool: pool}, nil
}

// Pool exposes the underlying connection pool, mainly for readiness checks.
func (i *Index) Pool() *pgxpool.Pool { return i.pool }

// Close releases all connections held by the underlying connection pool.
func (i *Index) Close() {
	i.pool.Close()
}

// Add implements [knowledge.Index]. Passages are inserted in slice order so
// that the BIGSERIAL id preserves corpus insertion order for tie-breaking.
func (i *Index) Add(ctx context.Context, passages []knowledge.Passage) error {
	const q = `
		INSERT INTO passages (document_id, content, embedding)
		VALUES ($1, $2, $3)`

	for _, p := range passages {
		vec := pgvector.NewVector(p.Embedding)
		if _, err := i.pool.Exec(ctx, q, p.DocumentID, p.Text, vec); err != nil {
			return fmt.Errorf("postgres index: add passage: %w", err)
		}
	}
	return nil
}

// Search implements [knowledge.Index]. Results are ordered by ascending
// cosine distance with the insertion id as the tie-breaker, then mapped to
// descending relevance (1 - distance).
func (i *Index) Search(ctx context.Context, embedding []float32, limit int) ([]knowledge.Hit, error) {
	if limit <= 0 {
		return []knowledge.Hit{}, nil
	}

	const q = `
		SELECT document_id, content,
		       embedding <=> $1 AS distance
		FROM   passages
		ORDER  BY distance, id
		LIMIT  $2`

	rows, err := i.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres index: search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (knowledge.Hit, error) {
		var (
			h        knowledge.Hit
			distance float64
		)
		if err := row.Scan(&h.DocumentID, &h.Text, &distance); err != nil {
			return knowledge.Hit{}, err
		}
		h.Relevance = 1 - distance
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres index: scan rows: %w", err)
	}
	if hits == nil {
		hits = []knowledge.Hit{}
	}
	return hits, nil
}

// ddlPassages returns the corpus DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlPassages(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS passages (
    id          BIGSERIAL    PRIMARY KEY,
    document_id TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_passages_document_id
    ON passages (document_id);

CREATE INDEX IF NOT EXISTS idx_passages_embedding
    ON passages USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the corpus table and pgvector extension exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlPassages(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
