// Package postgres provides a PostgreSQL-backed implementation of the
// [store.Store] interface.
//
// Sessions live in a sessions table keyed by UUID; the transcript lives in a
// turns table whose BIGSERIAL id preserves conversation order. Behavioral
// speech metrics are stored as JSONB alongside each student turn. [Migrate]
// installs the schema idempotently on every start.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proctorlabs/vivace/internal/store"
	"github.com/proctorlabs/vivace/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL session store. Obtain one via [NewStore].
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool, mainly for readiness checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	const q = `
		INSERT INTO sessions (id, subject, status, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q, sess.ID, sess.Subject, string(sess.Status), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: create session: %w", err)
	}
	return nil
}

// GetSession implements [store.Store].
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	const q = `
		SELECT id, subject, status, created_at, ended_at,
		       technical_accuracy, clarity, depth, confidence, communication,
		       aggregate, feedback, feedback_degraded, scored_at
		FROM   sessions
		WHERE  id = $1`

	var (
		sess     store.Session
		status   string
		endedAt  *time.Time
		scoredAt *time.Time
		sub      [5]*float64
		agg      *float64
		feedback *string
		degraded *bool
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&sess.ID, &sess.Subject, &status, &sess.CreatedAt, &endedAt,
		&sub[0], &sub[1], &sub[2], &sub[3], &sub[4],
		&agg, &feedback, &degraded, &scoredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres store: %w: %s", types.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}

	sess.Status = store.Status(status)
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	if agg != nil {
		sess.Score = &types.Score{
			TechnicalAccuracy: *sub[0],
			Clarity:           *sub[1],
			Depth:             *sub[2],
			Confidence:        *sub[3],
			Communication:     *sub[4],
			Aggregate:         *agg,
		}
		if feedback != nil {
			sess.Score.Feedback = *feedback
		}
		if degraded != nil {
			sess.Score.FeedbackDegraded = *degraded
		}
		if scoredAt != nil {
			sess.Score.CreatedAt = *scoredAt
		}
	}

	turns, err := s.loadTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns

	return &sess, nil
}

// loadTurns reads the session transcript in conversation order.
func (s *Store) loadTurns(ctx context.Context, sessionID string) ([]types.Turn, error) {
	const q = `
		SELECT speaker, content, audio_ref, created_at, metrics
		FROM   turns
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: load turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Turn, error) {
		var (
			t       types.Turn
			speaker string
			metrics []byte
		)
		if err := row.Scan(&speaker, &t.Text, &t.AudioRef, &t.Timestamp, &metrics); err != nil {
			return types.Turn{}, err
		}
		t.Speaker = types.Speaker(speaker)
		if len(metrics) > 0 {
			var m types.SpeechMetrics
			if err := json.Unmarshal(metrics, &m); err != nil {
				return types.Turn{}, fmt.Errorf("decode metrics: %w", err)
			}
			t.Metrics = &m
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan turns: %w", err)
	}
	return turns, nil
}

// AppendTurn implements [store.Store]. The insert is guarded by the session's
// status so a turn can never be appended to an ended session, even under
// concurrent end requests.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	var metrics []byte
	if turn.Metrics != nil {
		b, err := json.Marshal(turn.Metrics)
		if err != nil {
			return fmt.Errorf("postgres store: encode metrics: %w", err)
		}
		metrics = b
	}

	const q = `
		INSERT INTO turns (session_id, speaker, content, audio_ref, created_at, metrics)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1 AND status = 'active')`

	tag, err := s.pool.Exec(ctx, q,
		sessionID, string(turn.Speaker), turn.Text, turn.AudioRef, turn.Timestamp, metrics)
	if err != nil {
		return fmt.Errorf("postgres store: append turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissingSession(ctx, sessionID, "append turn")
	}
	return nil
}

// EndSession implements [store.Store].
func (s *Store) EndSession(ctx context.Context, id string, score *types.Score, endedAt time.Time) error {
	const q = `
		UPDATE sessions
		SET    status = 'ended', ended_at = $2,
		       technical_accuracy = $3, clarity = $4, depth = $5,
		       confidence = $6, communication = $7, aggregate = $8,
		       feedback = $9, feedback_degraded = $10, scored_at = $11
		WHERE  id = $1 AND status = 'active'`

	var (
		sub      [5]*float64
		agg      *float64
		feedback *string
		degraded *bool
		scoredAt *time.Time
	)
	if score != nil {
		ss := score.SubScores()
		for i := range ss {
			v := ss[i]
			sub[i] = &v
		}
		agg = &score.Aggregate
		feedback = &score.Feedback
		degraded = &score.FeedbackDegraded
		scoredAt = &score.CreatedAt
	}

	tag, err := s.pool.Exec(ctx, q, id, endedAt,
		sub[0], sub[1], sub[2], sub[3], sub[4], agg, feedback, degraded, scoredAt)
	if err != nil {
		return fmt.Errorf("postgres store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissingSession(ctx, id, "end session")
	}
	return nil
}

// classifyMissingSession distinguishes an unknown session from an ended one
// after a guarded mutation affected zero rows.
func (s *Store) classifyMissingSession(ctx context.Context, id, op string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres store: %s: %w: %s", op, types.ErrSessionNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("postgres store: %s: %w", op, err)
	}
	return fmt.Errorf("postgres store: %s: %w", op, types.ErrSessionEnded)
}

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                 UUID         PRIMARY KEY,
    subject            TEXT         NOT NULL,
    status             TEXT         NOT NULL DEFAULT 'active',
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at           TIMESTAMPTZ,
    technical_accuracy DOUBLE PRECISION,
    clarity            DOUBLE PRECISION,
    depth              DOUBLE PRECISION,
    confidence         DOUBLE PRECISION,
    communication      DOUBLE PRECISION,
    aggregate          DOUBLE PRECISION,
    feedback           TEXT,
    feedback_degraded  BOOLEAN,
    scored_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS turns (
    id         BIGSERIAL    PRIMARY KEY,
    session_id UUID         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    speaker    TEXT         NOT NULL,
    content    TEXT         NOT NULL,
    audio_ref  TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    metrics    JSONB
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);
`

// Migrate creates or ensures the session schema exists. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
