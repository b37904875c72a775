// Package store persists examination sessions.
//
// A [Session] is the durable record of one oral examination: its subject,
// lifecycle timestamps, the append-only turn transcript, and the final
// [types.Score] once the session has ended. Live pipeline state (which stage
// a turn is in) is deliberately not persisted; it belongs to the coordinator
// and is reconstructed as AwaitingStudent on restart.
//
// Two implementations ship with the server: [MemStore] for tests and
// single-node deployments, and the PostgreSQL store in the postgres
// subpackage when durability across restarts is required.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/proctorlabs/vivace/pkg/types"
)

// Status is a session's coarse lifecycle state.
type Status string

const (
	// StatusActive marks a session still accepting student audio.
	StatusActive Status = "active"

	// StatusEnded marks a session that has been ended and scored. Ended
	// sessions reject further audio and turn activity.
	StatusEnded Status = "ended"
)

// Session is the durable record of one examination.
type Session struct {
	// ID is the session's unique identifier, a UUID string.
	ID string

	// Subject is the examination subject chosen at session start.
	Subject string

	// Status is the coarse lifecycle state.
	Status Status

	// CreatedAt is when the session was started.
	CreatedAt time.Time

	// EndedAt is when the session ended. Zero while active.
	EndedAt time.Time

	// Turns is the append-only transcript, oldest first.
	Turns []types.Turn

	// Score is the final evaluation. Nil while active.
	Score *types.Score
}

// NewSession creates an active session for subject with a fresh UUID.
func NewSession(subject string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Subject:   subject,
		Status:    StatusActive,
		CreatedAt: time.Now().UTC(),
	}
}

// Store is the persistence backend for sessions.
//
// All methods return [types.ErrSessionNotFound] (wrapped) when the session id
// is unknown, and [types.ErrSessionEnded] (wrapped) when a mutation targets an
// ended session. Implementations must be safe for concurrent use.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns the full session including its transcript. The
	// returned value is a copy; mutating it does not affect the store.
	GetSession(ctx context.Context, id string) (*Session, error)

	// AppendTurn appends one turn to an active session's transcript.
	AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error

	// EndSession marks the session ended at endedAt and records its final
	// score. Ending an already ended session is an error.
	EndSession(ctx context.Context, id string, score *types.Score, endedAt time.Time) error
}
