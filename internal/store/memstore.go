package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/proctorlabs/vivace/pkg/types"
)

// MemStore is an in-memory [Store]. Sessions vanish on process exit; use the
// postgres subpackage when durability is required.
//
// MemStore is safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*Session)}
}

// CreateSession implements [Store].
func (m *MemStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("memstore: session %s already exists", s.ID)
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession implements [Store].
func (m *MemStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("memstore: %w: %s", types.ErrSessionNotFound, id)
	}
	return copySession(s), nil
}

// AppendTurn implements [Store].
func (m *MemStore) AppendTurn(ctx context.Context, sessionID string, turn types.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("memstore: %w: %s", types.ErrSessionNotFound, sessionID)
	}
	if s.Status == StatusEnded {
		return fmt.Errorf("memstore: append turn: %w", types.ErrSessionEnded)
	}
	s.Turns = append(s.Turns, turn)
	return nil
}

// EndSession implements [Store].
func (m *MemStore) EndSession(ctx context.Context, id string, score *types.Score, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("memstore: %w: %s", types.ErrSessionNotFound, id)
	}
	if s.Status == StatusEnded {
		return fmt.Errorf("memstore: end session: %w", types.ErrSessionEnded)
	}
	s.Status = StatusEnded
	s.EndedAt = endedAt
	if score != nil {
		sc := *score
		s.Score = &sc
	}
	return nil
}

// copySession deep-copies a session so callers cannot alias store state.
func copySession(s *Session) *Session {
	out := *s
	out.Turns = make([]types.Turn, len(s.Turns))
	copy(out.Turns, s.Turns)
	if s.Score != nil {
		sc := *s.Score
		out.Score = &sc
	}
	return &out
}
