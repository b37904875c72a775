// Package coordinator owns the per-session turn state machine.
//
// A [Session] moves through AwaitingStudent -> Transcribing -> Retrieving ->
// Generating -> Synthesizing -> Delivering and back, with Cancelling as the
// transient barge-in state and Ended as the terminal state. At most one
// pipeline request is in flight per session; the request's context is the
// cancellation token checked at every suspension point, so once a turn is
// cancelled no further side effects (transcript writes, audio emission)
// happen on its behalf.
//
// The coordinator composes the ingest buffer, the transcription, retrieval,
// dialogue, and synthesis stages, the session store, and the scoring engine.
// Each dependency is an interface so the session loop is testable with the
// provider mocks.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/proctorlabs/vivace/internal/dialogue"
	"github.com/proctorlabs/vivace/internal/ingest"
	"github.com/proctorlabs/vivace/internal/observe"
	"github.com/proctorlabs/vivace/internal/store"
	"github.com/proctorlabs/vivace/internal/synth"
	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

// State is a session's position in the turn state machine.
type State string

const (
	StateAwaitingStudent State = "awaiting_student"
	StateTranscribing    State = "transcribing"
	StateRetrieving      State = "retrieving"
	StateGenerating      State = "generating"
	StateSynthesizing    State = "synthesizing"
	StateDelivering      State = "delivering"
	StateCancelling      State = "cancelling"
	StateEnded           State = "ended"
)

// EventType discriminates the events a session pushes to its subscriber.
type EventType string

const (
	// EventState reports a state transition.
	EventState EventType = "state"

	// EventTranscript carries the finalized student transcript for a turn.
	EventTranscript EventType = "transcript"

	// EventSentence carries one completed interviewer sentence (text).
	EventSentence EventType = "sentence"

	// EventAudio carries one synthesized audio segment. TextOnly segments
	// have no audio payload.
	EventAudio EventType = "audio"

	// EventError carries a recoverable pipeline error (retry prompts,
	// degradations). The session stays open.
	EventError EventType = "error"
)

// Event is one item on a session's output stream.
type Event struct {
	Type EventType

	// State is set for EventState.
	State State

	// Text is the transcript, sentence, or error message.
	Text string

	// SegmentIndex orders EventSentence/EventAudio within one utterance.
	SegmentIndex int

	// Audio is the PCM payload for EventAudio. Nil when TextOnly.
	Audio []byte

	// TextOnly marks an audio event degraded to text delivery.
	TextOnly bool

	// Err is set for EventError.
	Err error
}

// ─── Stage interfaces ─────────────────────────────────────────────────────────

// Transcriber converts a finalized utterance into text. Satisfied by
// stt.Provider and the resilience STT fallback chain.
type Transcriber interface {
	Transcribe(ctx context.Context, audio stt.Audio) (*types.Transcript, error)
}

// Retriever returns grounding passages for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]types.RetrievedPassage, error)
}

// Generator produces examiner utterances as sentence streams.
type Generator interface {
	Opening(ctx context.Context) (*dialogue.Reply, error)
	Generate(ctx context.Context, transcript []types.Turn, passages []types.RetrievedPassage, lowConfidence bool) (*dialogue.Reply, error)
}

// Synthesizer converts a sentence stream into ordered audio segments.
type Synthesizer interface {
	Stream(ctx context.Context, sentences <-chan string) <-chan synth.Segment
}

// Scorer computes the end-of-session evaluation.
type Scorer interface {
	Score(ctx context.Context, subject string, turns []types.Turn) *types.Score
}

// Deps bundles the pipeline stages a Manager composes.
type Deps struct {
	Transcriber Transcriber
	Retriever   Retriever
	Generator   Generator
	Synthesizer Synthesizer
	Scorer      Scorer
	Store       store.Store
}

// Config holds the coordinator's runtime tunables.
type Config struct {
	// Ingest configures per-session utterance assembly.
	Ingest ingest.Config

	// TopK is the passage count retrieved per student answer.
	TopK int

	// LowConfidenceThreshold marks transcripts below this mean confidence as
	// low confidence, prompting the examiner to ask for a repeat. Zero
	// disables the check.
	LowConfidenceThreshold float64

	// GenerationTimeout bounds one examiner response generation. Zero means
	// no deadline.
	GenerationTimeout time.Duration

	// InactivityTimeout force-ends a session after this long without student
	// audio. Zero disables.
	InactivityTimeout time.Duration

	// BargeIn lets new student audio cancel an in-flight examiner response.
	BargeIn bool

	// FillerWords is the vocabulary used for per-turn speech metrics.
	FillerWords []string
}

// Manager creates and tracks sessions. It is safe for concurrent use.
type Manager struct {
	deps    Deps
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option is a functional option for configuring a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// NewManager constructs a Manager over the given stages.
func NewManager(deps Deps, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		deps:     deps,
		cfg:      cfg,
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start creates a new session for subject in AwaitingStudent, persists it,
// and kicks off the examiner's opening question asynchronously.
func (m *Manager) Start(ctx context.Context, subject string) (*Session, error) {
	buf, err := ingest.NewBuffer(m.cfg.Ingest)
	if err != nil {
		return nil, err
	}

	rec := store.NewSession(subject)
	if err := m.deps.Store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.Background())
	// The session is born with the opening question already in flight, so it
	// starts in Generating rather than AwaitingStudent.
	s := &Session{
		id:        rec.ID,
		subject:   subject,
		createdAt: rec.CreatedAt,
		mgr:       m,
		state:     StateGenerating,
		buffer:    buf,
		events:    make(chan Event, eventBuf),
		ctx:       sctx,
		cancel:    cancel,
		lastHeard: time.Now(),
	}
	if m.cfg.InactivityTimeout > 0 {
		s.idleTimer = time.AfterFunc(m.cfg.InactivityTimeout, s.expire)
	}

	m.mu.Lock()
	m.sessions[rec.ID] = s
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, 1)

	s.startTurn(func(tctx context.Context, done chan struct{}) {
		s.runOpening(tctx, done)
	})

	return s, nil
}

// Lookup fetches a session's persisted record from the store. It serves
// status queries for sessions that have already ended and left the live set.
func (m *Manager) Lookup(ctx context.Context, id string) (*store.Session, error) {
	return m.deps.Store.GetSession(ctx, id)
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// End finalizes the session: any in-flight turn is cancelled, the scoring
// engine runs synchronously, and the score is persisted and returned.
func (m *Manager) End(ctx context.Context, id string) (*types.Score, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.End(ctx)
}

// remove drops an ended session from the live set.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(context.Background(), -1)
}
