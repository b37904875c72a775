package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proctorlabs/vivace/internal/dialogue"
	"github.com/proctorlabs/vivace/internal/ingest"
	"github.com/proctorlabs/vivace/internal/scoring"
	"github.com/proctorlabs/vivace/pkg/provider/stt"
	"github.com/proctorlabs/vivace/pkg/types"
)

// eventBuf is the session event channel depth. A slow subscriber drops
// events rather than stalling the pipeline.
const eventBuf = 128

// retryPrompt is spoken text surfaced to the student when transcription
// fails. It is delivered as a sentence event but never persisted.
const retryPrompt = "I'm sorry, I couldn't hear that properly. Could you repeat your answer?"

// Snapshot is a point-in-time view of a session for the status API.
type Snapshot struct {
	ID        string
	Subject   string
	State     State
	CreatedAt time.Time
	Elapsed   time.Duration
	TurnCount int
}

// Session is one live examination. All exported methods are safe for
// concurrent use; the pipeline itself runs on a single goroutine per turn.
type Session struct {
	id        string
	subject   string
	createdAt time.Time
	mgr       *Manager

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	buffer     *ingest.Buffer
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	turnCount  int
	lastHeard  time.Time
	idleTimer  *time.Timer
	ending     bool
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Events returns the session's output stream. The channel is never closed;
// subscribers should stop when they observe an EventState carrying
// [StateEnded] or when [Session.Done] fires.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Status returns a point-in-time snapshot.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		Subject:   s.subject,
		State:     s.state,
		CreatedAt: s.createdAt,
		Elapsed:   time.Since(s.createdAt),
		TurnCount: s.turnCount,
	}
}

// Submit feeds one audio chunk into the session's ingest buffer.
//
// Outside AwaitingStudent the chunk is rejected with
// [types.ErrTurnInProgress] unless barge-in is enabled and an examiner
// response is in flight, in which case the response is cancelled (no
// transcript entry) and the chunk starts the student's next turn. When the
// chunk completes an utterance, the turn pipeline starts asynchronously.
//
// Once End has begun, chunks are rejected with [types.ErrSessionEnded] even
// though the state only flips to Ended after scoring completes: the scored
// transcript is final and must not grow behind the scorer's back.
func (s *Session) Submit(ctx context.Context, chunk types.AudioChunk) error {
	s.mu.Lock()

	if s.ending || s.state == StateEnded {
		s.mu.Unlock()
		return types.ErrSessionEnded
	}
	switch s.state {
	case StateAwaitingStudent:
		// Normal path.
	case StateGenerating, StateSynthesizing, StateDelivering:
		if !s.mgr.cfg.BargeIn {
			s.mu.Unlock()
			return types.ErrTurnInProgress
		}
		s.interruptLocked(ctx)
		// interruptLocked released and reacquired the lock with the turn
		// fully stopped and state back at AwaitingStudent.
	default:
		// The student's own utterance is still being processed.
		s.mu.Unlock()
		return types.ErrTurnInProgress
	}

	s.lastHeard = time.Now()
	if s.idleTimer != nil {
		s.idleTimer.Reset(s.mgr.cfg.InactivityTimeout)
	}

	utt, err := s.buffer.Append(chunk)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if utt == nil {
		s.mu.Unlock()
		return nil
	}

	// Utterance finalized: hand it to the pipeline.
	s.state = StateTranscribing
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateTranscribing})

	s.startTurn(func(tctx context.Context, done chan struct{}) {
		s.runTurn(tctx, utt, done)
	})
	return nil
}

// EndUtterance explicitly finalizes the student's partial turn, serving the
// client's end-utterance control signal. A no-op when nothing is buffered.
func (s *Session) EndUtterance(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.ending || s.state == StateEnded:
		s.mu.Unlock()
		return types.ErrSessionEnded
	case s.state != StateAwaitingStudent:
		s.mu.Unlock()
		return types.ErrTurnInProgress
	}

	utt := s.buffer.Flush()
	if utt == nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateTranscribing
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateTranscribing})

	s.startTurn(func(tctx context.Context, done chan struct{}) {
		s.runTurn(tctx, utt, done)
	})
	return nil
}

// Interrupt is the explicit barge-in signal. It cancels an in-flight
// examiner response; when no response is in flight it is a no-op.
func (s *Session) Interrupt(ctx context.Context) {
	s.mu.Lock()
	if s.ending {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateGenerating, StateSynthesizing, StateDelivering:
		s.interruptLocked(ctx)
	}
	s.mu.Unlock()
}

// interruptLocked cancels the active turn and waits for it to unwind. Called
// with s.mu held; the lock is released while waiting and reacquired before
// returning.
func (s *Session) interruptLocked(ctx context.Context) {
	s.state = StateCancelling
	cancelTurn := s.turnCancel
	done := s.turnDone
	s.mu.Unlock()

	s.emit(Event{Type: EventState, State: StateCancelling})
	s.mgr.metrics.RecordBargeIn(ctx, s.id)
	if cancelTurn != nil {
		cancelTurn()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	if s.state == StateCancelling {
		s.state = StateAwaitingStudent
	}
	s.buffer.Reset()
	s.emit(Event{Type: EventState, State: StateAwaitingStudent})
}

// End finalizes the session: cancels any in-flight turn, scores the
// transcript synchronously, persists the result, and returns it. A second
// End returns [types.ErrSessionEnded].
func (s *Session) End(ctx context.Context) (*types.Score, error) {
	s.mu.Lock()
	if s.state == StateEnded || s.ending {
		s.mu.Unlock()
		return nil, types.ErrSessionEnded
	}
	s.ending = true
	cancelTurn := s.turnCancel
	done := s.turnDone
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if cancelTurn != nil {
		cancelTurn()
	}
	if done != nil {
		<-done
	}

	rec, err := s.mgr.deps.Store.GetSession(ctx, s.id)
	if err != nil {
		s.mu.Lock()
		s.ending = false
		s.mu.Unlock()
		return nil, err
	}

	score := s.mgr.deps.Scorer.Score(ctx, s.subject, rec.Turns)
	endedAt := time.Now().UTC()
	if err := s.mgr.deps.Store.EndSession(ctx, s.id, score, endedAt); err != nil {
		s.mu.Lock()
		s.ending = false
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()

	source := "llm"
	if score.FeedbackDegraded {
		source = "template"
	}
	s.mgr.metrics.RecordSessionScored(ctx, source)

	s.emit(Event{Type: EventState, State: StateEnded})
	s.cancel()
	s.mgr.remove(s.id)
	return score, nil
}

// expire fires on the inactivity deadline and ends the session exactly as an
// explicit end would, including scoring.
func (s *Session) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mgr.logger.Info("session inactive, force-ending", "session_id", s.id)
	if _, err := s.End(ctx); err != nil && !errors.Is(err, types.ErrSessionEnded) {
		s.mgr.logger.Error("inactivity end failed", "session_id", s.id, "error", err)
	}
}

// startTurn launches fn as the session's single in-flight pipeline request.
func (s *Session) startTurn(fn func(ctx context.Context, done chan struct{})) {
	tctx, cancelTurn := context.WithCancel(s.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.turnCancel = cancelTurn
	s.turnDone = done
	s.mu.Unlock()

	go fn(tctx, done)
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// runOpening generates and delivers the examiner's opening question.
func (s *Session) runOpening(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.setState(StateGenerating)
	genCtx, genCancel := s.generationCtx(ctx)
	defer genCancel()
	reply, err := s.mgr.deps.Generator.Opening(genCtx)
	if err != nil {
		s.mgr.logger.Error("opening generation failed", "session_id", s.id, "error", err)
		s.emit(Event{Type: EventError, Err: err, Text: retryPrompt})
		s.setState(StateAwaitingStudent)
		return
	}
	s.deliverReply(ctx, reply)
}

// runTurn drives one student utterance through the full pipeline.
func (s *Session) runTurn(ctx context.Context, utt *types.Utterance, done chan struct{}) {
	defer close(done)

	turnStart := time.Now()
	met := s.mgr.metrics

	// Transcribing.
	sttStart := time.Now()
	transcript, err := s.mgr.deps.Transcriber.Transcribe(ctx, stt.Audio{
		PCM:        utt.PCM,
		SampleRate: utt.SampleRate,
		Channels:   1,
	})
	met.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	if err != nil || transcript == nil || transcript.Text == "" {
		if ctx.Err() != nil {
			return
		}
		// Transcription failure is recoverable: retry prompt, transcript
		// untouched, session stays open.
		if err == nil {
			err = types.ErrTranscriptionUnavailable
		}
		s.mgr.logger.Warn("transcription failed", "session_id", s.id, "error", err)
		s.emit(Event{Type: EventError, Err: fmt.Errorf("%w: %v", types.ErrTranscriptionUnavailable, err), Text: retryPrompt})
		s.emit(Event{Type: EventSentence, Text: retryPrompt})
		s.setState(StateAwaitingStudent)
		return
	}

	if th := s.mgr.cfg.LowConfidenceThreshold; th > 0 && transcript.Confidence < th {
		transcript.LowConfidence = true
	}

	metrics := scoring.ExtractMetrics(transcript, s.mgr.cfg.FillerWords)
	studentTurn := types.Turn{
		Speaker:   types.SpeakerStudent,
		Text:      transcript.Text,
		Timestamp: time.Now().UTC(),
		Metrics:   metrics,
	}
	if err := s.mgr.deps.Store.AppendTurn(ctx, s.id, studentTurn); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.mgr.logger.Error("transcript append failed", "session_id", s.id, "error", err)
		s.emit(Event{Type: EventError, Err: err})
		s.setState(StateAwaitingStudent)
		return
	}
	s.bumpTurnCount()
	s.emit(Event{Type: EventTranscript, Text: transcript.Text})

	// Retrieving. Backend failure degrades to an ungrounded prompt.
	s.setState(StateRetrieving)
	retrStart := time.Now()
	passages, err := s.mgr.deps.Retriever.Retrieve(ctx, transcript.Text, s.mgr.cfg.TopK)
	met.RetrievalDuration.Record(ctx, time.Since(retrStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.mgr.logger.Warn("retrieval degraded", "session_id", s.id, "error", err)
		passages = nil
	}

	// Generating.
	s.setState(StateGenerating)
	history := s.transcriptSnapshot(ctx)
	genCtx, genCancel := s.generationCtx(ctx)
	defer genCancel()
	reply, err := s.mgr.deps.Generator.Generate(genCtx, history, passages, transcript.LowConfidence)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", types.ErrGenerationTimeout, err)
		}
		s.mgr.logger.Error("generation failed", "session_id", s.id, "error", err)
		s.emit(Event{Type: EventError, Err: err, Text: retryPrompt})
		s.setState(StateAwaitingStudent)
		return
	}

	if s.deliverReply(ctx, reply) {
		met.RecordTurn(ctx, s.id)
		met.TurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	}
}

// deliverReply synthesizes and streams an examiner reply, then appends the
// interviewer turn exactly once. Returns false when the turn was cancelled
// (nothing persisted) or produced no content.
func (s *Session) deliverReply(ctx context.Context, reply *dialogue.Reply) bool {
	s.setState(StateSynthesizing)

	segments := s.mgr.deps.Synthesizer.Stream(ctx, reply.Sentences)
	for seg := range segments {
		s.emit(Event{Type: EventSentence, Text: seg.Text, SegmentIndex: seg.Index})
		s.emit(Event{
			Type:         EventAudio,
			SegmentIndex: seg.Index,
			Audio:        seg.Audio,
			Text:         seg.Text,
			TextOnly:     seg.TextOnly,
		})
	}

	if ctx.Err() != nil {
		// Barge-in or session end: undelivered segments are discarded and no
		// interviewer turn is recorded.
		return false
	}

	text := reply.Text()
	if text == "" {
		s.emit(Event{Type: EventError, Err: types.ErrGenerationTimeout, Text: retryPrompt})
		s.setState(StateAwaitingStudent)
		return false
	}

	s.setState(StateDelivering)
	turn := types.Turn{
		Speaker:   types.SpeakerInterviewer,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	if err := s.mgr.deps.Store.AppendTurn(ctx, s.id, turn); err != nil {
		s.mgr.logger.Error("interviewer turn append failed", "session_id", s.id, "error", err)
		s.emit(Event{Type: EventError, Err: err})
		s.setState(StateAwaitingStudent)
		return false
	}
	s.bumpTurnCount()

	s.setState(StateAwaitingStudent)
	return true
}

// transcriptSnapshot loads the current transcript for prompt construction.
func (s *Session) transcriptSnapshot(ctx context.Context) []types.Turn {
	rec, err := s.mgr.deps.Store.GetSession(ctx, s.id)
	if err != nil {
		s.mgr.logger.Warn("transcript load failed, generating without history",
			"session_id", s.id, "error", err)
		return nil
	}
	return rec.Turns
}

// generationCtx applies the per-call generation deadline. The returned
// cancel must be deferred past reply delivery: the sentence stream keeps
// using this context after Generate returns.
func (s *Session) generationCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.mgr.cfg.GenerationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.mgr.cfg.GenerationTimeout)
}

// setState transitions the session unless it is already terminal, and emits
// the corresponding state event.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded || (s.state == StateCancelling && st != StateAwaitingStudent) {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: st})
}

func (s *Session) bumpTurnCount() {
	s.mu.Lock()
	s.turnCount++
	s.mu.Unlock()
}

// emit pushes an event to the subscriber, dropping it when the buffer is
// full so a stalled consumer cannot block the pipeline.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.mgr.logger.Warn("event dropped, subscriber too slow",
			"session_id", s.id, "event_type", string(ev.Type))
	}
}
