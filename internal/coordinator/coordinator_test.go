package coordinator

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/proctorlabs/vivace/internal/dialogue"
	"github.com/proctorlabs/vivace/internal/ingest"
	"github.com/proctorlabs/vivace/internal/knowledge"
	"github.com/proctorlabs/vivace/internal/scoring"
	"github.com/proctorlabs/vivace/internal/store"
	"github.com/proctorlabs/vivace/internal/synth"
	embmock "github.com/proctorlabs/vivace/pkg/provider/embeddings/mock"
	"github.com/proctorlabs/vivace/pkg/provider/llm"
	llmmock "github.com/proctorlabs/vivace/pkg/provider/llm/mock"
	sttmock "github.com/proctorlabs/vivace/pkg/provider/stt/mock"
	ttsmock "github.com/proctorlabs/vivace/pkg/provider/tts/mock"
	"github.com/proctorlabs/vivace/pkg/types"
)

// speechChunk returns 100 ms of a 440 Hz tone, loud enough to count as voice.
func speechChunk(seq uint32, end bool) types.AudioChunk {
	const (
		rate    = 16000
		samples = rate / 10
	)
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return types.AudioChunk{Seq: seq, Data: data, EndOfUtterance: end}
}

type fixture struct {
	mgr   *Manager
	stt   *sttmock.Provider
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	store *store.MemStore
}

func newFixture(t *testing.T, mutate func(*Deps, *Config)) *fixture {
	t.Helper()

	sttP := &sttmock.Provider{
		Transcript: &types.Transcript{Text: "Processes are isolated by virtual memory.", Confidence: 0.95},
	}
	llmP := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Good. "},
			{Text: "Now explain paging. "},
			{FinishReason: "stop"},
		},
	}
	ttsP := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			return []byte("audio:" + sentence), nil
		},
	}
	memStore := store.NewMemStore()

	embedder := &embmock.Provider{EmbedResult: []float32{1, 0, 0}, Dims: 3}
	retriever := knowledge.NewRetriever(embedder, knowledge.NewMemIndex(), 0)

	persona := dialogue.Persona{
		Name:             "Professor Weiss",
		Subject:          "operating systems",
		OpeningQuestions: []string{"Tell me what a process is."},
	}

	deps := Deps{
		Transcriber: sttP,
		Retriever:   retriever,
		Generator:   dialogue.New(llmP, persona),
		Synthesizer: synth.New(ttsP, types.VoiceProfile{ID: "prof"}),
		Scorer:      scoring.New(nil),
		Store:       memStore,
	}
	cfg := Config{
		Ingest: ingest.Config{SampleRate: 16000},
		TopK:   3,
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	return &fixture{
		mgr:   NewManager(deps, cfg),
		stt:   sttP,
		llm:   llmP,
		tts:   ttsP,
		store: memStore,
	}
}

// waitState polls until the session reaches st or the timeout expires.
func waitState(t *testing.T, s *Session, st State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status().State == st {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session never reached state %q (now %q)", st, s.Status().State)
}

// waitTurns polls until the persisted transcript holds n turns.
func waitTurns(t *testing.T, f *fixture, id string, n int) []types.Turn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.store.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if len(rec.Turns) >= n {
			return rec.Turns
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("transcript never reached %d turns", n)
	return nil
}

func startSession(t *testing.T, f *fixture) *Session {
	t.Helper()
	s, err := f.mgr.Start(context.Background(), "operating systems")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Wait for the opening question to be fully delivered, then discard its
	// events so tests observe only their own turn.
	waitTurns(t, f, s.ID(), 1)
	waitState(t, s, StateAwaitingStudent)
	drainEvents(s)
	return s
}

func drainEvents(s *Session) {
	for {
		select {
		case <-s.Events():
		default:
			return
		}
	}
}

func TestStart_DeliversOpeningQuestion(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)

	turns := waitTurns(t, f, s.ID(), 1)
	if turns[0].Speaker != types.SpeakerInterviewer {
		t.Errorf("opening turn speaker = %q", turns[0].Speaker)
	}
	if turns[0].Text != "Tell me what a process is." {
		t.Errorf("opening turn text = %q", turns[0].Text)
	}
	if f.llm.StreamCalls != nil {
		t.Error("canned opening must not hit the LLM")
	}
}

func TestSubmit_FullTurnPipeline(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)

	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev := <-s.Events():
				events = append(events, ev)
				if ev.Type == EventState && ev.State == StateAwaitingStudent {
					return
				}
			case <-time.After(3 * time.Second):
				return
			}
		}
	}()

	if err := s.Submit(context.Background(), speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	turns := waitTurns(t, f, s.ID(), 3)
	<-done

	if turns[1].Speaker != types.SpeakerStudent || turns[1].Text != "Processes are isolated by virtual memory." {
		t.Errorf("student turn = %+v", turns[1])
	}
	if turns[1].Metrics == nil {
		t.Error("student turn missing speech metrics")
	}
	if turns[2].Speaker != types.SpeakerInterviewer || turns[2].Text != "Good. Now explain paging." {
		t.Errorf("interviewer turn = %+v", turns[2])
	}

	// Audio segments must arrive in increasing index order.
	lastIdx := -1
	sawTranscript := false
	for _, ev := range events {
		switch ev.Type {
		case EventTranscript:
			sawTranscript = true
		case EventAudio:
			if ev.SegmentIndex <= lastIdx {
				t.Errorf("audio segment index %d after %d", ev.SegmentIndex, lastIdx)
			}
			lastIdx = ev.SegmentIndex
		}
	}
	if !sawTranscript {
		t.Error("no transcript event delivered")
	}
	if lastIdx != 1 {
		t.Errorf("last audio segment index = %d, want 1 (two sentences)", lastIdx)
	}
}

func TestSubmit_OutOfOrderChunk(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)
	ctx := context.Background()

	if err := s.Submit(ctx, speechChunk(0, false)); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := s.Submit(ctx, speechChunk(1, false)); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	err := s.Submit(ctx, speechChunk(3, false))
	if !errors.Is(err, types.ErrOutOfOrderChunk) {
		t.Fatalf("err = %v, want ErrOutOfOrderChunk", err)
	}

	// The turn was not finalized: no new student turn in the transcript.
	rec, _ := f.store.GetSession(ctx, s.ID())
	if len(rec.Turns) != 1 {
		t.Errorf("transcript has %d turns after gap, want 1 (opening only)", len(rec.Turns))
	}

	// The buffer reset: the client restarts from seq 0.
	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("restart after gap: %v", err)
	}
	waitTurns(t, f, s.ID(), 3)
}

func TestSubmit_RejectedWhileTurnInProgress(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(d *Deps, c *Config) {})
	f.llm.StreamDelay = func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	s := startSession(t, f)
	ctx := context.Background()

	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitState(t, s, StateGenerating)

	err := s.Submit(ctx, speechChunk(0, true))
	if !errors.Is(err, types.ErrTurnInProgress) {
		t.Fatalf("err = %v, want ErrTurnInProgress", err)
	}

	close(release)
	waitState(t, s, StateAwaitingStudent)
}

func TestSubmit_BargeInCancelsReply(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, func(d *Deps, c *Config) {
		c.BargeIn = true
	})
	f.llm.StreamDelay = func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	s := startSession(t, f)
	ctx := context.Background()

	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitState(t, s, StateGenerating)

	// Barge in: the stalled reply is cancelled and the new chunk accepted.
	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("barge-in Submit: %v", err)
	}
	close(release)

	// Second student turn lands; the cancelled reply never wrote a turn, so
	// the transcript shows: opening, student, student, interviewer.
	turns := waitTurns(t, f, s.ID(), 4)
	waitState(t, s, StateAwaitingStudent)

	if turns[1].Speaker != types.SpeakerStudent || turns[2].Speaker != types.SpeakerStudent {
		t.Errorf("expected two consecutive student turns after barge-in, got %q then %q",
			turns[1].Speaker, turns[2].Speaker)
	}
	for _, turn := range turns {
		if turn.Speaker == types.SpeakerInterviewer && turn.Text == "" {
			t.Error("partial interviewer turn persisted")
		}
	}
}

func TestSubmit_TranscriptionFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)
	ctx := context.Background()

	f.stt.Err = errors.New("whisper unreachable")

	var sawRetry, sawError bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(3 * time.Second)
		for {
			select {
			case ev := <-s.Events():
				if ev.Type == EventError && errors.Is(ev.Err, types.ErrTranscriptionUnavailable) {
					sawError = true
				}
				if ev.Type == EventSentence && ev.Text == retryPrompt {
					sawRetry = true
				}
				if sawRetry && sawError {
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-done
	waitState(t, s, StateAwaitingStudent)

	if !sawError {
		t.Error("no TranscriptionUnavailable error event")
	}
	if !sawRetry {
		t.Error("no retry prompt delivered")
	}

	// Transcript unchanged, session still open.
	rec, _ := f.store.GetSession(ctx, s.ID())
	if len(rec.Turns) != 1 {
		t.Errorf("transcript has %d turns, want 1 (opening only)", len(rec.Turns))
	}
	f.stt.Err = nil
	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit after recovery: %v", err)
	}
	waitTurns(t, f, s.ID(), 3)
}

func TestSubmit_LowConfidenceTranscriptAsksForRepeat(t *testing.T) {
	f := newFixture(t, func(_ *Deps, cfg *Config) {
		cfg.LowConfidenceThreshold = 0.5
	})
	f.stt.Transcript = &types.Transcript{Text: "mumbled words", Confidence: 0.2}
	s := startSession(t, f)

	if err := s.Submit(context.Background(), speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTurns(t, f, s.ID(), 3)
	waitState(t, s, StateAwaitingStudent)

	calls := f.llm.StreamCalls
	if len(calls) == 0 {
		t.Fatal("no LLM calls recorded")
	}
	prompt := calls[len(calls)-1].Req.SystemPrompt
	if !strings.Contains(prompt, "repeat or rephrase") {
		t.Errorf("low-confidence transcript did not reach the prompt:\n%s", prompt)
	}
}

func TestEnd_ScoresAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)
	ctx := context.Background()

	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTurns(t, f, s.ID(), 3)
	waitState(t, s, StateAwaitingStudent)

	score, err := f.mgr.End(ctx, s.ID())
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if score == nil || score.Feedback == "" {
		t.Fatalf("End returned incomplete score: %+v", score)
	}

	rec, err := f.store.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != store.StatusEnded || rec.Score == nil {
		t.Errorf("session not finalized: status=%q score=%v", rec.Status, rec.Score)
	}

	if _, err := s.End(ctx); !errors.Is(err, types.ErrSessionEnded) {
		t.Errorf("second End err = %v, want ErrSessionEnded", err)
	}
	if err := s.Submit(ctx, speechChunk(0, true)); !errors.Is(err, types.ErrSessionEnded) {
		t.Errorf("Submit after End err = %v, want ErrSessionEnded", err)
	}
	if _, err := f.mgr.Get(s.ID()); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("Get after End err = %v, want ErrSessionNotFound", err)
	}
}

// blockingScorer parks inside Score until released, holding the session in
// its scoring window so tests can race other calls against End.
type blockingScorer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingScorer) Score(ctx context.Context, subject string, turns []types.Turn) *types.Score {
	close(b.entered)
	<-b.release
	return scoring.New(nil).Score(ctx, subject, turns)
}

func TestSubmit_RejectedWhileScoringInFlight(t *testing.T) {
	bs := &blockingScorer{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, func(d *Deps, c *Config) {
		d.Scorer = bs
	})
	s := startSession(t, f)
	ctx := context.Background()

	if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTurns(t, f, s.ID(), 3)
	waitState(t, s, StateAwaitingStudent)

	endErr := make(chan error, 1)
	go func() {
		_, err := s.End(ctx)
		endErr <- err
	}()
	<-bs.entered

	// The scorer holds a snapshot of the transcript. Any student input
	// accepted now would append turns the final score never saw.
	if err := s.Submit(ctx, speechChunk(0, true)); !errors.Is(err, types.ErrSessionEnded) {
		t.Errorf("Submit during scoring err = %v, want ErrSessionEnded", err)
	}
	if err := s.EndUtterance(ctx); !errors.Is(err, types.ErrSessionEnded) {
		t.Errorf("EndUtterance during scoring err = %v, want ErrSessionEnded", err)
	}

	close(bs.release)
	if err := <-endErr; err != nil {
		t.Fatalf("End: %v", err)
	}

	rec, err := f.store.GetSession(ctx, s.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(rec.Turns) != 3 {
		t.Errorf("transcript has %d turns, want 3 (nothing written during scoring)", len(rec.Turns))
	}
	if rec.Status != store.StatusEnded || rec.Score == nil {
		t.Errorf("session not finalized: status=%q score=%v", rec.Status, rec.Score)
	}
}

func TestTranscriptAlternates(t *testing.T) {
	f := newFixture(t, nil)
	s := startSession(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Submit(ctx, speechChunk(0, true)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		waitTurns(t, f, s.ID(), 1+2*(i+1))
		waitState(t, s, StateAwaitingStudent)
	}

	turns := waitTurns(t, f, s.ID(), 7)
	if turns[0].Speaker != types.SpeakerInterviewer {
		t.Fatalf("transcript must open with the interviewer, got %q", turns[0].Speaker)
	}
	for i := 1; i < len(turns); i++ {
		if turns[i].Speaker == turns[i-1].Speaker {
			t.Errorf("turns %d and %d share speaker %q", i-1, i, turns[i].Speaker)
		}
		if turns[i].Timestamp.Before(turns[i-1].Timestamp) {
			t.Errorf("turn %d timestamp precedes turn %d", i, i-1)
		}
	}
}

func TestInactivityTimeoutEndsSession(t *testing.T) {
	f := newFixture(t, func(d *Deps, c *Config) {
		c.InactivityTimeout = 60 * time.Millisecond
	})
	s := startSession(t, f)

	waitState(t, s, StateEnded)

	rec, err := f.store.GetSession(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != store.StatusEnded {
		t.Errorf("status = %q, want ended", rec.Status)
	}
	if rec.Score == nil {
		t.Error("inactivity end must persist a score")
	}
}
