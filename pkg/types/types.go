// Package types defines the shared types used across all Vivace packages.
//
// These types form the lingua franca between providers, the pipeline stages,
// the session store, and the turn coordinator. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// and the pipeline error taxonomy live here to avoid circular imports.
package types

import (
	"errors"
	"time"
)

// ─── Error taxonomy ───────────────────────────────────────────────────────────

// Sentinel errors for the pipeline. Callers match them with errors.Is; wrapped
// variants carry the stage-specific detail.
var (
	// ErrOutOfOrderChunk is returned when an audio chunk's sequence number is
	// not the ingest buffer's expected next value. This is a client-protocol
	// error: the turn buffer is reset and the client must restart the turn.
	ErrOutOfOrderChunk = errors.New("audio chunk out of order")

	// ErrTurnInProgress is returned when a new student utterance arrives while
	// the coordinator is not awaiting student input and barge-in is disabled.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrTranscriptionUnavailable indicates the speech-to-text engine could not
	// be reached. It is surfaced to the student as a retry prompt, never
	// substituted with empty text.
	ErrTranscriptionUnavailable = errors.New("transcription engine unavailable")

	// ErrSynthesisUnavailable indicates the voice-synthesis engine could not be
	// reached. The coordinator degrades to text-only delivery for the affected
	// sentences.
	ErrSynthesisUnavailable = errors.New("synthesis engine unavailable")

	// ErrGenerationTimeout indicates the language model did not produce output
	// within the configured per-call deadline.
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrSessionEnded is returned for operations on a session that has reached
	// its terminal state.
	ErrSessionEnded = errors.New("session has ended")

	// ErrSessionNotFound is returned when no session exists under the given ID.
	ErrSessionNotFound = errors.New("session not found")
)

// ─── Audio ────────────────────────────────────────────────────────────────────

// AudioChunk is one client-submitted slice of a speaking turn. Chunks carry a
// monotonically increasing sequence number per turn; the first chunk of a turn
// has Seq 0.
type AudioChunk struct {
	// Seq is the position of this chunk within the current turn.
	Seq uint32

	// Data is the encoded or raw audio payload. The codec is agreed at session
	// start (raw little-endian 16-bit PCM or Opus).
	Data []byte

	// EndOfUtterance explicitly marks this chunk as the last of the turn.
	// When false, end of utterance may still be inferred from silence.
	EndOfUtterance bool
}

// Utterance is one finalized contiguous speech act from the student, emitted
// by the ingest buffer once end-of-utterance is detected.
type Utterance struct {
	// PCM is the concatenated mono 16-bit little-endian audio.
	PCM []byte

	// SampleRate in Hz of the PCM data.
	SampleRate int

	// Duration is the audible length of the utterance.
	Duration time.Duration

	// FirstSeq and LastSeq delimit the chunk range that produced this utterance.
	FirstSeq, LastSeq uint32
}

// ─── Transcription ────────────────────────────────────────────────────────────

// Transcript is the result of transcribing one finalized utterance.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// Segments carries per-segment timing and confidence when the engine
	// provides it. May be nil.
	Segments []Segment

	// Confidence is the mean segment confidence in [0, 1]. Zero when the
	// engine reports none.
	Confidence float64

	// LowConfidence is set when Confidence falls below the configured
	// threshold. The result is still returned; the dialogue engine uses the
	// flag to ask a clarifying question instead of silently mis-grading.
	LowConfidence bool

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// Segment holds timing and confidence detail for one recognized span.
type Segment struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// ─── Conversation ─────────────────────────────────────────────────────────────

// Speaker identifies which side of the examination produced a turn.
type Speaker string

const (
	SpeakerStudent     Speaker = "student"
	SpeakerInterviewer Speaker = "interviewer"
)

// SpeechMetrics are per-turn behavioral signals extracted from student audio
// and word timings. They feed the confidence sub-score.
type SpeechMetrics struct {
	// SpeakingRateWPM is the words-per-minute rate over the utterance.
	SpeakingRateWPM float64

	// PauseCount is the number of inter-segment gaps longer than the pause
	// threshold.
	PauseCount int

	// PauseRatio is the fraction of the utterance spent in such gaps.
	PauseRatio float64

	// FillerCount is the number of filler words (um, uh, like, ...) detected
	// in the transcript.
	FillerCount int
}

// Turn is the persisted transcript record of one utterance. Turns are
// immutable once appended; insertion order is the conversation order.
type Turn struct {
	// Speaker is who produced the utterance.
	Speaker Speaker

	// Text is the finalized utterance content.
	Text string

	// AudioRef optionally references the stored audio for this turn.
	AudioRef string

	// Timestamp is when the turn was appended.
	Timestamp time.Time

	// Metrics holds behavioral signals for student turns. Nil for interviewer
	// turns.
	Metrics *SpeechMetrics
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ─── Retrieval ────────────────────────────────────────────────────────────────

// RetrievedPassage is one ranked knowledge-base excerpt used to ground a
// single dialogue generation. Passages are transient and never persisted with
// the session.
type RetrievedPassage struct {
	// DocumentID identifies the source document the chunk came from.
	DocumentID string

	// Text is the passage content.
	Text string

	// Relevance is the similarity score in [0, 1], higher is more relevant.
	Relevance float64
}

// ─── Scoring ──────────────────────────────────────────────────────────────────

// Score is the five-parameter evaluation produced once per session at
// finalization. It is immutable thereafter.
type Score struct {
	TechnicalAccuracy float64
	Clarity           float64
	Depth             float64
	Confidence        float64
	Communication     float64

	// Aggregate is a deterministic weighted combination of the five sub-scores,
	// default equal weighting.
	Aggregate float64

	// Feedback is the natural-language summary of strengths and gaps.
	Feedback string

	// FeedbackDegraded is set when the external text generation failed and a
	// templated feedback string was substituted.
	FeedbackDegraded bool

	// CreatedAt is when the score was computed.
	CreatedAt time.Time
}

// SubScores returns the five sub-scores in their canonical order:
// technical accuracy, clarity, depth, confidence, communication.
func (s Score) SubScores() [5]float64 {
	return [5]float64{s.TechnicalAccuracy, s.Clarity, s.Depth, s.Confidence, s.Communication}
}

// ─── Voice ────────────────────────────────────────────────────────────────────

// VoiceProfile describes the synthesis voice used for the interviewer.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (for cloned XTTS voices,
	// the registered speaker name).
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 0 or 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}
