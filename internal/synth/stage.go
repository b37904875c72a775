// Package synth converts the dialogue engine's sentence stream into ordered,
// playable audio segments.
//
// Each sentence is synthesized independently, so synthesis of sentence N+1
// can start while sentence N is still being voiced. The [Stage] bounds that
// concurrency with a lookahead window and re-orders completions, so segments
// always leave the stage in sentence order regardless of which synthesis call
// finishes first.
//
// Synthesis failures never stall the utterance: a sentence whose synthesis
// fails is delivered as a text-only segment and the stream continues.
package synth

import (
	"context"
	"log/slog"

	"github.com/proctorlabs/vivace/pkg/provider/tts"
	"github.com/proctorlabs/vivace/pkg/types"
)

// DefaultLookahead is the number of sentences synthesized concurrently.
// Two keeps the next segment warm without racing far ahead of playback,
// which matters for barge-in: work beyond the window is never started.
const DefaultLookahead = 2

// Segment is one synthesized sentence of an interviewer utterance.
//
// Index is the per-utterance sequence counter, starting at 0. Consumers can
// rely on segments arriving in strictly increasing Index order with no gaps.
type Segment struct {
	// Index is the sentence's position within the utterance.
	Index int

	// Text is the sentence that was synthesized.
	Text string

	// Audio is 16-bit little-endian mono PCM. Nil when TextOnly is set.
	Audio []byte

	// TextOnly marks a segment whose synthesis failed or was skipped; the
	// client renders Text instead of playing audio.
	TextOnly bool
}

// Stage synthesizes sentence streams. It is safe for concurrent use; each
// Stream call is an independent utterance with its own sequence counter.
type Stage struct {
	ttsP      tts.Provider
	voice     types.VoiceProfile
	lookahead int
	logger    *slog.Logger
}

// Option is a functional option for configuring a Stage.
type Option func(*Stage)

// WithLookahead sets how many sentences may be in synthesis concurrently.
// Values below 1 are ignored. Default is 2.
func WithLookahead(n int) Option {
	return func(s *Stage) {
		if n >= 1 {
			s.lookahead = n
		}
	}
}

// WithLogger sets the logger used for synthesis failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stage) { s.logger = l }
}

// New creates a Stage voicing sentences with the given provider and voice.
// A nil provider puts the stage in text-only mode: every segment is emitted
// with TextOnly set and no synthesis is attempted.
func New(ttsP tts.Provider, voice types.VoiceProfile, opts ...Option) *Stage {
	s := &Stage{
		ttsP:      ttsP,
		voice:     voice,
		lookahead: DefaultLookahead,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Stream synthesizes sentences as they arrive and returns a channel of
// ordered segments. The returned channel is closed once every sentence has
// been delivered, or earlier on cancellation. Cancellation also stops
// dispatching new synthesis work; in-flight calls are cancelled through ctx.
func (s *Stage) Stream(ctx context.Context, sentences <-chan string) <-chan Segment {
	out := make(chan Segment)

	// queue carries one result slot per sentence in dispatch order; the
	// emitter drains it sequentially, which restores sentence order even when
	// later synthesis calls complete first.
	queue := make(chan chan Segment, s.lookahead)

	go s.dispatch(ctx, sentences, queue)
	go s.emit(ctx, queue, out)

	return out
}

// dispatch assigns indexes, bounds in-flight synthesis to the lookahead
// window, and enqueues a result slot per sentence.
func (s *Stage) dispatch(ctx context.Context, sentences <-chan string, queue chan<- chan Segment) {
	defer close(queue)

	sem := make(chan struct{}, s.lookahead)
	idx := 0

	for {
		select {
		case <-ctx.Done():
			return
		case sentence, ok := <-sentences:
			if !ok {
				return
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			res := make(chan Segment, 1)
			select {
			case queue <- res:
			case <-ctx.Done():
				<-sem
				return
			}

			go func(i int, text string) {
				defer func() { <-sem }()
				res <- s.synthesizeOne(ctx, i, text)
			}(idx, sentence)
			idx++
		}
	}
}

// emit forwards completed segments downstream in dispatch order.
func (s *Stage) emit(ctx context.Context, queue <-chan chan Segment, out chan<- Segment) {
	defer close(out)

	for res := range queue {
		select {
		case seg := <-res:
			select {
			case out <- seg:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// synthesizeOne voices a single sentence, degrading to a text-only segment
// when the provider is absent or fails.
func (s *Stage) synthesizeOne(ctx context.Context, idx int, sentence string) Segment {
	if s.ttsP == nil {
		return Segment{Index: idx, Text: sentence, TextOnly: true}
	}

	audio, err := s.ttsP.Synthesize(ctx, sentence, s.voice)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("sentence synthesis failed, delivering text only",
				"index", idx, "error", err)
		}
		return Segment{Index: idx, Text: sentence, TextOnly: true}
	}
	return Segment{Index: idx, Text: sentence, Audio: audio}
}
