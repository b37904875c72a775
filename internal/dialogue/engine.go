// Package dialogue generates the examiner's next utterance as a stream of
// complete sentences.
//
// The [Engine] composes a prompt from three ingredients: the immutable
// examiner persona, the last N transcript turns, and the grounding passages
// retrieved for the student's answer. It streams the LLM's reply and
// re-chunks arbitrary token boundaries into sentence boundaries, so the
// synthesis stage always receives whole sentences and playback can begin
// before generation finishes.
//
// Each invocation is a fresh, finite generation. On cancellation the engine
// stops consuming from the LLM and discards any partially accumulated
// sentence; a fragment that never reached a sentence boundary is never
// emitted.
package dialogue

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/proctorlabs/vivace/pkg/provider/llm"
	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	// DefaultHistoryWindow is the number of most recent transcript turns
	// included in the prompt.
	DefaultHistoryWindow = 10

	// defaultSentenceBuf is the buffer depth of the sentence channel. Sized to
	// absorb a few sentences without blocking the generation goroutine while
	// the synthesis stage catches up.
	defaultSentenceBuf = 8

	// defaultTemperature keeps the examiner focused without sounding canned.
	defaultTemperature = 0.7
)

// Persona is the immutable examiner configuration injected into every prompt.
// It is shared read-only across all sessions.
type Persona struct {
	// Name is the examiner's display name.
	Name string

	// Personality is a free-text description of tone and rigor.
	Personality string

	// Subject is the examination subject area.
	Subject string

	// OpeningQuestions lists candidate first questions. Empty lets the LLM
	// open freely.
	OpeningQuestions []string
}

// Reply is one in-progress examiner utterance.
//
// Sentences emits complete sentences in generation order and is closed when
// generation finishes or the context is cancelled. Text returns the utterance
// assembled from every emitted sentence; it must only be called after
// Sentences is closed.
type Reply struct {
	// Sentences emits complete sentences in generation order.
	Sentences <-chan string

	mu   sync.Mutex
	text []string
}

// Text returns the full utterance text, joined from the emitted sentences.
// Valid only after the Sentences channel has been closed.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.text, " ")
}

// record appends an emitted sentence to the assembled text.
func (r *Reply) record(sentence string) {
	r.mu.Lock()
	r.text = append(r.text, sentence)
	r.mu.Unlock()
}

// Engine produces examiner utterances. It is safe for concurrent use; each
// Generate call is independent.
type Engine struct {
	llmP          llm.Provider
	persona       Persona
	historyWindow int
	temperature   float64
	maxTokens     int

	// pickOpening selects an opening question index. Overridable in tests.
	pickOpening func(n int) int
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithHistoryWindow sets how many recent transcript turns the prompt includes.
// Default is 10.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyWindow = n
		}
	}
}

// WithTemperature overrides the sampling temperature. Default is 0.7.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps completion length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// New constructs an Engine backed by the given LLM provider and persona.
func New(llmP llm.Provider, persona Persona, opts ...Option) *Engine {
	e := &Engine{
		llmP:          llmP,
		persona:       persona,
		historyWindow: DefaultHistoryWindow,
		temperature:   defaultTemperature,
		pickOpening:   rand.Intn,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Opening returns the examiner's first utterance for a new session. When the
// persona carries canned opening questions one is chosen at random; otherwise
// the LLM generates an opening question from the persona alone.
func (e *Engine) Opening(ctx context.Context) (*Reply, error) {
	if len(e.persona.OpeningQuestions) > 0 {
		q := e.persona.OpeningQuestions[e.pickOpening(len(e.persona.OpeningQuestions))]
		return e.cannedReply(ctx, q), nil
	}
	return e.Generate(ctx, nil, nil, false)
}

// Generate produces the next examiner utterance as a sentence stream.
//
// transcript is the session's full turn history (the engine trims it to the
// configured window), passages are the grounding results for the student's
// latest answer (may be empty, see the knowledge package), and lowConfidence
// signals that the transcription was flagged unreliable, in which case the
// examiner is instructed to ask a clarifying question instead of grading.
func (e *Engine) Generate(ctx context.Context, transcript []types.Turn, passages []types.RetrievedPassage, lowConfidence bool) (*Reply, error) {
	req := e.buildRequest(transcript, passages, lowConfidence)

	chunks, err := e.llmP.StreamCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: start generation: %w", err)
	}

	out := make(chan string, defaultSentenceBuf)
	reply := &Reply{Sentences: out}

	go func() {
		defer close(out)
		e.forwardSentences(ctx, chunks, out, reply)
	}()

	return reply, nil
}

// cannedReply wraps a fixed utterance in the streaming Reply contract so the
// coordinator treats openings like any other generation.
func (e *Engine) cannedReply(ctx context.Context, text string) *Reply {
	out := make(chan string, defaultSentenceBuf)
	reply := &Reply{Sentences: out}

	go func() {
		defer close(out)
		for _, s := range splitSentences(text) {
			select {
			case <-ctx.Done():
				return
			case out <- s:
				reply.record(s)
			}
		}
	}()

	return reply
}

// forwardSentences reads token chunks from ch, accumulates them into complete
// sentences, and writes each sentence to out. Any text remaining when the
// stream ends naturally is flushed as a final sentence; text remaining at
// cancellation is discarded.
func (e *Engine) forwardSentences(ctx context.Context, ch <-chan llm.Chunk, out chan<- string, reply *Reply) {
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 || ctx.Err() != nil {
			return
		}
		s := strings.TrimSpace(buf.String())
		buf.Reset()
		if s == "" {
			return
		}
		select {
		case out <- s:
			reply.record(s)
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Cancellation discards the partial sentence in buf.
			go drainChunks(ch)
			return
		case chunk, ok := <-ch:
			if !ok {
				// The stream may close because of cancellation rather than
				// natural completion; flush checks ctx and drops the fragment
				// in that case.
				flush()
				return
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
			}

			// Flush complete sentences eagerly for lower synthesis latency.
			for {
				idx := firstSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx+1]
				rest := buf.String()[idx+1:]
				buf.Reset()
				buf.WriteString(strings.TrimLeft(rest, " \t\n\r"))
				select {
				case out <- sentence:
					reply.record(sentence)
				case <-ctx.Done():
					go drainChunks(ch)
					return
				}
			}

			if chunk.FinishReason == "error" {
				// Mid-stream failure: deliver what we have, drop the fragment.
				buf.Reset()
				return
			}
			if chunk.FinishReason != "" {
				flush()
				return
			}
		}
	}
}

// buildRequest assembles the completion request from persona, history window,
// and grounding passages.
func (e *Engine) buildRequest(transcript []types.Turn, passages []types.RetrievedPassage, lowConfidence bool) llm.CompletionRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a senior professor conducting an oral examination on %s.\n", e.persona.Name, e.persona.Subject)
	if e.persona.Personality != "" {
		sb.WriteString(e.persona.Personality)
		sb.WriteString("\n")
	}
	sb.WriteString("Keep replies to two or three spoken sentences. " +
		"React briefly to the student's answer, then ask exactly one follow-up question. " +
		"Never reveal the full answer yourself.\n")

	if len(passages) > 0 {
		sb.WriteString("\nGround your follow-up in these reference passages:\n")
		for i, p := range passages {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, p.Text)
		}
	} else {
		sb.WriteString("\nNo reference passages are available for this answer; ask a general follow-up within the subject.\n")
	}

	if lowConfidence {
		sb.WriteString("\nThe transcription of the student's last answer is unreliable. " +
			"Politely ask the student to repeat or rephrase instead of grading the answer.\n")
	}

	history := transcript
	if len(history) > e.historyWindow {
		history = history[len(history)-e.historyWindow:]
	}
	msgs := make([]types.Message, 0, len(history))
	for _, turn := range history {
		role := "user"
		if turn.Speaker == types.SpeakerInterviewer {
			role = "assistant"
		}
		msgs = append(msgs, types.Message{Role: role, Content: turn.Text})
	}
	if len(msgs) == 0 {
		msgs = append(msgs, types.Message{Role: "user", Content: "Please begin the examination."})
	}

	return llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     msgs,
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	}
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// character that is immediately followed by a whitespace character (' ', '\n',
// '\r', or '\t'). Returns -1 if no such boundary exists in s.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// splitSentences splits fixed text on sentence boundaries, treating the end of
// the string as a boundary.
func splitSentences(text string) []string {
	var out []string
	rest := strings.TrimSpace(text)
	for rest != "" {
		idx := firstSentenceBoundary(rest)
		if idx < 0 {
			out = append(out, rest)
			break
		}
		out = append(out, rest[:idx+1])
		rest = strings.TrimLeft(rest[idx+1:], " \t\n\r")
	}
	return out
}

// drainChunks discards all remaining chunks from ch. Used to prevent the LLM
// provider's internal goroutine from blocking when the consumer stops early.
// The drain is bounded: [llm.Provider] closes the chunk channel when its
// context is cancelled, and the caller cancels that context before stopping.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
