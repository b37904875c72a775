// Package scoring computes the end-of-session evaluation.
//
// The five sub-scores (technical accuracy, clarity, depth, confidence,
// communication) are deterministic functions of the session transcript and
// the recorded speech metrics: the same inputs always produce the same
// [types.Score]. Technical accuracy measures fuzzy coverage of the subject's
// expected concepts using Double Metaphone codes and Jaro-Winkler similarity,
// so minor transcription errors ("dykstra" for "dijkstra") still count.
//
// Only the qualitative feedback text involves the LLM. When feedback
// generation fails or is disabled, a deterministic template is substituted
// and the score is flagged FeedbackDegraded; scoring itself never fails.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/proctorlabs/vivace/pkg/provider/llm"
	"github.com/proctorlabs/vivace/pkg/types"
)

const (
	// Comfortable speaking-rate band in words per minute. Rates inside the
	// band score full marks; the score decays linearly outside it.
	optimalRateLow  = 130.0
	optimalRateHigh = 170.0

	// conceptMatchThreshold is the Jaro-Winkler floor for accepting a fuzzy
	// concept match that also overlaps phonetically.
	conceptMatchThreshold = 0.82

	// conceptFuzzyThreshold is the stricter Jaro-Winkler floor applied when
	// the token and concept do not share a phonetic code.
	conceptFuzzyThreshold = 0.85

	// feedbackTimeout bounds the LLM feedback call so a slow backend cannot
	// delay session finalization indefinitely.
	feedbackTimeout = 20 * time.Second
)

// depthMarkers is vocabulary signalling reasoning depth: causal connectives,
// complexity talk, and trade-off framing.
var depthMarkers = []string{
	"because", "therefore", "however", "in contrast", "on the other hand",
	"trade-off", "tradeoff", "complexity", "worst case", "average case",
	"amortized", "asymptotic", "invariant", "for example", "for instance",
	"edge case", "in practice", "depends on",
}

// Weights holds the aggregate weight per sub-score in the canonical order of
// [types.Score.SubScores]. Construct via [WeightsFromMap] or use
// [EqualWeights].
type Weights [5]float64

// EqualWeights returns uniform weighting across the five sub-scores.
func EqualWeights() Weights {
	return Weights{1, 1, 1, 1, 1}
}

// WeightsFromMap converts the config weights map (keyed by snake_case
// sub-score name) into canonical order. Missing keys weigh zero; validation
// of key presence is the config loader's job.
func WeightsFromMap(m map[string]float64) Weights {
	return Weights{
		m["technical_accuracy"],
		m["clarity"],
		m["depth"],
		m["confidence"],
		m["communication"],
	}
}

// Aggregate combines sub-scores into the weight-normalized aggregate. It is a
// pure function: no clock, no randomness, no external calls. Zero total
// weight falls back to equal weighting.
func Aggregate(sub [5]float64, w Weights) float64 {
	var total float64
	for _, wi := range w {
		total += wi
	}
	if total == 0 {
		w = EqualWeights()
		total = 5
	}
	var agg float64
	for i, s := range sub {
		agg += s * w[i] / total
	}
	return agg
}

// Engine computes session scores. It is safe for concurrent use.
type Engine struct {
	llmP            llm.Provider
	weights         Weights
	concepts        map[string][]string
	fillerWords     []string
	feedbackEnabled bool
	logger          *slog.Logger
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithWeights sets the aggregate weights. Default is equal weighting.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithExpectedConcepts sets the per-subject concept lists used by the
// technical accuracy sub-score.
func WithExpectedConcepts(m map[string][]string) Option {
	return func(e *Engine) { e.concepts = m }
}

// WithFillerWords overrides the filler vocabulary.
func WithFillerWords(words []string) Option {
	return func(e *Engine) { e.fillerWords = words }
}

// WithFeedback toggles LLM feedback generation. Disabled always uses the
// deterministic template (and does not flag the score degraded).
func WithFeedback(enabled bool) Option {
	return func(e *Engine) { e.feedbackEnabled = enabled }
}

// WithLogger sets the logger for feedback failure warnings.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs a scoring engine. llmP may be nil when feedback is disabled.
func New(llmP llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		llmP:            llmP,
		weights:         EqualWeights(),
		fillerWords:     DefaultFillerWords,
		feedbackEnabled: true,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.llmP == nil {
		e.feedbackEnabled = false
	}
	return e
}

// Score evaluates a finished session. The five sub-scores and the aggregate
// are computed deterministically from turns; only the feedback text can
// degrade. Score never returns an error: a session with no student turns
// scores zero across the board with templated feedback.
func (e *Engine) Score(ctx context.Context, subject string, turns []types.Turn) *types.Score {
	answers, metrics := studentSignals(turns)

	var sub [5]float64
	if len(answers) > 0 {
		sub[0] = e.technicalAccuracy(ctx, subject, answers)
		sub[1] = clarityScore(answers, metrics)
		sub[2] = depthScore(answers)
		sub[3] = confidenceScore(metrics)
		sub[4] = communicationScore(answers, metrics)
	}

	score := &types.Score{
		TechnicalAccuracy: sub[0],
		Clarity:           sub[1],
		Depth:             sub[2],
		Confidence:        sub[3],
		Communication:     sub[4],
		Aggregate:         Aggregate(sub, e.weights),
		CreatedAt:         time.Now().UTC(),
	}

	score.Feedback, score.FeedbackDegraded = e.feedback(ctx, subject, answers, score)
	return score
}

// studentSignals extracts the student's answer texts and speech metrics from
// the transcript.
func studentSignals(turns []types.Turn) ([]string, []*types.SpeechMetrics) {
	var (
		answers []string
		metrics []*types.SpeechMetrics
	)
	for _, t := range turns {
		if t.Speaker != types.SpeakerStudent {
			continue
		}
		answers = append(answers, t.Text)
		if t.Metrics != nil {
			metrics = append(metrics, t.Metrics)
		}
	}
	return answers, metrics
}

// ─── Sub-scores ───────────────────────────────────────────────────────────────

// technicalAccuracy is the fraction of the subject's expected concepts that
// appear, fuzzily, anywhere in the student's answers, scaled to [0, 10].
// A subject with no configured concepts scores a neutral 5.
func (e *Engine) technicalAccuracy(ctx context.Context, subject string, answers []string) float64 {
	concepts := e.concepts[strings.ToLower(subject)]
	if len(concepts) == 0 {
		return 5
	}

	tokens := answerTokens(answers)

	var (
		mu      sync.Mutex
		matched int
	)
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, concept := range concepts {
		concept := concept
		g.Go(func() error {
			if conceptMentioned(concept, tokens) {
				mu.Lock()
				matched++
				mu.Unlock()
			}
			return nil
		})
	}
	// Matching goroutines never return errors; Wait only synchronizes.
	_ = g.Wait()

	return 10 * float64(matched) / float64(len(concepts))
}

// answerTokens lowercases and tokenizes all answers once, including bigrams
// so multi-word concepts ("virtual memory") can match.
func answerTokens(answers []string) []string {
	var tokens []string
	for _, a := range answers {
		fields := strings.Fields(strings.ToLower(a))
		for i, f := range fields {
			f = strings.Trim(f, ".,!?;:\"'()")
			if f == "" {
				continue
			}
			tokens = append(tokens, f)
			if i+1 < len(fields) {
				next := strings.Trim(strings.ToLower(fields[i+1]), ".,!?;:\"'()")
				if next != "" {
					tokens = append(tokens, f+" "+next)
				}
			}
		}
	}
	return tokens
}

// conceptMentioned reports whether concept fuzzily matches any answer token.
// A token matches when it shares a Double Metaphone code with the concept and
// its Jaro-Winkler similarity clears the lower threshold, or when pure string
// similarity clears the stricter fuzzy threshold. This absorbs the usual
// transcription misspellings ("dykstra" for "dijkstra").
func conceptMentioned(concept string, tokens []string) bool {
	concept = strings.ToLower(strings.TrimSpace(concept))
	if concept == "" {
		return false
	}
	cPrimary, cSecondary := matchr.DoubleMetaphone(stripSpaces(concept))

	for _, tok := range tokens {
		if tok == concept {
			return true
		}
		jw := matchr.JaroWinkler(tok, concept, false)
		if jw >= conceptFuzzyThreshold {
			return true
		}
		tPrimary, tSecondary := matchr.DoubleMetaphone(stripSpaces(tok))
		if codesMatch(cPrimary, cSecondary, tPrimary, tSecondary) && jw >= conceptMatchThreshold {
			return true
		}
	}
	return false
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func codesMatch(aP, aS, bP, bS string) bool {
	if aP == "" && aS == "" {
		return false
	}
	return (aP != "" && (aP == bP || aP == bS)) ||
		(aS != "" && (aS == bP || aS == bS))
}

// clarityScore rewards readable sentence lengths and penalizes filler
// density. Mean sentence length inside 6-24 words scores full structure
// marks.
func clarityScore(answers []string, metrics []*types.SpeechMetrics) float64 {
	structure := sentenceLengthScore(answers)

	fillerPerAnswer := 0.0
	if len(metrics) > 0 {
		total := 0
		for _, m := range metrics {
			total += m.FillerCount
		}
		fillerPerAnswer = float64(total) / float64(len(metrics))
	}
	// Each filler word per answer costs one point, capped at five.
	penalty := fillerPerAnswer
	if penalty > 5 {
		penalty = 5
	}

	return clamp10(structure*10 - penalty)
}

// sentenceLengthScore returns a structure signal in [0, 1] from the mean
// sentence length across all answers.
func sentenceLengthScore(answers []string) float64 {
	var sentences, words int
	for _, a := range answers {
		for _, s := range strings.FieldsFunc(a, func(r rune) bool {
			return r == '.' || r == '!' || r == '?'
		}) {
			n := len(strings.Fields(s))
			if n == 0 {
				continue
			}
			sentences++
			words += n
		}
	}
	if sentences == 0 {
		return 0
	}
	mean := float64(words) / float64(sentences)
	switch {
	case mean >= 6 && mean <= 24:
		return 1
	case mean < 6:
		return mean / 6
	default:
		// Long rambling sentences decay toward 0 at 60 words.
		if mean >= 60 {
			return 0
		}
		return (60 - mean) / 36
	}
}

// depthScore combines depth-marker vocabulary with answer substance. Five
// distinct markers max out the marker component; 150 words of total answer
// text max out the length component.
func depthScore(answers []string) float64 {
	joined := strings.ToLower(strings.Join(answers, " "))

	markers := 0
	for _, m := range depthMarkers {
		if strings.Contains(joined, m) {
			markers++
		}
	}
	markerScore := float64(markers) / 5
	if markerScore > 1 {
		markerScore = 1
	}

	lengthScore := float64(len(strings.Fields(joined))) / 150
	if lengthScore > 1 {
		lengthScore = 1
	}

	return clamp10(markerScore*6 + lengthScore*4)
}

// confidenceScore blends speaking-rate proximity to the comfortable band
// with pause behaviour. No recorded metrics yields a neutral 5.
func confidenceScore(metrics []*types.SpeechMetrics) float64 {
	if len(metrics) == 0 {
		return 5
	}

	var rateSum, pauseSum float64
	for _, m := range metrics {
		rateSum += rateProximity(m.SpeakingRateWPM)
		pauseSum += m.PauseRatio
	}
	rateScore := rateSum / float64(len(metrics)) // [0, 1]
	meanPause := pauseSum / float64(len(metrics))

	// Spending half the utterance in pauses zeroes the pause component.
	pauseScore := 1 - meanPause/0.5
	if pauseScore < 0 {
		pauseScore = 0
	}

	return clamp10((rateScore*0.6 + pauseScore*0.4) * 10)
}

// rateProximity maps words-per-minute to [0, 1]: full marks inside the
// comfortable band, linear decay to zero at half and double the band edges.
func rateProximity(wpm float64) float64 {
	switch {
	case wpm >= optimalRateLow && wpm <= optimalRateHigh:
		return 1
	case wpm <= 0:
		return 0
	case wpm < optimalRateLow:
		low := optimalRateLow / 2
		if wpm <= low {
			return 0
		}
		return (wpm - low) / (optimalRateLow - low)
	default:
		high := optimalRateHigh * 1.5
		if wpm >= high {
			return 0
		}
		return (high - wpm) / (high - optimalRateHigh)
	}
}

// communicationScore is the mean of the clarity signal and the raw structure
// signal, measuring delivery independent of content.
func communicationScore(answers []string, metrics []*types.SpeechMetrics) float64 {
	return clamp10((clarityScore(answers, metrics) + sentenceLengthScore(answers)*10) / 2)
}

func clamp10(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// ─── Feedback ─────────────────────────────────────────────────────────────────

// feedback produces the qualitative summary. The bool result reports
// degradation: true means the LLM path was configured but failed and the
// template was substituted.
func (e *Engine) feedback(ctx context.Context, subject string, answers []string, score *types.Score) (string, bool) {
	if !e.feedbackEnabled {
		return templateFeedback(subject, score), false
	}

	ctx, cancel := context.WithTimeout(ctx, feedbackTimeout)
	defer cancel()

	resp, err := e.llmP.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You are an examiner writing a short evaluation of an oral exam. " +
			"Summarize strengths and gaps in at most four sentences. Address the student directly.",
		Messages: []types.Message{{Role: "user", Content: feedbackPrompt(subject, answers, score)}},
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		e.logger.Warn("feedback generation failed, using template", "error", err)
		return templateFeedback(subject, score), true
	}
	return strings.TrimSpace(resp.Content), false
}

// feedbackPrompt summarizes the session for the feedback call.
func feedbackPrompt(subject string, answers []string, score *types.Score) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\n", subject)
	fmt.Fprintf(&sb, "Scores out of 10: technical accuracy %.1f, clarity %.1f, depth %.1f, confidence %.1f, communication %.1f.\n",
		score.TechnicalAccuracy, score.Clarity, score.Depth, score.Confidence, score.Communication)
	sb.WriteString("Student answers:\n")
	for i, a := range answers {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, a)
	}
	return sb.String()
}

// templateFeedback is the deterministic fallback summary built purely from
// the sub-scores.
func templateFeedback(subject string, score *types.Score) string {
	type item struct {
		name  string
		value float64
	}
	items := []item{
		{"technical accuracy", score.TechnicalAccuracy},
		{"clarity", score.Clarity},
		{"depth", score.Depth},
		{"confidence", score.Confidence},
		{"communication", score.Communication},
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].value > items[j].value })

	return fmt.Sprintf(
		"Examination on %s complete. Overall score: %.1f/10. Strongest area: %s (%.1f). "+
			"Area needing the most attention: %s (%.1f).",
		subject, score.Aggregate,
		items[0].name, items[0].value,
		items[len(items)-1].name, items[len(items)-1].value,
	)
}
