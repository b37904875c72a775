package scoring

import (
	"strings"
	"time"

	"github.com/proctorlabs/vivace/pkg/types"
)

// pauseThreshold is the minimum inter-segment gap counted as a pause.
const pauseThreshold = 300 * time.Millisecond

// DefaultFillerWords is the hesitation vocabulary counted against the
// confidence sub-score when the config does not override it.
var DefaultFillerWords = []string{
	"um", "uh", "er", "ah", "hmm", "like", "you know", "sort of", "kind of",
}

// ExtractMetrics derives behavioral speech metrics from one transcribed
// student utterance. Word timings come from the transcript's segments; a
// transcript without segments yields zero pause metrics.
func ExtractMetrics(t *types.Transcript, fillerWords []string) *types.SpeechMetrics {
	if fillerWords == nil {
		fillerWords = DefaultFillerWords
	}

	m := &types.SpeechMetrics{
		FillerCount: countFillers(t.Text, fillerWords),
	}

	if t.Duration > 0 {
		words := len(strings.Fields(t.Text))
		m.SpeakingRateWPM = float64(words) / t.Duration.Minutes()
	}

	var pauseTotal time.Duration
	for i := 1; i < len(t.Segments); i++ {
		gap := t.Segments[i].Start - t.Segments[i-1].End
		if gap > pauseThreshold {
			m.PauseCount++
			pauseTotal += gap
		}
	}
	if t.Duration > 0 {
		m.PauseRatio = float64(pauseTotal) / float64(t.Duration)
	}

	return m
}

// countFillers counts filler-word occurrences in text. Multi-word fillers
// ("you know") are matched as phrases; single words are matched on token
// boundaries so "um" does not fire inside "summary".
func countFillers(text string, fillerWords []string) int {
	lower := strings.ToLower(text)
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '\''
	})

	count := 0
	for _, filler := range fillerWords {
		if strings.ContainsRune(filler, ' ') {
			count += strings.Count(lower, filler)
			continue
		}
		for _, tok := range tokens {
			if tok == filler {
				count++
			}
		}
	}
	return count
}
