package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/proctorlabs/vivace/pkg/types"
)

func TestExtractMetrics_SpeakingRate(t *testing.T) {
	// 30 words in 12 seconds = 150 wpm.
	words := make([]string, 30)
	for i := range words {
		words[i] = "word"
	}
	tr := &types.Transcript{
		Text:     join(words),
		Duration: 12 * time.Second,
	}

	m := ExtractMetrics(tr, nil)
	if math.Abs(m.SpeakingRateWPM-150) > 1e-9 {
		t.Errorf("SpeakingRateWPM = %v, want 150", m.SpeakingRateWPM)
	}
}

func TestExtractMetrics_Pauses(t *testing.T) {
	tr := &types.Transcript{
		Text:     "first part second part third part",
		Duration: 10 * time.Second,
		Segments: []types.Segment{
			{Text: "first part", Start: 0, End: 2 * time.Second},
			// 1 s gap: a pause.
			{Text: "second part", Start: 3 * time.Second, End: 5 * time.Second},
			// 200 ms gap: under the threshold, not a pause.
			{Text: "third part", Start: 5200 * time.Millisecond, End: 7 * time.Second},
		},
	}

	m := ExtractMetrics(tr, nil)
	if m.PauseCount != 1 {
		t.Errorf("PauseCount = %d, want 1", m.PauseCount)
	}
	if math.Abs(m.PauseRatio-0.1) > 1e-9 {
		t.Errorf("PauseRatio = %v, want 0.1 (1 s of 10 s)", m.PauseRatio)
	}
}

func TestExtractMetrics_Fillers(t *testing.T) {
	tr := &types.Transcript{
		Text:     "Um, I think, uh, it is like, you know, a summary of the algorithm.",
		Duration: 5 * time.Second,
	}

	m := ExtractMetrics(tr, nil)
	// um, uh, like, you know. "summary" must not count as "um".
	if m.FillerCount != 4 {
		t.Errorf("FillerCount = %d, want 4", m.FillerCount)
	}
}

func TestExtractMetrics_CustomFillerList(t *testing.T) {
	tr := &types.Transcript{Text: "Well, basically it works.", Duration: time.Second}

	m := ExtractMetrics(tr, []string{"basically", "well"})
	if m.FillerCount != 2 {
		t.Errorf("FillerCount = %d, want 2", m.FillerCount)
	}
}

func TestExtractMetrics_NoSegmentsNoDuration(t *testing.T) {
	m := ExtractMetrics(&types.Transcript{Text: "short answer"}, nil)
	if m.SpeakingRateWPM != 0 || m.PauseCount != 0 || m.PauseRatio != 0 {
		t.Errorf("zero-duration transcript produced nonzero timing metrics: %+v", m)
	}
}

func join(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}
