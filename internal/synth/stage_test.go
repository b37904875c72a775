package synth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ttsmock "github.com/proctorlabs/vivace/pkg/provider/tts/mock"
	"github.com/proctorlabs/vivace/pkg/types"
)

var testVoice = types.VoiceProfile{ID: "prof-weiss", Name: "Professor Weiss", Provider: "coqui"}

func sentenceChan(sentences ...string) <-chan string {
	ch := make(chan string, len(sentences))
	for _, s := range sentences {
		ch <- s
	}
	close(ch)
	return ch
}

func collectSegments(t *testing.T, ch <-chan Segment) []Segment {
	t.Helper()
	var out []Segment
	timeout := time.After(2 * time.Second)
	for {
		select {
		case seg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, seg)
		case <-timeout:
			t.Fatal("timed out waiting for segment stream to close")
		}
	}
}

func TestStream_OrderedSegments(t *testing.T) {
	p := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			return []byte("audio:" + sentence), nil
		},
	}
	stage := New(p, testVoice)

	segs := collectSegments(t, stage.Stream(context.Background(),
		sentenceChan("One.", "Two.", "Three.")))

	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, seg := range segs {
		if seg.Index != i {
			t.Errorf("segment %d has Index %d", i, seg.Index)
		}
		if seg.TextOnly {
			t.Errorf("segment %d unexpectedly text-only", i)
		}
		if want := "audio:" + seg.Text; string(seg.Audio) != want {
			t.Errorf("segment %d audio = %q, want %q", i, seg.Audio, want)
		}
	}
}

func TestStream_ReordersOutOfOrderCompletions(t *testing.T) {
	// The first sentence synthesizes slowly, the second instantly. With a
	// lookahead of 2 both are in flight together; output order must still
	// follow sentence order.
	p := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			if sentence == "Slow one." {
				time.Sleep(50 * time.Millisecond)
			}
			return []byte(sentence), nil
		},
	}
	stage := New(p, testVoice, WithLookahead(2))

	segs := collectSegments(t, stage.Stream(context.Background(),
		sentenceChan("Slow one.", "Fast two.")))

	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Text != "Slow one." || segs[1].Text != "Fast two." {
		t.Errorf("segments out of order: %q then %q", segs[0].Text, segs[1].Text)
	}
}

func TestStream_FailedSentenceDegradesToTextOnly(t *testing.T) {
	p := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			if sentence == "Broken." {
				return nil, fmt.Errorf("tts: %w: engine unreachable", types.ErrSynthesisUnavailable)
			}
			return []byte(sentence), nil
		},
	}
	stage := New(p, testVoice)

	segs := collectSegments(t, stage.Stream(context.Background(),
		sentenceChan("Fine.", "Broken.", "Also fine.")))

	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if segs[0].TextOnly || segs[2].TextOnly {
		t.Error("healthy sentences must not degrade")
	}
	if !segs[1].TextOnly {
		t.Error("failed sentence must degrade to text-only")
	}
	if segs[1].Audio != nil {
		t.Errorf("degraded segment carries audio: %q", segs[1].Audio)
	}
	if segs[1].Text != "Broken." {
		t.Errorf("degraded segment text = %q", segs[1].Text)
	}
}

func TestStream_NilProviderIsTextOnlyMode(t *testing.T) {
	stage := New(nil, types.VoiceProfile{})

	segs := collectSegments(t, stage.Stream(context.Background(),
		sentenceChan("Hello.", "World.")))

	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	for i, seg := range segs {
		if !seg.TextOnly {
			t.Errorf("segment %d should be text-only without a provider", i)
		}
	}
}

func TestStream_AllFailuresStillDeliverEverySentence(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeErr: errors.New("down")}
	stage := New(p, testVoice)

	segs := collectSegments(t, stage.Stream(context.Background(),
		sentenceChan("A.", "B.", "C.")))

	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, seg := range segs {
		if !seg.TextOnly {
			t.Errorf("segment %d should be text-only", i)
		}
	}
}

func TestStream_CancellationClosesStream(t *testing.T) {
	block := make(chan struct{})
	p := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			<-block
			return nil, errors.New("cancelled")
		},
	}
	stage := New(p, testVoice, WithLookahead(1))

	ctx, cancel := context.WithCancel(context.Background())

	sentences := make(chan string, 4)
	for _, s := range []string{"A.", "B.", "C.", "D."} {
		sentences <- s
	}

	out := stage.Stream(ctx, sentences)
	cancel()
	close(block)

	segs := collectSegments(t, out)
	if len(segs) > 1 {
		t.Errorf("got %d segments after cancel, want at most the in-flight one", len(segs))
	}
	if p2 := len(p.SynthesizeCalls); p2 > 2 {
		t.Errorf("dispatched %d synthesis calls after cancel, lookahead window was exceeded", p2)
	}
}

func TestStream_LookaheadBoundsConcurrency(t *testing.T) {
	started := make(chan string, 8)
	release := make(chan struct{})
	p := &ttsmock.Provider{
		SynthesizeFunc: func(sentence string) ([]byte, error) {
			started <- sentence
			<-release
			return []byte(sentence), nil
		},
	}
	stage := New(p, testVoice, WithLookahead(2))

	out := stage.Stream(context.Background(), sentenceChan("A.", "B.", "C.", "D."))

	// With lookahead 2, exactly two syntheses start before any completes.
	<-started
	<-started
	select {
	case s := <-started:
		t.Fatalf("third synthesis %q started inside a lookahead-2 window", s)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	segs := collectSegments(t, out)
	if len(segs) != 4 {
		t.Fatalf("got %d segments, want 4", len(segs))
	}
}
