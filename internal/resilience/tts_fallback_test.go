package resilience

import (
	"context"
	"errors"
	"testing"

	ttsmock "github.com/proctorlabs/vivace/pkg/provider/tts/mock"
	"github.com/proctorlabs/vivace/pkg/types"
)

var examinerVoice = types.VoiceProfile{ID: "examiner-1", Name: "Professor Osei"}

// newTTSChain chains the hosted synthesis service in front of a local XTTS
// server.
func newTTSChain(hosted, local *ttsmock.Provider) *TTSFallback {
	fb := NewTTSFallback(hosted, "elevenlabs", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("coqui", local)
	return fb
}

func TestTTSFallback_HostedVoiceSpeaks(t *testing.T) {
	hosted := &ttsmock.Provider{SynthesizeAudio: []byte("hosted-pcm")}
	local := &ttsmock.Provider{SynthesizeAudio: []byte("local-pcm")}
	fb := newTTSChain(hosted, local)

	audio, err := fb.Synthesize(context.Background(), "Correct, well done.", examinerVoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "hosted-pcm" {
		t.Errorf("audio = %q, want the hosted voice", audio)
	}
	if len(local.SynthesizeCalls) != 0 {
		t.Errorf("local voice called %d times while hosted is healthy", len(local.SynthesizeCalls))
	}
}

func TestTTSFallback_SentenceFailsOverToLocalVoice(t *testing.T) {
	hosted := &ttsmock.Provider{SynthesizeErr: errors.New("402 quota exhausted")}
	local := &ttsmock.Provider{SynthesizeAudio: []byte("local-pcm")}
	fb := newTTSChain(hosted, local)

	audio, err := fb.Synthesize(context.Background(), "Could you elaborate?", examinerVoice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(audio) != "local-pcm" {
		t.Errorf("audio = %q, want the local voice", audio)
	}
	if calls := local.SynthesizeCalls; len(calls) != 1 || calls[0].Sentence != "Could you elaborate?" {
		t.Errorf("local voice calls = %+v, want the failed sentence once", calls)
	}
}

func TestTTSFallback_AllVoicesDown(t *testing.T) {
	hosted := &ttsmock.Provider{SynthesizeErr: errors.New("402 quota exhausted")}
	local := &ttsmock.Provider{SynthesizeErr: errors.New("xtts server unreachable")}
	fb := newTTSChain(hosted, local)

	_, err := fb.Synthesize(context.Background(), "Anything.", examinerVoice)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed (segment degrades to text-only upstream)", err)
	}
}

func TestTTSFallback_ListVoicesFailsOver(t *testing.T) {
	hosted := &ttsmock.Provider{ListVoicesErr: errors.New("402 quota exhausted")}
	local := &ttsmock.Provider{
		ListVoicesResult: []types.VoiceProfile{
			{ID: "examiner-1", Name: "Professor Osei"},
			{ID: "examiner-2", Name: "Professor Weiss"},
		},
	}
	fb := newTTSChain(hosted, local)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "examiner-1" {
		t.Errorf("voices = %+v, want the local server's catalogue", voices)
	}
}

func TestTTSFallback_CloneVoiceFailsOver(t *testing.T) {
	hosted := &ttsmock.Provider{CloneVoiceErr: errors.New("cloning disabled on plan")}
	local := &ttsmock.Provider{
		CloneVoiceResult: &types.VoiceProfile{ID: "cloned-1", Name: "Professor Osei"},
	}
	fb := newTTSChain(hosted, local)

	voice, err := fb.CloneVoice(context.Background(), "Professor Osei", [][]byte{[]byte("reference-pcm")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if voice.ID != "cloned-1" {
		t.Errorf("voice.ID = %q, want cloned-1", voice.ID)
	}
}
