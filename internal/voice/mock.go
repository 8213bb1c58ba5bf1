package voice

import (
	"context"
	"strings"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

// MockRecognizer produces a deterministic transcript without calling out to
// a collaborator, for local development and tests.
type MockRecognizer struct{}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) Recognize(_ context.Context, req RecognizeRequest) (RecognizeResult, error) {
	if len(req.PCM) == 0 {
		return RecognizeResult{Verdict: apperr.VerdictEmpty, Reason: "no audio captured"}, nil
	}
	return RecognizeResult{
		Transcript: "simulated voice input",
		Confidence: 0.9,
		Verdict:    apperr.VerdictOK,
	}, nil
}

// MockSynthesizer produces a short burst of silent PCM sized to the text
// length, so the playback path can be exercised without a TTS collaborator.
type MockSynthesizer struct {
	SampleRate int
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{SampleRate: 16000} }

func (s *MockSynthesizer) Synthesize(_ context.Context, _ string, text string) (SynthesizeResult, error) {
	sampleRate := s.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	duration := time.Duration(words) * 350 * time.Millisecond
	samples := int(duration.Seconds() * float64(sampleRate))
	pcm := make([]byte, samples*2)

	durationMS := int64(len(pcm)) * 1000 / int64(sampleRate*2)
	return SynthesizeResult{PCM: pcm, SampleRate: sampleRate, DurationMS: durationMS, Format: "wav"}, nil
}
