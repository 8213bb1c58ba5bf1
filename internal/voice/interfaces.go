// Package voice implements the Recognizer and Synthesizer Adapters: the
// request/response collaborator boundaries the Session Controller calls
// into once a recording is finalized and once a reply has been generated.
package voice

import (
	"context"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

// RecognizeRequest bundles one finished utterance for the Recognizer Adapter.
type RecognizeRequest struct {
	SessionID  string
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// RecognizeResult is the Recognizer Adapter's verdict on one utterance, per
// §4.4: a transcript plus a quality verdict drawn from a closed set.
type RecognizeResult struct {
	Transcript string
	Verdict    apperr.QualityVerdict
	Reason     string
	Confidence float64
}

// Recognizer turns a finished recording into a transcript and a quality
// verdict. Implementations never return an error for a bad recording —
// that is expressed as a verdict other than VerdictOK. A collaborator
// failure is reported either as VerdictCollaboratorError with a nil
// error (HTTPRecognizer does this for transport failures) or as a
// returned error; the controller treats the two alike.
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) (RecognizeResult, error)
}

// SynthesizeResult is the Synthesizer Adapter's output artifact: canonical
// PCM plus the duration the Playback Streamer advertises in tts_ready.
type SynthesizeResult struct {
	PCM        []byte
	SampleRate int
	DurationMS int64
	Format     string
}

// Synthesizer turns assistant text into a canonical audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, sessionID, text string) (SynthesizeResult, error)
}
