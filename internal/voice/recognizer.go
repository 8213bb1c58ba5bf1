package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
	"github.com/hotpin/hotpinserver/internal/audio"
)

// HTTPRecognizer forwards a finished recording to an STT collaborator over
// HTTP as a WAV payload and classifies the response against coarse audio
// quality heuristics before trusting it. Thresholds are grounded on the
// RMS-energy check the original STT worker ran before transcription.
type HTTPRecognizer struct {
	url                 string
	client              *http.Client
	confidenceThreshold float64
	silenceRMS          float64
	loudRMS             float64
	minDuration         time.Duration
}

func NewHTTPRecognizer(url string, confidenceThreshold, silenceRMS, loudRMS float64, minDuration time.Duration, timeout time.Duration) *HTTPRecognizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRecognizer{
		url:                 strings.TrimSpace(url),
		client:              &http.Client{Timeout: timeout},
		confidenceThreshold: confidenceThreshold,
		silenceRMS:          silenceRMS,
		loudRMS:             loudRMS,
		minDuration:         minDuration,
	}
}

type recognizeCollaboratorResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (RecognizeResult, error) {
	rms := rmsEnergy(req.PCM)

	if req.Duration < r.minDuration {
		return RecognizeResult{Verdict: apperr.VerdictTooShort, Reason: "recording shorter than minimum duration"}, nil
	}
	if rms < r.silenceRMS {
		return RecognizeResult{Verdict: apperr.VerdictTooQuiet, Reason: "rms energy below silence threshold"}, nil
	}
	if rms > r.loudRMS {
		return RecognizeResult{Verdict: apperr.VerdictTooLoud, Reason: "rms energy above clipping threshold"}, nil
	}

	wav, err := audio.EncodeWAVPCM16LE(req.PCM, req.SampleRate)
	if err != nil {
		return RecognizeResult{}, apperr.Wrap(apperr.KindSTTFailed, "encode wav for recognizer", err)
	}

	text, confidence, err := r.invoke(ctx, req.SessionID, wav)
	if err != nil {
		return RecognizeResult{Verdict: apperr.VerdictCollaboratorError, Reason: err.Error()}, nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return RecognizeResult{Verdict: apperr.VerdictEmpty, Reason: "collaborator returned an empty transcript"}, nil
	}
	if confidence > 0 && confidence < r.confidenceThreshold {
		return RecognizeResult{Transcript: text, Confidence: confidence, Verdict: apperr.VerdictLowConfidence, Reason: "confidence below threshold"}, nil
	}

	return RecognizeResult{Transcript: text, Confidence: confidence, Verdict: apperr.VerdictOK}, nil
}

func (r *HTTPRecognizer) invoke(ctx context.Context, sessionID string, wav []byte) (string, float64, error) {
	if r.url == "" {
		return "", 0, fmt.Errorf("recognizer http url is not configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(wav))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "audio/wav")
	httpReq.Header.Set("X-Session-Id", sessionID)

	res, err := r.client.Do(httpReq)
	if err != nil {
		return "", 0, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", 0, fmt.Errorf("recognizer http status %d: %s", res.StatusCode, string(body))
	}

	var parsed recognizeCollaboratorResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", 0, fmt.Errorf("decode response: %w", err)
	}
	return parsed.Text, parsed.Confidence, nil
}

// rmsEnergy computes the root-mean-square energy of 16-bit little-endian
// mono PCM samples, the same coarse loudness signal the original STT
// worker used to flag silence and clipping before spending a transcription
// call on an utterance that was never going to yield useful text.
func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sumSquares += float64(sample) * float64(sample)
	}
	return math.Sqrt(sumSquares / float64(n))
}
