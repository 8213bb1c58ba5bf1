package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
	"github.com/hotpin/hotpinserver/internal/audio"
)

// HTTPSynthesizer forwards assistant text to a TTS collaborator over HTTP
// and expects a WAV-wrapped PCM16LE response, which it unwraps into the
// canonical artifact the Playback Streamer hands to the client.
type HTTPSynthesizer struct {
	url    string
	client *http.Client
}

func NewHTTPSynthesizer(url string, timeout time.Duration) *HTTPSynthesizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSynthesizer{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

type synthesizeCollaboratorRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, sessionID, text string) (SynthesizeResult, error) {
	if s.url == "" {
		return SynthesizeResult{}, apperr.New(apperr.KindTTSFailed, "synthesizer http url is not configured")
	}

	payload, err := json.Marshal(synthesizeCollaboratorRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return SynthesizeResult{}, apperr.Wrap(apperr.KindTTSFailed, "marshal synthesize request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return SynthesizeResult{}, apperr.Wrap(apperr.KindTTSFailed, "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return SynthesizeResult{}, apperr.Wrap(apperr.KindTTSFailed, "send request", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return SynthesizeResult{}, apperr.New(apperr.KindTTSFailed, fmt.Sprintf("synthesizer http status %d: %s", res.StatusCode, string(body)))
	}

	wav, err := io.ReadAll(res.Body)
	if err != nil {
		return SynthesizeResult{}, apperr.Wrap(apperr.KindTTSFailed, "read response", err)
	}

	pcm, sampleRate, err := audio.DecodeWAVPCM16LE(wav)
	if err != nil {
		return SynthesizeResult{}, apperr.Wrap(apperr.KindTTSFailed, "decode wav response", err)
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	durationMS := int64(len(pcm)) * 1000 / int64(sampleRate*2)
	return SynthesizeResult{PCM: pcm, SampleRate: sampleRate, DurationMS: durationMS, Format: "wav"}, nil
}
