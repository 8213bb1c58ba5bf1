package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

func loudPCM(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		sample := int16(20000)
		if i%2 == 1 {
			sample = -20000
		}
		pcm[2*i] = byte(uint16(sample))
		pcm[2*i+1] = byte(uint16(sample) >> 8)
	}
	return pcm
}

func TestRecognizeRejectsBelowMinimumDuration(t *testing.T) {
	r := NewHTTPRecognizer("http://unused", 0.5, 100, 25000, time.Second, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: loudPCM(1000), Duration: 100 * time.Millisecond, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictTooShort {
		t.Fatalf("Verdict = %q, want too_short", res.Verdict)
	}
}

func TestRecognizeRejectsSilence(t *testing.T) {
	r := NewHTTPRecognizer("http://unused", 0.5, 100, 25000, 0, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: make([]byte, 3200), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictTooQuiet {
		t.Fatalf("Verdict = %q, want too_quiet", res.Verdict)
	}
}

func TestRecognizeRejectsClipping(t *testing.T) {
	r := NewHTTPRecognizer("http://unused", 0.5, 10, 15000, 0, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: loudPCM(1000), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictTooLoud {
		t.Fatalf("Verdict = %q, want too_loud", res.Verdict)
	}
}

func TestRecognizeReturnsOKTranscript(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Session-Id") != "sess-1" {
			t.Errorf("X-Session-Id header = %q, want sess-1", r.Header.Get("X-Session-Id"))
		}
		_ = json.NewEncoder(w).Encode(recognizeCollaboratorResponse{Text: "hello there", Confidence: 0.9})
	}))
	defer ts.Close()

	r := NewHTTPRecognizer(ts.URL, 0.5, 10, 25000, 0, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{SessionID: "sess-1", PCM: loudPCM(1000), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictOK || res.Transcript != "hello there" {
		t.Fatalf("result = %+v, want ok/hello there", res)
	}
}

func TestRecognizeReturnsLowConfidenceVerdict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(recognizeCollaboratorResponse{Text: "maybe this", Confidence: 0.2})
	}))
	defer ts.Close()

	r := NewHTTPRecognizer(ts.URL, 0.5, 10, 25000, 0, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: loudPCM(1000), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictLowConfidence {
		t.Fatalf("Verdict = %q, want low_confidence", res.Verdict)
	}
}

func TestRecognizeReturnsEmptyVerdictForBlankTranscript(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(recognizeCollaboratorResponse{Text: "   "})
	}))
	defer ts.Close()

	r := NewHTTPRecognizer(ts.URL, 0.5, 10, 25000, 0, time.Second)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: loudPCM(1000), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Verdict != apperr.VerdictEmpty {
		t.Fatalf("Verdict = %q, want empty", res.Verdict)
	}
}

func TestRecognizeReturnsCollaboratorErrorVerdictOnTransportFailure(t *testing.T) {
	r := NewHTTPRecognizer("http://127.0.0.1:0", 0.5, 10, 25000, 0, 10*time.Millisecond)
	res, err := r.Recognize(context.TODO(), RecognizeRequest{PCM: loudPCM(1000), Duration: time.Second, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Recognize() error = %v, want nil (verdict carries the failure)", err)
	}
	if res.Verdict != apperr.VerdictCollaboratorError {
		t.Fatalf("Verdict = %q, want collaborator_error", res.Verdict)
	}
}
