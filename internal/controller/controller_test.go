package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hotpin/hotpinserver/internal/audio"
	"github.com/hotpin/hotpinserver/internal/downloadstore"
	"github.com/hotpin/hotpinserver/internal/generator"
	"github.com/hotpin/hotpinserver/internal/observability"
	"github.com/hotpin/hotpinserver/internal/playback"
	"github.com/hotpin/hotpinserver/internal/protocol"
	"github.com/hotpin/hotpinserver/internal/session"
	"github.com/hotpin/hotpinserver/internal/voice"
)

// fakeSender records every outbound frame so tests can assert on the
// sequence of wire events the controller produced.
type fakeSender struct {
	mu       sync.Mutex
	texts    []map[string]any
	binaries int
}

func (f *fakeSender) SendText(payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.texts = append(f.texts, decoded)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) SendBinary(payload []byte) error {
	f.mu.Lock()
	f.binaries++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	for i, m := range f.texts {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (f *fakeSender) last(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.texts) - 1; i >= 0; i-- {
		if f.texts[i]["type"] == typ {
			return f.texts[i]
		}
	}
	return nil
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	downloads := downloadstore.New(time.Minute)
	streamer := playback.NewStreamer(4096, t.TempDir(), downloads)
	return New(Deps{
		Buffer:                   audio.NewBuffer(t.TempDir()),
		Recognizer:               voice.NewMockRecognizer(),
		Generator:                generator.NewMockGenerator(),
		Synthesizer:              voice.NewMockSynthesizer(),
		Streamer:                 streamer,
		Metrics:                  observability.NewMetrics("test_controller_" + t.Name()),
		SystemPrompt:             "be brief",
		SampleRate:               16000,
		ChunkMaxBytes:            16000,
		AudioSeqGapTolerance:     10,
		AudioAckEveryN:           2,
		MaxRecordingBytes:        1 << 20,
		MaxSessionDiskMB:         10,
		ConversationHistoryTurns: 8,
		PromptBudgetChars:        4000,
		MaxRerecordAttempts:      1,
		ChunkArrivalTimeout:      2 * time.Second,
		PlaybackReadyTimeout:     50 * time.Millisecond,
	})
}

func pcmFrame(n int) []byte {
	return make([]byte, n)
}

func TestRunHappyPathStreamsReply(t *testing.T) {
	ctrl := newTestController(t)
	sess := session.NewSession("sess-1", 50)
	inbound := make(chan any, 16)
	sender := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, sess, inbound, sender) }()

	inbound <- protocol.Hello{Type: protocol.TypeHello, Session: "sess-1"}
	inbound <- protocol.ClientOn{Type: protocol.TypeClientOn, Session: "sess-1"}
	inbound <- protocol.RecordingStarted{Type: protocol.TypeRecordingStarted, Session: "sess-1"}
	inbound <- protocol.AudioChunk{Session: "sess-1", Seq: 0, Data: pcmFrame(64)}
	inbound <- protocol.AudioChunk{Session: "sess-1", Seq: 1, Data: pcmFrame(64)}
	inbound <- protocol.RecordingStopped{Type: protocol.TypeRecordingStopped, Session: "sess-1"}

	// Give the pipeline a beat to reach the ready-handshake wait, then
	// answer it so SendChunks actually runs instead of falling back to a
	// download offer.
	time.Sleep(10 * time.Millisecond)
	inbound <- protocol.ReadyForPlayback{Type: protocol.TypeReadyForPlayback, Session: "sess-1"}

	waitForType(t, sender, "tts_done", time.Second)

	// The controller leaves the session in "playing" until the client
	// reports playback_complete.
	inbound <- protocol.PlaybackComplete{Type: protocol.TypePlaybackComplete, Session: "sess-1"}
	time.Sleep(10 * time.Millisecond)

	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() returned error = %v", err)
	}

	types := sender.types()
	mustContain(t, types, "ready")
	mustContain(t, types, "transcript")
	mustContain(t, types, "llm")
	mustContain(t, types, "tts_ready")
	mustContain(t, types, "tts_done")

	if sender.binaries == 0 {
		t.Fatalf("no binary chunks were streamed")
	}
	if sess.State() != session.StateIdle {
		t.Fatalf("session state after playback_complete = %v, want idle", sess.State())
	}
}

func TestRunEmptyRecordingTriggersRerecordThenUserIntervention(t *testing.T) {
	ctrl := newTestController(t)
	sess := session.NewSession("sess-2", 50)
	inbound := make(chan any, 16)
	sender := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, sess, inbound, sender) }()

	inbound <- protocol.ClientOn{Type: protocol.TypeClientOn, Session: "sess-2"}

	// First empty recording: under the one-attempt ceiling, expect a
	// re-record request.
	inbound <- protocol.RecordingStarted{Type: protocol.TypeRecordingStarted, Session: "sess-2"}
	inbound <- protocol.RecordingStopped{Type: protocol.TypeRecordingStopped, Session: "sess-2"}
	waitForType(t, sender, "request_rerecord", time.Second)

	// Second empty recording: attempt ceiling (1) is now exhausted.
	inbound <- protocol.RecordingStarted{Type: protocol.TypeRecordingStarted, Session: "sess-2"}
	inbound <- protocol.RecordingStopped{Type: protocol.TypeRecordingStopped, Session: "sess-2"}
	waitForType(t, sender, "request_user_intervention", time.Second)

	close(inbound)
	if err := <-done; err != nil {
		t.Fatalf("Run() returned error = %v", err)
	}
	if sess.RetryCounter() != 0 {
		t.Fatalf("RetryCounter after user intervention = %d, want 0 (reset)", sess.RetryCounter())
	}
}

func TestRunProtocolViolationOnAppendClosesChannel(t *testing.T) {
	ctrl := newTestController(t)
	sess := session.NewSession("sess-3", 50)
	inbound := make(chan any, 16)
	sender := &fakeSender{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, sess, inbound, sender) }()

	inbound <- protocol.ClientOn{Type: protocol.TypeClientOn, Session: "sess-3"}
	inbound <- protocol.RecordingStarted{Type: protocol.TypeRecordingStarted, Session: "sess-3"}
	// Shorter than the 32-byte minimum frame size: a protocol violation.
	inbound <- protocol.AudioChunk{Session: "sess-3", Seq: 0, Data: pcmFrame(4)}

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("Run() error = nil, want protocol violation")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after a protocol violation")
	}
}

func waitForType(t *testing.T, sender *fakeSender, typ string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sender.last(typ) != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("did not observe a %q frame within %v (saw %v)", typ, timeout, sender.types())
}

func mustContain(t *testing.T, types []string, want string) {
	t.Helper()
	for _, typ := range types {
		if typ == want {
			return
		}
	}
	t.Fatalf("outbound frame types %v do not contain %q", types, want)
}
