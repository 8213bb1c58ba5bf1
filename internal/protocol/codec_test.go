package protocol

import (
	"testing"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

func TestCodecPairsMetaWithBinary(t *testing.T) {
	c := NewCodec()

	raw := []byte(`{"type":"audio_chunk_meta","session":"s1","seq":0,"len_bytes":4}`)
	event, err := c.AcceptText(raw)
	if err != nil {
		t.Fatalf("AcceptText() error = %v", err)
	}
	if event != nil {
		t.Fatalf("expected no event until binary frame arrives, got %+v", event)
	}
	if !c.AwaitingBinary() {
		t.Fatalf("expected codec to await a binary frame")
	}

	chunk, err := c.AcceptBinary([]byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("AcceptBinary() error = %v", err)
	}
	if chunk.Seq != 0 || len(chunk.Data) != 4 {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestCodecRejectsWrongLengthBinary(t *testing.T) {
	c := NewCodec()
	raw := []byte(`{"type":"audio_chunk_meta","session":"s1","seq":0,"len_bytes":4}`)
	if _, err := c.AcceptText(raw); err != nil {
		t.Fatalf("AcceptText() error = %v", err)
	}

	_, err := c.AcceptBinary([]byte{1, 2, 3})
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestCodecRejectsTextWhileAwaitingBinary(t *testing.T) {
	c := NewCodec()
	raw := []byte(`{"type":"audio_chunk_meta","session":"s1","seq":0,"len_bytes":4}`)
	if _, err := c.AcceptText(raw); err != nil {
		t.Fatalf("AcceptText() error = %v", err)
	}

	_, err := c.AcceptText([]byte(`{"type":"ping","session":"s1"}`))
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestCodecRejectsUnexpectedBinary(t *testing.T) {
	c := NewCodec()
	_, err := c.AcceptBinary([]byte{1, 2, 3, 4})
	if !apperr.Is(err, apperr.KindFrameProtocolViolation) {
		t.Fatalf("error = %v, want frame_protocol_violation", err)
	}
}

func TestCodecDropsMalformedTextSilently(t *testing.T) {
	c := NewCodec()
	event, err := c.AcceptText([]byte(`not json`))
	if err != nil {
		t.Fatalf("AcceptText() error = %v, want nil (dropped)", err)
	}
	if event != nil {
		t.Fatalf("expected nil event for malformed text, got %+v", event)
	}
}
