package audio

import (
	"bytes"
	"testing"
)

func TestEncodeThenDecodeRoundTrips(t *testing.T) {
	pcm := make([]byte, 3200)
	for i := range pcm {
		pcm[i] = byte(i % 256)
	}

	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}

	decoded, sampleRate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if sampleRate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", sampleRate)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Fatalf("decoded PCM does not match original")
	}
}

func TestEncodeDefaultsToSixteenKHzForInvalidRate(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{1, 2, 3, 4}, 0)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	_, sampleRate, err := DecodeWAVPCM16LE(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16LE() error = %v", err)
	}
	if sampleRate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000 (default)", sampleRate)
	}
}

func TestDecodeRejectsNonRIFFStream(t *testing.T) {
	_, _, err := DecodeWAVPCM16LE([]byte("not a wav file at all"))
	if err == nil {
		t.Fatalf("DecodeWAVPCM16LE() error = nil, want error")
	}
}

func TestDecodeRejectsMissingDataChunk(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	buf.Write([]byte{0, 0, 0, 0})
	buf.WriteString("WAVE")

	_, _, err := DecodeWAVPCM16LE(buf.Bytes())
	if err == nil {
		t.Fatalf("DecodeWAVPCM16LE() error = nil, want 'no data chunk found'")
	}
}
