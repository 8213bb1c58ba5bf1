package protocol

import (
	"strconv"

	"github.com/hotpin/hotpinserver/internal/apperr"
)

// Codec pairs each audio_chunk_meta text frame with the binary frame
// that must immediately follow it. It holds no network state of its
// own — the caller feeds it frames in receive order and gets back typed
// events, or a *apperr.Error{Kind: KindFrameProtocolViolation} the
// instant the pairing contract is violated.
type Codec struct {
	pending *AudioChunkMeta
}

func NewCodec() *Codec { return &Codec{} }

// AcceptText feeds one inbound text frame to the codec. It returns the
// decoded event, or an error if a binary frame was expected instead (a
// protocol violation) or the text itself is malformed (a nil, nil
// result signalling "drop and log a warning", per §4.1).
func (c *Codec) AcceptText(raw []byte) (any, error) {
	if c.pending != nil {
		pending := c.pending
		c.pending = nil
		return nil, apperr.New(apperr.KindFrameProtocolViolation, "expected binary frame after audio_chunk_meta seq="+strconv.Itoa(pending.Seq)+", got text")
	}

	event, err := ParseClientText(raw)
	if err != nil {
		if err == ErrUnsupportedType {
			return nil, nil
		}
		return nil, nil
	}

	if meta, ok := event.(AudioChunkMeta); ok {
		m := meta
		c.pending = &m
		return nil, nil
	}
	return event, nil
}

// AcceptBinary feeds one inbound binary frame to the codec. It must
// only be called when AcceptText most recently queued a pending meta;
// the caller (the websocket read loop) is expected to alternate frame
// kinds as the wire guarantees, but this method re-validates anyway.
func (c *Codec) AcceptBinary(data []byte) (AudioChunk, error) {
	if c.pending == nil {
		return AudioChunk{}, apperr.New(apperr.KindFrameProtocolViolation, "binary frame with no preceding audio_chunk_meta")
	}
	meta := c.pending
	c.pending = nil
	if len(data) != meta.LenBytes {
		return AudioChunk{}, apperr.New(apperr.KindFrameProtocolViolation, "binary frame length does not match declared len_bytes")
	}
	return AudioChunk{Session: meta.Session, Seq: meta.Seq, Data: data}, nil
}

// AwaitingBinary reports whether the codec currently expects the next
// inbound datum to be a binary frame.
func (c *Codec) AwaitingBinary() bool { return c.pending != nil }

// Sender is the outbound half of the duplex channel: a text or binary
// frame write that blocks until the underlying transport has actually
// accepted it, giving the Playback Streamer's chunk loop the
// "emission awaits the previous chunk's completion" backpressure §4.7
// requires without this package needing to know about websockets.
type Sender interface {
	SendText(payload []byte) error
	SendBinary(payload []byte) error
}
