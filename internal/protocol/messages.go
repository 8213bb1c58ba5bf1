// Package protocol implements the Frame Codec: it decodes the duplex
// channel's interleaved text/binary frames into a typed event stream and
// encodes the symmetric outbound events.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a wire-level text frame variant.
type MessageType string

// Inbound (client -> server) message types.
const (
	TypeHello            MessageType = "hello"
	TypeClientOn         MessageType = "client_on"
	TypeRecordingStarted MessageType = "recording_started"
	TypeAudioChunkMeta   MessageType = "audio_chunk_meta"
	TypeRecordingStopped MessageType = "recording_stopped"
	TypeImageCaptured    MessageType = "image_captured"
	TypeReadyForPlayback MessageType = "ready_for_playback"
	TypePlaybackComplete MessageType = "playback_complete"
	TypePing             MessageType = "ping"
	TypeError            MessageType = "error"
	TypeReject           MessageType = "reject"
)

// Outbound (server -> client) message types.
const (
	TypeReady                  MessageType = "ready"
	TypeAck                    MessageType = "ack"
	TypePartial                MessageType = "partial"
	TypeTranscript             MessageType = "transcript"
	TypeLLM                    MessageType = "llm"
	TypeTTSReady               MessageType = "tts_ready"
	TypeTTSChunkMeta           MessageType = "tts_chunk_meta"
	TypeTTSDone                MessageType = "tts_done"
	TypeImageReceived          MessageType = "image_received"
	TypeRequestRerecord        MessageType = "request_rerecord"
	TypeOfferDownload          MessageType = "offer_download"
	TypeStateSync              MessageType = "state_sync"
	TypeRequestUserIntervention MessageType = "request_user_intervention"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// Envelope is the minimal shape every inbound text frame must satisfy.
type Envelope struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

// Capabilities describes what the firmware client reports at hello time.
type Capabilities struct {
	PSRAM         bool `json:"psram"`
	MaxChunkBytes int  `json:"max_chunk_bytes"`
}

type Hello struct {
	Type         MessageType  `json:"type"`
	Session      string       `json:"session"`
	Device       string       `json:"device"`
	Capabilities Capabilities `json:"capabilities"`
}

type ClientOn struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

type RecordingStarted struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	TS      int64       `json:"ts"`
}

type AudioChunkMeta struct {
	Type     MessageType `json:"type"`
	Session  string      `json:"session"`
	Seq      int         `json:"seq"`
	LenBytes int         `json:"len_bytes"`
}

type RecordingStopped struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

type ImageCaptured struct {
	Type     MessageType `json:"type"`
	Session  string      `json:"session"`
	Filename string      `json:"filename"`
	Size     int         `json:"size"`
}

type ReadyForPlayback struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

type PlaybackComplete struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

type Ping struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
}

type ClientError struct {
	Type    MessageType `json:"type"`
	Session string      `json:"session"`
	State   string      `json:"state"`
	Error   string      `json:"error"`
	Detail  string      `json:"detail"`
}

type Reject struct {
	Type         MessageType `json:"type"`
	Session      string      `json:"session"`
	Reason       string      `json:"reason"`
	CurrentState string      `json:"current_state"`
}

// AudioChunk is the fully-paired inbound event produced once an
// audio_chunk_meta frame is immediately followed by its binary frame.
type AudioChunk struct {
	Session string
	Seq     int
	Data    []byte
}

// Outbound message constructors. Each returns the JSON bytes ready to
// write as a text frame.

type readyMsg struct {
	Type MessageType `json:"type"`
}

func EncodeReady() ([]byte, error) {
	return json.Marshal(readyMsg{Type: TypeReady})
}

type ackMsg struct {
	Type MessageType `json:"type"`
	Ref  string      `json:"ref"`
	Seq  int         `json:"seq"`
}

func EncodeAck(ref string, seq int) ([]byte, error) {
	return json.Marshal(ackMsg{Type: TypeAck, Ref: ref, Seq: seq})
}

type partialMsg struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func EncodePartial(text string) ([]byte, error) {
	return json.Marshal(partialMsg{Type: TypePartial, Text: text})
}

type transcriptMsg struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Final bool        `json:"final"`
}

func EncodeTranscript(text string) ([]byte, error) {
	return json.Marshal(transcriptMsg{Type: TypeTranscript, Text: text, Final: true})
}

type llmMsg struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func EncodeLLM(text string) ([]byte, error) {
	return json.Marshal(llmMsg{Type: TypeLLM, Text: text})
}

type ttsReadyMsg struct {
	Type       MessageType `json:"type"`
	DurationMS int64       `json:"duration_ms"`
	SampleRate int         `json:"sampleRate"`
	Format     string      `json:"format"`
}

func EncodeTTSReady(durationMS int64, sampleRate int, format string) ([]byte, error) {
	return json.Marshal(ttsReadyMsg{Type: TypeTTSReady, DurationMS: durationMS, SampleRate: sampleRate, Format: format})
}

type ttsChunkMetaMsg struct {
	Type     MessageType `json:"type"`
	Seq      int         `json:"seq"`
	LenBytes int         `json:"len_bytes"`
}

func EncodeTTSChunkMeta(seq, lenBytes int) ([]byte, error) {
	return json.Marshal(ttsChunkMetaMsg{Type: TypeTTSChunkMeta, Seq: seq, LenBytes: lenBytes})
}

type ttsDoneMsg struct {
	Type MessageType `json:"type"`
}

func EncodeTTSDone() ([]byte, error) {
	return json.Marshal(ttsDoneMsg{Type: TypeTTSDone})
}

type imageReceivedMsg struct {
	Type     MessageType `json:"type"`
	Filename string      `json:"filename"`
}

func EncodeImageReceived(filename string) ([]byte, error) {
	return json.Marshal(imageReceivedMsg{Type: TypeImageReceived, Filename: filename})
}

type requestRerecordMsg struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

func EncodeRequestRerecord(reason string) ([]byte, error) {
	return json.Marshal(requestRerecordMsg{Type: TypeRequestRerecord, Reason: reason})
}

type offerDownloadMsg struct {
	Type MessageType `json:"type"`
	URL  string      `json:"url"`
}

func EncodeOfferDownload(url string) ([]byte, error) {
	return json.Marshal(offerDownloadMsg{Type: TypeOfferDownload, URL: url})
}

type stateSyncMsg struct {
	Type        MessageType `json:"type"`
	ServerState string      `json:"server_state"`
	Message     string      `json:"message"`
}

func EncodeStateSync(state, message string) ([]byte, error) {
	return json.Marshal(stateSyncMsg{Type: TypeStateSync, ServerState: state, Message: message})
}

type requestUserInterventionMsg struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func EncodeRequestUserIntervention(message string) ([]byte, error) {
	return json.Marshal(requestUserInterventionMsg{Type: TypeRequestUserIntervention, Message: message})
}

// parseEnvelope sniffs the type/session fields shared by every inbound
// text frame.
func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("missing type field")
	}
	return env, nil
}

// ParseClientText decodes one inbound text frame into its typed value.
// Malformed text (non-JSON or missing type) returns ErrUnsupportedType's
// sibling error so the caller can log-and-drop per §4.1.
func ParseClientText(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		return msg, json.Unmarshal(raw, &msg)
	case TypeClientOn:
		var msg ClientOn
		return msg, json.Unmarshal(raw, &msg)
	case TypeRecordingStarted:
		var msg RecordingStarted
		return msg, json.Unmarshal(raw, &msg)
	case TypeAudioChunkMeta:
		var msg AudioChunkMeta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.LenBytes <= 0 {
			return nil, errors.New("invalid audio_chunk_meta: len_bytes must be positive")
		}
		return msg, nil
	case TypeRecordingStopped:
		var msg RecordingStopped
		return msg, json.Unmarshal(raw, &msg)
	case TypeImageCaptured:
		var msg ImageCaptured
		return msg, json.Unmarshal(raw, &msg)
	case TypeReadyForPlayback:
		var msg ReadyForPlayback
		return msg, json.Unmarshal(raw, &msg)
	case TypePlaybackComplete:
		var msg PlaybackComplete
		return msg, json.Unmarshal(raw, &msg)
	case TypePing:
		var msg Ping
		return msg, json.Unmarshal(raw, &msg)
	case TypeError:
		var msg ClientError
		return msg, json.Unmarshal(raw, &msg)
	case TypeReject:
		var msg Reject
		return msg, json.Unmarshal(raw, &msg)
	default:
		return nil, ErrUnsupportedType
	}
}
