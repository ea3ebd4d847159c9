// Package protocol defines the JSON messages exchanged with the backend voice
// endpoint. Every frame is a JSON text message with a "type" discriminator.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chadiek/voice-core/internal/audio"
	"github.com/chadiek/voice-core/internal/importance"
)

// ProtocolError reports a malformed or unknown message. The offending
// message is dropped; the session continues.
type ProtocolError struct {
	Code    string
	Message string
	Type    string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Type) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

func badMessage(message, typ string) *ProtocolError {
	return &ProtocolError{Code: "bad_message", Message: message, Type: typ}
}

func unknownType(typ string) *ProtocolError {
	return &ProtocolError{Code: "unknown_type", Message: "unsupported message type", Type: typ}
}

// Control actions sent by the client.
const (
	ActionMute        = "mute"
	ActionUnmute      = "unmute"
	ActionHardMute    = "hard_mute"
	ActionHardUnmute  = "hard_unmute"
	ActionClearMemory = "clear_memory"
	ActionPong        = "pong"
)

// ValidAction reports whether a is a known control action.
func ValidAction(a string) bool {
	switch a {
	case ActionMute, ActionUnmute, ActionHardMute, ActionHardUnmute, ActionClearMemory, ActionPong:
		return true
	}
	return false
}

// AudioFormat describes the PCM payload of an audio_frame.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	FrameMS    int    `json:"frame_ms"`
}

// DefaultFormat is the only format the client sends.
var DefaultFormat = AudioFormat{
	Encoding:   audio.Encoding,
	SampleRate: audio.SampleRate,
	Channels:   1,
	FrameMS:    int(audio.FrameDuration.Milliseconds()),
}

type AudioFrame struct {
	Type      string      `json:"type"`
	Data      string      `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Format    AudioFormat `json:"format"`
}

type Control struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// NewAudioFrame encodes f as an audio_frame message.
func NewAudioFrame(f audio.Frame) AudioFrame {
	return AudioFrame{
		Type:      "audio_frame",
		Data:      base64.StdEncoding.EncodeToString(f.Bytes()),
		Timestamp: f.Timestamp.UnixMilli(),
		Format:    DefaultFormat,
	}
}

// Samples decodes the frame payload.
func (a AudioFrame) Samples() ([]int16, error) {
	pcm, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, badMessage("audio_frame.data is not base64", "audio_frame")
	}
	return audio.DecodePCM16(pcm), nil
}

func NewControl(action string) Control {
	return Control{Type: "control", Action: action}
}

// StatusUpdate carries the server-side session counters.
type StatusUpdate struct {
	Type      string  `json:"type"`
	Active    bool    `json:"active"`
	Muted     bool    `json:"muted"`
	HardMuted bool    `json:"hard_muted"`
	Frames    int64   `json:"frames"`
	Buffer    int     `json:"buffer"`
	Duration  float64 `json:"duration"`
}

type TranscriptionPartial struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Timestamp  int64   `json:"timestamp,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type TranscriptionFinal struct {
	Type       string            `json:"type"`
	Text       string            `json:"text"`
	Timestamp  int64             `json:"timestamp,omitempty"`
	Speaker    string            `json:"speaker,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Importance *importance.Score `json:"importance,omitempty"`
}

type AmbientSummary struct {
	Type        string   `json:"type"`
	WindowStart string   `json:"windowStart"`
	WindowEnd   string   `json:"windowEnd"`
	Highlights  []string `json:"highlights"`
	RawRef      string   `json:"rawRef,omitempty"`
	ChunkCount  int      `json:"chunkCount,omitempty"`
}

type ProactiveTrigger struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Intent  string `json:"intent,omitempty"`
}

type Keepalive struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// AgentAck announces a recognized intent before the result is ready.
type AgentAck struct {
	Type   string         `json:"type"`
	Intent string         `json:"intent"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentResult carries the final answer text to be spoken.
type AgentResult struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SpeechStarted and SpeechStopped are server VAD telemetry.
type SpeechStarted struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type SpeechStopped struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Encode marshals a client message.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeServerMessage decodes one server frame into its typed message. Errors
// are always *ProtocolError.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badMessage("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badMessage("missing type", "")
	}

	switch typ {
	case "status_update":
		return decodeAs[StatusUpdate](data, typ)
	case "transcription_partial":
		return decodeAs[TranscriptionPartial](data, typ)
	case "transcription_final":
		msg, err := decodeAs[TranscriptionFinal](data, typ)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badMessage("transcription_final.text is required", typ)
		}
		return msg, nil
	case "ambient_summary":
		return decodeAs[AmbientSummary](data, typ)
	case "proactive_trigger":
		return decodeAs[ProactiveTrigger](data, typ)
	case "keepalive":
		return decodeAs[Keepalive](data, typ)
	case "error":
		return decodeAs[ErrorMessage](data, typ)
	case "agent_ack":
		msg, err := decodeAs[AgentAck](data, typ)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Intent) == "" {
			return nil, badMessage("agent_ack.intent is required", typ)
		}
		return msg, nil
	case "agent_result":
		return decodeAs[AgentResult](data, typ)
	case "speech_started":
		return decodeAs[SpeechStarted](data, typ)
	case "speech_stopped":
		return decodeAs[SpeechStopped](data, typ)
	default:
		return nil, unknownType(typ)
	}
}

// DecodeClientMessage decodes a client frame. It is used by test servers and
// the loopback tooling.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badMessage("invalid json frame", "")
	}
	switch typ := strings.TrimSpace(envelope.Type); typ {
	case "audio_frame":
		msg, err := decodeAs[AudioFrame](data, typ)
		if err != nil {
			return nil, err
		}
		if msg.Data == "" {
			return nil, badMessage("audio_frame.data is required", typ)
		}
		return msg, nil
	case "control":
		msg, err := decodeAs[Control](data, typ)
		if err != nil {
			return nil, err
		}
		if !ValidAction(msg.Action) {
			return nil, badMessage("unsupported control action", typ)
		}
		return msg, nil
	case "":
		return nil, badMessage("missing type", "")
	default:
		return nil, unknownType(typ)
	}
}

func decodeAs[T any](data []byte, typ string) (T, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, badMessage("invalid "+typ, typ)
	}
	return msg, nil
}
