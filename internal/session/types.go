package session

import (
	"context"
	"fmt"
	"time"

	"github.com/chadiek/voice-core/internal/ack"
	"github.com/chadiek/voice-core/internal/convstate"
	"github.com/chadiek/voice-core/internal/importance"
)

// MuteLevel is the two-level microphone gate. Frames are sent only at
// MuteNone.
type MuteLevel string

const (
	MuteNone MuteLevel = "none"
	MuteSoft MuteLevel = "soft"
	MuteHard MuteLevel = "hard"
)

// ConnectionStatus describes the duplex channel.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// ErrorKind classifies an ErrorEvent.
type ErrorKind string

const (
	KindPermission ErrorKind = "permission"
	KindTransport  ErrorKind = "transport"
	KindProtocol   ErrorKind = "protocol"
	KindServer     ErrorKind = "server"
	KindPlayback   ErrorKind = "playback"
)

// TransportError reports that the channel is closed or unreachable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrorEvent is the only error shape that leaves the client: a readable
// message and the state the session was in.
type ErrorEvent struct {
	Message  string          `json:"message"`
	State    convstate.State `json:"state"`
	Kind     ErrorKind       `json:"kind"`
	Terminal bool            `json:"terminal"`
	At       time.Time       `json:"timestamp"`
}

// ConnectionEvent is published on every channel status change.
type ConnectionEvent struct {
	Status  ConnectionStatus `json:"status"`
	Attempt int              `json:"attempt,omitempty"`
	At      time.Time        `json:"timestamp"`
}

// TranscriptEvent is a partial or final transcription as received.
type TranscriptEvent struct {
	Text       string            `json:"text"`
	Final      bool              `json:"final"`
	Speaker    string            `json:"speaker,omitempty"`
	Confidence float64           `json:"confidence,omitempty"`
	Importance *importance.Score `json:"importance,omitempty"`
	At         time.Time         `json:"timestamp"`
}

// Speaker plays acknowledgments and results. *ack.Coordinator satisfies it.
type Speaker interface {
	StartAck(ctx context.Context, intent string, params map[string]any) error
	AnnounceResult(ctx context.Context, text string) (ack.Crossfade, error)
	Playing() bool
	Cancel()
}

// Recorder receives session counters.
type Recorder interface {
	RecordFrame(sent bool)
	RecordReconnectAttempt()
	RecordProtocolError()
	RecordBargeIn()
}

type nopRecorder struct{}

func (nopRecorder) RecordFrame(bool)        {}
func (nopRecorder) RecordReconnectAttempt() {}
func (nopRecorder) RecordProtocolError()    {}
func (nopRecorder) RecordBargeIn()          {}
