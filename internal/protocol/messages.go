// Package protocol defines the WebSocket message types exchanged between the
// runner core and its observer sessions. All messages are JSON-encoded and
// wrapped in an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Session → Core commands.
	MsgStart        MessageType = "start"
	MsgInput        MessageType = "input"
	MsgStop         MessageType = "stop"
	MsgStopExternal MessageType = "stop_external"
	MsgWatch        MessageType = "watch"
	MsgStatus       MessageType = "status"

	// Core → Session events.
	MsgConnected       MessageType = "connected"
	MsgStarted         MessageType = "started"
	MsgOutput          MessageType = "output"
	MsgWatching        MessageType = "watching"
	MsgProcessEnded    MessageType = "process_ended"
	MsgExternalStopped MessageType = "external_stopped"
	MsgStatusReply     MessageType = "status"
	MsgAllStatus       MessageType = "all_status"
	MsgError           MessageType = "error"
)

// Envelope is the top-level wrapper for every message in either direction.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	Script    string          `json:"script,omitempty"` // Set on script-scoped events for routing without a payload decode.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Session → Core payloads ---

// StartPayload requests execution of a stored script.
type StartPayload struct {
	Script string `json:"script"`
}

// InputPayload carries raw bytes for a running script's terminal.
type InputPayload struct {
	Script string `json:"script"`
	Data   string `json:"data"`
}

// StopPayload requests graceful-then-forceful termination.
type StopPayload struct {
	Script string `json:"script"`
}

// StopExternalPayload targets a process outside the supervisor's registry.
type StopExternalPayload struct {
	PID int `json:"pid"`
}

// WatchPayload subscribes the session to a running script's output.
type WatchPayload struct {
	Script string `json:"script"`
}

// StatusPayload queries one script, or all running scripts when empty.
type StatusPayload struct {
	Script string `json:"script,omitempty"`
}

// --- Core → Session payloads ---

// ConnectedPayload greets a freshly accepted session.
type ConnectedPayload struct {
	Hostname string `json:"hostname"`
}

// StartedPayload announces a successful spawn.
type StartedPayload struct {
	Script    string  `json:"script"`
	PID       int     `json:"pid"`
	StartTime float64 `json:"start_time"` // Unix seconds.
}

// OutputPayload carries one transcript chunk (or, on watch, the full
// accumulated transcript).
type OutputPayload struct {
	Script string `json:"script"`
	Data   string `json:"data"`
}

// WatchingPayload confirms a watch subscription after history replay.
type WatchingPayload struct {
	Script    string  `json:"script"`
	StartTime float64 `json:"start_time"`
	PID       int     `json:"pid"`
}

// ProcessEndedPayload announces termination with measured wall-clock runtime.
type ProcessEndedPayload struct {
	Script  string  `json:"script"`
	Runtime float64 `json:"runtime"` // Seconds.
}

// ExternalStoppedPayload confirms a stop_external command.
type ExternalStoppedPayload struct {
	PID int `json:"pid"`
}

// StatusReplyPayload reports one script's state.
type StatusReplyPayload struct {
	Script  string   `json:"script"`
	Running bool     `json:"running"`
	PID     *int     `json:"pid,omitempty"`
	Runtime *float64 `json:"runtime,omitempty"`
}

// RunningStatus is one entry in an all_status report.
type RunningStatus struct {
	PID     int     `json:"pid"`
	Runtime float64 `json:"runtime"`
}

// AllStatusPayload maps every running script to its status.
type AllStatusPayload struct {
	Running map[string]RunningStatus `json:"running"`
}

// ErrorPayload reports a command failure. Errors and Missing carry validator
// detail when a start is refused.
type ErrorPayload struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
	Missing []string `json:"missing,omitempty"`
}
