// Package protocol defines the WebSocket message types for preview ↔ server
// communication. All messages are JSON-encoded and wrapped in an Envelope for
// uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Server → Preview
	MsgOutputLine MessageType = "output.line"
	MsgRunState   MessageType = "run.state"
	MsgFixApplied MessageType = "fix.applied"
	MsgPing       MessageType = "ping"

	// Preview → Server
	MsgRuntimeError MessageType = "RUNTIME_ERROR"
	MsgPong         MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"` // Message ID for correlation.
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
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

// --- Server → Preview payloads ---

// OutputLinePayload carries one line of sandbox process output.
type OutputLinePayload struct {
	Line string `json:"line"`
}

// RunStatePayload carries a run state snapshot after a state transition.
type RunStatePayload struct {
	Phase      string `json:"phase"`
	PreviewURL string `json:"preview_url,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

// FixAppliedPayload announces a self-healing patch written into the sandbox.
type FixAppliedPayload struct {
	FilePath string `json:"file_path"`
	Attempt  int    `json:"attempt"`
}

// ErrorPayload reports a rejected message back to the peer that sent it.
type ErrorPayload struct {
	Message string `json:"message"`
}

// --- Preview → Server payloads ---

// RuntimeErrorReport is posted by the instrumented preview page when the
// browser catches an uncaught error or unhandled rejection.
type RuntimeErrorReport struct {
	Message   string `json:"message"`
	Stack     string `json:"stack"`
	ErrorType string `json:"errorType"`
}

// DecodeRuntimeError extracts a RuntimeErrorReport from raw message bytes.
// The preview page posts the report flattened next to "type", not nested
// under "payload", so this decodes the whole message body.
func DecodeRuntimeError(data []byte) (*RuntimeErrorReport, error) {
	var report RuntimeErrorReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
