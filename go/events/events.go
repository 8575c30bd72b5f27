// Package events defines the terminal-event envelope exchanged with
// transcription workers over Pub/Sub, and the publish/subscribe
// adapters around it.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type enumerates event kinds carried by the envelope.
type Type string

const (
	TypeJobCompleted Type = "job_completed"
	TypeJobFailed    Type = "job_failed"
	TypeNewJob       Type = "new_job"
	TypeCancelJob    Type = "cancel_job"
	TypeJobCanceled  Type = "job_canceled"

	// Legacy names emitted by a historical publisher. Accepted on
	// input only; the orchestrator always emits the current names.
	typeBatchComplete Type = "batch_complete"
	typeBatchFailed   Type = "batch_failed"
)

// Normalize maps legacy aliases onto current event types. Unknown
// types pass through unchanged for the handler to log.
func (t Type) Normalize() Type {
	switch t {
	case typeBatchComplete:
		return TypeJobCompleted
	case typeBatchFailed:
		return TypeJobFailed
	default:
		return t
	}
}

// Known is true for types the completion handler understands,
// after normalization.
func (t Type) Known() bool {
	switch t.Normalize() {
	case TypeJobCompleted, TypeJobFailed, TypeNewJob, TypeCancelJob, TypeJobCanceled:
		return true
	default:
		return false
	}
}

// Envelope is the wire format of a single event, bit-exact JSON.
// ErrorMessage is deliberately not omitempty: absent values are
// encoded as an explicit null.
type Envelope struct {
	JobID        string    `json:"job_id"`
	EventType    Type      `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage *string   `json:"error_message"`
}

// NewEnvelope builds an envelope stamped with the current time.
// errorMessage is attached only when non-empty.
func NewEnvelope(jobID string, eventType Type, errorMessage string) Envelope {
	var env = Envelope{
		JobID:     jobID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	if errorMessage != "" {
		env.ErrorMessage = &errorMessage
	}
	return env
}

// Encode marshals the envelope for publication.
func (e Envelope) Encode() ([]byte, error) {
	var data, err = json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event for job %s: %w", e.JobID, err)
	}
	return data, nil
}

// Decode parses an inbound envelope. Malformed payloads are a
// validation error: the caller logs and drops, never retries.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding event envelope: %w", err)
	}
	return env, nil
}

// ErrorText returns the envelope's error message, or empty.
// (Not named Error: the envelope must not satisfy the error interface.)
func (e Envelope) ErrorText() string {
	if e.ErrorMessage == nil {
		return ""
	}
	return *e.ErrorMessage
}
