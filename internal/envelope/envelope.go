// Package envelope defines the wire format exchanged between principals
// and its canonical serialization, checksum signing, and typed payloads.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message types carried in the envelope's type field.
const (
	TypeTaskAssignment    = "task_assignment"
	TypeReviewResult      = "review_result"
	TypeAggregationResult = "aggregation_result"
	TypeControl           = "control"
	TypeError             = "error"
)

// SchemaVersion is the envelope schema version stamped on every message.
const SchemaVersion = 1

// Envelope is the transport-agnostic unit of work. The signature field is a
// sha256 checksum over the canonical form with signature blanked; it detects
// corruption, not forgery.
type Envelope struct {
	MsgID            string          `json:"msg_id"`
	SchemaVersion    int             `json:"schema_version"`
	TaskID           string          `json:"task_id"`
	SenderID         string          `json:"sender_id"`
	SenderInstanceID string          `json:"sender_instance_id"`
	KeyID            string          `json:"key_id"`
	IssuedAt         string          `json:"issued_at"`
	Nonce            string          `json:"nonce"`
	Signature        string          `json:"signature"`
	From             string          `json:"from"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	StateVersion     int             `json:"state_version"`
	DeliveryAttempt  int             `json:"delivery_attempt"`
	CreatedAt        string          `json:"created_at"`
	ParentID         string          `json:"parent_id,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// KnownType reports whether t is one of the defined message types.
func KnownType(t string) bool {
	switch t {
	case TypeTaskAssignment, TypeReviewResult, TypeAggregationResult, TypeControl, TypeError:
		return true
	}
	return false
}

// New builds a signed envelope from sender to recipient. The payload is
// marshalled as-is; callers pass one of the typed payload structs.
func New(taskID, sender, to, msgType string, stateVersion int, parentID string, payload any) (Envelope, error) {
	if !KnownType(msgType) {
		return Envelope{}, fmt.Errorf("unknown message type %q", msgType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	env := Envelope{
		MsgID:            uuid.NewString(),
		SchemaVersion:    SchemaVersion,
		TaskID:           taskID,
		SenderID:         sender,
		SenderInstanceID: sender + "-instance-1",
		KeyID:            "k-" + sender + "-v1",
		IssuedAt:         now,
		Nonce:            uuid.NewString(),
		From:             sender,
		To:               to,
		Type:             msgType,
		StateVersion:     stateVersion,
		DeliveryAttempt:  1,
		CreatedAt:        now,
		ParentID:         parentID,
		Payload:          raw,
	}
	sig, err := Sign(env)
	if err != nil {
		return Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

// PayloadTaskID extracts the task_id field from an envelope payload.
// Returns ok=false when the payload is not an object or carries no task_id.
func PayloadTaskID(env Envelope) (string, bool) {
	var probe struct {
		TaskID *string `json:"task_id"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil || probe.TaskID == nil {
		return "", false
	}
	return *probe.TaskID, true
}
