// Package v1 defines the Beacon push protocol v1 wire contract.
//
// Every frame crossing a push connection is one JSON Envelope. The package is
// dependency-light and shared between the server and clients so the wire
// shape stays authoritative in one place.
package v1

import (
	"encoding/json"
	"strings"
)

// Subprotocol is the WebSocket subprotocol negotiated for this contract.
const Subprotocol = "beacon.push.v1"

// Type is the discriminator of an Envelope.
type Type string

// Type constants (wire-stable).
const (
	TypeNotification Type = "notification"
	TypeSystem       Type = "system"
	TypeHeartbeat    Type = "heartbeat"
	TypeAck          Type = "ack"
)

// Valid reports whether t is a recognized envelope type.
func (t Type) Valid() bool {
	switch t {
	case TypeNotification, TypeSystem, TypeHeartbeat, TypeAck:
		return true
	default:
		return false
	}
}

// Envelope is the canonical wire wrapper.
//
// Timestamp is milliseconds since the Unix epoch. TargetUserID is empty for
// broadcast envelopes. RequireAck asks the receiver to answer with an ack
// envelope carrying this envelope's ID.
type Envelope struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    int64           `json:"timestamp"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	RequireAck   bool            `json:"requireAck,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(string(e.Type)) == "" {
		return &DecodeError{Reason: "missing field: type"}
	}
	if !e.Type.Valid() {
		return &DecodeError{Reason: "unknown type: " + string(e.Type)}
	}
	if strings.TrimSpace(e.ID) == "" {
		return &DecodeError{Reason: "missing field: id"}
	}
	return nil
}

// Broadcast reports whether the envelope has no specific recipient.
func (e Envelope) Broadcast() bool {
	return strings.TrimSpace(e.TargetUserID) == ""
}

// DecodePayload unmarshals the kind-specific payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return &DecodeError{Reason: "missing field: payload"}
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return &DecodeError{Reason: "invalid payload", Err: err}
	}
	return nil
}
