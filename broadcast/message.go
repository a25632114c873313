package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"collabedit/ot"
)

// Message kinds carried on a document channel.
const (
	KindDelta    = "delta"
	KindUserLeft = "user-left"
)

// Message is the wire format on the bus. MessageID is a snowflake unique
// across instances; InstanceID lets receivers tell remote deltas (which must
// be folded into the local engine) from loopback deliveries of their own.
type Message struct {
	MessageID       int64          `json:"messageId"`
	Kind            string         `json:"kind"`
	InstanceID      string         `json:"instanceId"`
	DocumentID      string         `json:"documentId"`
	Ops             []ot.Operation `json:"ops,omitempty"`
	Version         int64          `json:"version,omitempty"`
	OriginClientID  string         `json:"originClientId,omitempty"`
	OriginSessionID string         `json:"originSessionId,omitempty"`
	UserID          string         `json:"userId,omitempty"`
	Username        string         `json:"username,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Encode serializes the message for the bus.
func (m *Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bus message: %w", err)
	}
	return payload, nil
}

// DecodeMessage parses a bus payload.
func DecodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode bus message: %w", err)
	}
	return &msg, nil
}
