package server

import (
	"encoding/json"
	"fmt"

	"collabedit/ot"
)

// Inbound event types.
const (
	EventHandshake    = "handshake"
	EventGetDocument  = "get-document"
	EventSendChanges  = "send-changes"
	EventSaveDocument = "save-document"
	EventDisconnect   = "disconnect"
)

// Outbound event types.
const (
	EventLoadDocument      = "load-document"
	EventReceiveChanges    = "receive-changes"
	EventAck               = "ack"
	EventAccessDenied      = "access-denied"
	EventPermissionError   = "permission-error"
	EventRateLimitExceeded = "rate-limit-exceeded"
	EventUserLeft          = "user-left"
	EventError             = "error"
)

// ClientEvent is the envelope for messages received from a client.
type ClientEvent struct {
	Type        string         `json:"type"`
	UserID      string         `json:"userId,omitempty"`
	Username    string         `json:"username,omitempty"`
	DocumentID  string         `json:"documentId,omitempty"`
	Name        string         `json:"name,omitempty"`
	Ops         []ot.Operation `json:"ops,omitempty"`
	BaseVersion int64          `json:"baseVersion,omitempty"`
	Data        string         `json:"data,omitempty"`
}

// ServerEvent is the envelope for messages sent to a client.
type ServerEvent struct {
	Type           string         `json:"type"`
	DocumentID     string         `json:"documentId,omitempty"`
	Data           string         `json:"data,omitempty"`
	Version        int64          `json:"version,omitempty"`
	Role           string         `json:"role,omitempty"`
	CanEdit        bool           `json:"canEdit,omitempty"`
	Ops            []ot.Operation `json:"ops,omitempty"`
	OriginClientID string         `json:"originClientId,omitempty"`
	Transformed    bool           `json:"transformed,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Username       string         `json:"username,omitempty"`
	Code           string         `json:"code,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// DecodeClientEvent parses one inbound frame.
func DecodeClientEvent(payload []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode client event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("client event missing type")
	}
	return &ev, nil
}
