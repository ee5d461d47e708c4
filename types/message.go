// Package types provides core types used across the agentmesh runtime.
// This package has ZERO dependencies on other agentmesh packages to avoid circular imports.
// All other packages should import types from here.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Content keys recognized by the runtime. Payloads are otherwise opaque.
const (
	// ContentKeyRequiredCapability requests capability-addressed routing
	// instead of recipient-addressed delivery.
	ContentKeyRequiredCapability = "required_capability"
	// ContentKeyShouldFail asks the receiving agent to fail on purpose.
	// Testability hook, never set on production paths.
	ContentKeyShouldFail = "should_fail"
	// ContentKeyTimeout overrides the per-step timeout, in seconds.
	ContentKeyTimeout = "timeout"
)

// Message is an immutable envelope exchanged between agents. A message is
// identified by ID and addressed from SenderID to RecipientID; Content is
// an opaque payload the runtime routes but never validates.
type Message struct {
	ID          string         `json:"id"`
	SenderID    string         `json:"sender_id"`
	RecipientID string         `json:"recipient_id"`
	Content     map[string]any `json:"content,omitempty"`
	Type        string         `json:"type,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message from sender to recipient. Messages without
// a sender or a recipient are rejected.
func NewMessage(senderID, recipientID string, content map[string]any) (Message, error) {
	if senderID == "" {
		return Message{}, NewError(ErrInvalidMessage, "message sender is required")
	}
	if recipientID == "" {
		return Message{}, NewError(ErrInvalidMessage, "message recipient is required")
	}
	return Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Timestamp:   time.Now(),
	}, nil
}

// WithType tags the message with a type.
func (m Message) WithType(messageType string) Message {
	m.Type = messageType
	return m
}

// WithMetadata sets the message metadata.
func (m Message) WithMetadata(metadata map[string]any) Message {
	m.Metadata = metadata
	return m
}

// RequiredCapability returns the capability kind the message requests via
// its content, if any. Capability-addressed routing uses this instead of
// the recipient id.
func (m Message) RequiredCapability() (CapabilityKind, bool) {
	raw, ok := m.Content[ContentKeyRequiredCapability]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case CapabilityKind:
		return v, v != ""
	case string:
		return CapabilityKind(v), v != ""
	default:
		return "", false
	}
}

// MessageFromMap builds a Message from loosely shaped map input. Both the
// sender_id/sender and recipient_id/recipient spellings are accepted,
// together with optional content, message_type, message_id and timestamp
// entries. This is the single ingestion point for map-shaped messages; the
// rest of the runtime handles only Message values.
func MessageFromMap(raw map[string]any) (Message, error) {
	sender, _ := firstString(raw, "sender_id", "sender")
	recipient, _ := firstString(raw, "recipient_id", "recipient")
	msg, err := NewMessage(sender, recipient, nil)
	if err != nil {
		return Message{}, err
	}
	if content, ok := raw["content"].(map[string]any); ok {
		msg.Content = content
	}
	if messageType, ok := raw["message_type"].(string); ok {
		msg.Type = messageType
	}
	if id, ok := raw["message_id"].(string); ok && id != "" {
		msg.ID = id
	}
	if ts, ok := raw["timestamp"].(time.Time); ok && !ts.IsZero() {
		msg.Timestamp = ts
	}
	return msg, nil
}

// firstString returns the first non-empty string value among the keys.
func firstString(raw map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
