// Package message defines the wire-level Message type delivered to subscribers
// and the envelope used to serialize it exactly once per publish.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority controls offline-queue ordering and outbound back-pressure behavior.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// rank orders priorities for offline-queue sorting; higher is more urgent.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// HigherOrEqual reports whether p ranks at or above other (critical > high >
// normal > low; an unknown priority ranks as normal).
func (p Priority) HigherOrEqual(other Priority) bool {
	return p.rank() >= other.rank()
}

// Metadata carries delivery hints that ride alongside a Message but are not
// part of its payload.
type Metadata struct {
	Source        string    `json:"source,omitempty"`
	Priority      Priority  `json:"priority,omitempty"`
	TTL           *int64    `json:"ttl,omitempty"` // seconds
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Message is the immutable unit of delivery. It is assigned an id and
// timestamp by Dispatcher.Publish and never mutated afterward.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  Metadata        `json:"metadata"`
}

// New assigns a fresh id and timestamp to a message about to be published.
// The caller supplies everything else; Dispatcher is the only caller in the
// core (subscribers never construct a Message directly).
func New(msgType, channel string, data json.RawMessage, meta Metadata) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now(),
		Metadata:  meta,
	}
}

// Frame is the outer envelope written to the wire: {type, data}. Every frame
// the server emits or accepts has this shape, per SPEC_FULL.md §6.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Serialize turns a Message into a Frame{type:"message", data:<message>} and
// marshals it exactly once. The resulting bytes are shared by reference
// across every recipient's outbound queue — Dispatcher never re-marshals per
// recipient.
func Serialize(m *Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := Frame{Type: "message", Data: payload}
	return json.Marshal(frame)
}

// ErrorFrame builds the wire shape of an `error` frame.
func ErrorFrame(code, msg string, data any) ([]byte, error) {
	body := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}{Code: code, Message: msg, Data: data}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: "error", Data: payload})
}

// Encode wraps an arbitrary reply payload in a typed Frame and marshals it
// once. Used by the Supervisor for authentication_result, subscription_result,
// unsubscription_result, pong, connection_status, and subscription_update.
func Encode(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Data: data})
}
