package mqtt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies an envelope.
type MessageType string

const (
	// MessageTypeCommand asks the media coordinator to act
	MessageTypeCommand MessageType = "command"
	// MessageTypeEvent announces something that happened, such as a violation
	MessageTypeEvent MessageType = "event"
	// MessageTypeResponse answers a command
	MessageTypeResponse MessageType = "response"
	// MessageTypeStatus carries periodic health reports
	MessageTypeStatus MessageType = "status"
)

// Message is the envelope carried on every securelinks topic.
type Message struct {
	// ID is a fresh UUID per envelope
	ID string `json:"id"`
	// Type classifies the envelope
	Type MessageType `json:"type"`
	// Source names the sender, e.g. "coordinator:media"
	Source string `json:"source"`
	// Timestamp is when the envelope was built, in UTC
	Timestamp time.Time `json:"timestamp"`
	// CorrelationID is the command ID a response answers
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload is the JSON body
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps payload in an envelope with a fresh id.
func NewMessage(msgType MessageType, source string, payload any) (*Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ParseMessage decodes an envelope. A body that is not an envelope is
// treated as a bare payload so simple clients can publish plain JSON.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" && msg.Type == "" && msg.Payload == nil {
		msg.Payload = json.RawMessage(data)
	}
	return &msg, nil
}

// NewResponse answers a command envelope. Err, when non-nil, is reported
// in place of data.
func NewResponse(request *Message, source string, data any, err error) (*Message, error) {
	resp := Response{Success: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = err.Error()
	}
	msg, mErr := NewMessage(MessageTypeResponse, source, resp)
	if mErr != nil {
		return nil, mErr
	}
	if request != nil {
		msg.CorrelationID = request.ID
	}
	return msg, nil
}

// UnmarshalPayload decodes the payload into v.
func (m *Message) UnmarshalPayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Response is the payload of a response envelope.
type Response struct {
	// Success is false when the command failed
	Success bool `json:"success"`
	// Data is the command result on success
	Data any `json:"data,omitempty"`
	// Error describes the failure
	Error string `json:"error,omitempty"`
}
