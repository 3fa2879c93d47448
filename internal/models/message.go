package models

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of a device link message
type MessageType string

const (
	MessageTypeCommand   MessageType = "command"
	MessageTypeAck       MessageType = "ack"
	MessageTypeError     MessageType = "error"
	MessageTypeReading   MessageType = "reading"
	MessageTypeBatch     MessageType = "batch"
	MessageTypeHeartbeat MessageType = "heartbeat"
)

// Message is the envelope for all communication with the controller
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Payload:   payloadJSON,
		Timestamp: time.Now(),
	}, nil
}

// UnmarshalPayload unmarshals the message payload into the provided struct
func (m *Message) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// CommandMessage is the payload for MessageTypeCommand
type CommandMessage struct {
	ID      string          `json:"id"`
	Command CommandKind     `json:"command"`
	Value   json.RawMessage `json:"value"`
}

// AckMessage is the payload for MessageTypeAck
type AckMessage struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// ErrorMessage is the payload for MessageTypeError
type ErrorMessage struct {
	MessageID string `json:"message_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ReadingMessage is the payload for MessageTypeReading
type ReadingMessage struct {
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[Metric]float64 `json:"metrics"`
	Misting   *MistingState      `json:"misting,omitempty"`
}

// BatchMessage is the payload for MessageTypeBatch
type BatchMessage struct {
	Readings []ReadingMessage `json:"readings"`
	Count    int              `json:"count"`
}

// HeartbeatMessage is the payload for MessageTypeHeartbeat
type HeartbeatMessage struct {
	DeviceID   string `json:"device_id"`
	Firmware   string `json:"firmware,omitempty"`
	Uptime     int64  `json:"uptime"`
	BufferSize int    `json:"buffer_size"`
}

// EncodeCommand builds the wire frame for cmd. The value sent is the typed
// parameter filled in by validation, never the caller's raw input.
func EncodeCommand(cmd *Command) ([]byte, error) {
	value, err := cmd.Params.WireValue()
	if err != nil {
		return nil, err
	}
	return CommandFrame(cmd.ID, cmd.Kind, value)
}

// CommandFrame builds a command frame carrying value as is. An empty value is sent as null.
func CommandFrame(id string, kind CommandKind, value json.RawMessage) ([]byte, error) {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	msg, err := NewMessage(MessageTypeCommand, CommandMessage{
		ID:      id,
		Command: kind,
		Value:   value,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// DecodeMessage parses a wire frame
func DecodeMessage(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
