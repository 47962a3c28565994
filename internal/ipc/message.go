package ipc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message type channels carried over the framed socket.
const (
	TypeState   = "state"
	TypeGap     = "gap"
	TypeCandle  = "candle"
	TypeMetrics = "metrics"
	TypeControl = "control"
)

// Message is a request envelope. Responses echo the same ID.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Response is the reply envelope for a Message with the same ID.
type Response struct {
	ID        string          `json:"id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds a request envelope with a fresh uuid, marshalling the
// payload.
func NewMessage(msgType, action string, payload interface{}) (*Message, error) {
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
		Action:    action,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// OkResponse builds a success reply for msg carrying data.
func OkResponse(msg *Message, data interface{}) (*Response, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Response{
		ID:        msg.ID,
		Success:   true,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// ErrResponse builds a failure reply for msg.
func ErrResponse(msg *Message, err error) *Response {
	return &Response{
		ID:        msg.ID,
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UnixMilli(),
	}
}
