package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Типы событий realtime-канала. Совпадают с типами сервера ecochat.
const (
	EventNewMessage       = "new_message"
	EventTyping           = "typing"
	EventConnectionStatus = "connection_status"
	EventError            = "error"
)

// Envelope представляет собой конверт события для WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent создает конверт с указанным типом и данными.
func NewEvent(eventType string, payload interface{}) (Envelope, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: eventType, Payload: payloadJSON}, nil
}

// NewMessagePayload — payload события "new_message".
type NewMessagePayload struct {
	Message Message `json:"message"`
}

// TypingPayload — payload события "typing".
type TypingPayload struct {
	ChatID   uuid.UUID `json:"chatId"`
	IsTyping bool      `json:"isTyping"`
	Sender   string    `json:"sender"`
}

// ConnectionStatusPayload — payload события "connection_status".
type ConnectionStatusPayload struct {
	Connected bool `json:"connected"`
}

// ErrorPayload — payload события "error".
type ErrorPayload struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}
