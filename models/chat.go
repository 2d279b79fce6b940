package models

import (
	"time"

	"github.com/google/uuid"
)

// Тип ассистента, выбранный пользователем при создании чата.
// Фиксируется один раз и не меняется.
const (
	AssistantAI    = "ai_assistant"
	AssistantHuman = "human_support"
)

// Статус чата. Назначается сервером, виджет его только читает.
const (
	StatusOpen    = "open"
	StatusPending = "pending"
	StatusClosed  = "closed"
)

// Chat представляет собой один диалог пользователя с поддержкой.
type Chat struct {
	ID            uuid.UUID `json:"id"`
	User          User      `json:"user"`
	Subject       string    `json:"subject"`
	AssistantType string    `json:"assistantType"` // "ai_assistant" или "human_support"
	Status        string    `json:"status"`        // "open", "pending", "closed"
	Messages      []Message `json:"messages"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ChatResponse для списка чатов в админке (без полной истории).
type ChatResponse struct {
	ID          uuid.UUID `json:"id"`
	User        User      `json:"user"`
	Subject     string    `json:"subject"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
