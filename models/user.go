package models

import (
	"github.com/google/uuid"
)

// User представляет собой структуру пользователя виджета.
type User struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name,omitempty"`
	Email string    `json:"email,omitempty"`
}

// Admin представляет собой структуру оператора поддержки.
type Admin struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash,omitempty"`
	Role         string    `json:"role"` // "admin", "support", etc.
	Active       bool      `json:"active"`
}
