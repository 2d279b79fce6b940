package models

import (
	"time"

	"github.com/google/uuid"
)

// Отправитель сообщения. Ответы живого оператора и автоответчика
// приходят с одним и тем же типом "admin".
const (
	SenderUser  = "user"
	SenderAdmin = "admin"
)

// Message представляет собой одно сообщение в чате.
// Формат полей совпадает с сервером ecochat.
type Message struct {
	ID        uuid.UUID              `json:"id"`
	ChatID    uuid.UUID              `json:"chatId"`
	Content   string                 `json:"content"`
	Sender    string                 `json:"sender"` // "user" или "admin"
	SenderID  uuid.UUID              `json:"senderId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type,omitempty"` // "text", "image", "file", etc.
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Less задаёт порядок отображения сообщений: по времени, при равном
// времени — по ID. Порядок не зависит от того, каким путём (push или
// snapshot) сообщение было доставлено.
func (m *Message) Less(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID.String() < other.ID.String()
}
