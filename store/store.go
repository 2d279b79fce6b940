// Package store хранит актуальный список сообщений активного чата.
//
// Store — единственное место, где решается вопрос консистентности:
// сообщения приходят двумя независимыми путями (push по WebSocket и
// периодический snapshot по HTTP), оба пути сводятся сюда через
// идемпотентные ApplyIncoming/ApplySnapshot.
package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/egor/ecochatwidget/models"
)

// Store хранит дедуплицированный, упорядоченный список сообщений.
// Сообщения никогда не удаляются и не изменяются; сбросить состояние
// целиком можно только через Initialize или Clear.
type Store struct {
	mu       sync.Mutex
	chat     *models.Chat
	messages []models.Message
	seen     map[uuid.UUID]struct{}
}

// New создает пустой Store без активного чата.
func New() *Store {
	return &Store{
		seen: make(map[uuid.UUID]struct{}),
	}
}

// Initialize полностью заменяет состояние содержимым чата.
// Используется при создании чата и после сброса.
func (s *Store) Initialize(chat *models.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat = &models.Chat{
		ID:            chat.ID,
		User:          chat.User,
		Subject:       chat.Subject,
		AssistantType: chat.AssistantType,
		Status:        chat.Status,
		CreatedAt:     chat.CreatedAt,
		UpdatedAt:     chat.UpdatedAt,
	}
	s.messages = nil
	s.seen = make(map[uuid.UUID]struct{})

	for _, msg := range chat.Messages {
		s.insertLocked(msg)
	}
	s.sortLocked()
}

// Clear сбрасывает Store в состояние «нет чата».
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chat = nil
	s.messages = nil
	s.seen = make(map[uuid.UUID]struct{})
}

// ApplyIncoming добавляет одно сообщение, доставленное по realtime-каналу.
// Сообщение с уже известным ID игнорируется (идемпотентность).
// Возвращает true, если список сообщений изменился.
func (s *Store) ApplyIncoming(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil || msg.ChatID != s.chat.ID {
		return false
	}
	if !s.insertLocked(msg) {
		return false
	}
	s.sortLocked()
	return true
}

// ApplySnapshot сливает полный snapshot с текущим состоянием: новые
// сообщения добавляются, уже известные не перезаписываются. Запоздавший
// snapshot, в котором нет сообщения, доставленного по push, никогда
// не удаляет его. Возвращает число добавленных сообщений.
func (s *Store) ApplySnapshot(messages []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return 0
	}

	added := 0
	for _, msg := range messages {
		if msg.ChatID != s.chat.ID {
			continue
		}
		if s.insertLocked(msg) {
			added++
		}
	}
	if added > 0 {
		s.sortLocked()
	}
	return added
}

// SetStatus обновляет статус чата по данным сервера.
func (s *Store) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat != nil && status != "" {
		s.chat.Status = status
	}
}

// Chat возвращает копию активного чата вместе с сообщениями,
// либо nil, если чата нет.
func (s *Store) Chat() *models.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return nil
	}
	chat := *s.chat
	chat.Messages = append([]models.Message(nil), s.messages...)
	return &chat
}

// Messages возвращает копию упорядоченного списка сообщений.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Message(nil), s.messages...)
}

// Len возвращает число сообщений в активном чате.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messages)
}

// ChatID возвращает ID активного чата, либо uuid.Nil.
func (s *Store) ChatID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chat == nil {
		return uuid.Nil
	}
	return s.chat.ID
}

// insertLocked добавляет сообщение, если его ID еще не встречался.
func (s *Store) insertLocked(msg models.Message) bool {
	if _, ok := s.seen[msg.ID]; ok {
		return false
	}
	s.seen[msg.ID] = struct{}{}
	s.messages = append(s.messages, msg)
	return true
}

// sortLocked восстанавливает инвариант порядка (timestamp, id).
func (s *Store) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Less(&s.messages[j])
	})
}
