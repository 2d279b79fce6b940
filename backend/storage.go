// Package backend — встроенный сервер для разработки и интеграционных
// тестов виджета. Реализует widget- и admin-поверхность сервера ecochat:
// REST-эндпоинты, WebSocket-канал и автоответчик.
package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/egor/ecochatwidget/models"
)

// ErrChatNotFound возвращается хранилищем, когда чат не существует.
var ErrChatNotFound = errors.New("chat not found")

// ErrAdminNotFound возвращается, когда оператор не найден.
var ErrAdminNotFound = errors.New("admin not found")

const (
	// DefaultPageSize — размер страницы списка чатов в админке.
	DefaultPageSize = 20
	// MaxPageSize — максимальный размер страницы.
	MaxPageSize = 100
)

// Storage — хранилище чатов сервера разработки. Встроенная реализация —
// in-memory; при заданном PG_HOST используется Postgres (см. postgres.go).
type Storage interface {
	CreateChat(ctx context.Context, user models.User, subject, assistantType, initialMessage string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error)
	AddMessage(ctx context.Context, chatID uuid.UUID, content, sender string, senderID uuid.UUID, meta map[string]interface{}) (*models.Message, error)
	SetStatus(ctx context.Context, chatID uuid.UUID, status string) error
	ListChats(ctx context.Context, page, size int) ([]models.ChatResponse, int, error)
	GetAdmin(ctx context.Context, email string) (*models.Admin, error)
	Close() error
}

// memoryStorage — хранилище в памяти для запуска без инфраструктуры.
type memoryStorage struct {
	mu     sync.Mutex
	chats  map[uuid.UUID]*models.Chat
	admins map[string]*models.Admin
}

// NewMemoryStorage создает пустое in-memory хранилище с одним
// оператором по умолчанию (email/password — для разработки).
func NewMemoryStorage(adminEmail, adminPassword string) (Storage, error) {
	s := &memoryStorage{
		chats:  make(map[uuid.UUID]*models.Chat),
		admins: make(map[string]*models.Admin),
	}

	if adminEmail != "" {
		admin, err := defaultAdmin(adminEmail, adminPassword)
		if err != nil {
			return nil, err
		}
		s.admins[adminEmail] = admin
	}
	return s, nil
}

// defaultAdmin собирает учетку оператора по умолчанию. Используется
// обоими хранилищами при первом запуске.
func defaultAdmin(email, password string) (*models.Admin, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &models.Admin{
		ID:           uuid.New(),
		Name:         "Оператор",
		Email:        email,
		PasswordHash: string(hash),
		Role:         "admin",
		Active:       true,
	}, nil
}

func (s *memoryStorage) CreateChat(_ context.Context, user models.User, subject, assistantType, initialMessage string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	chat := &models.Chat{
		ID:            uuid.New(),
		User:          user,
		Subject:       subject,
		AssistantType: assistantType,
		Status:        models.StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	chat.Messages = append(chat.Messages, models.Message{
		ID:        uuid.New(),
		ChatID:    chat.ID,
		Content:   initialMessage,
		Sender:    models.SenderUser,
		SenderID:  user.ID,
		Timestamp: now,
		Type:      "text",
	})

	s.chats[chat.ID] = chat
	return copyChat(chat), nil
}

func (s *memoryStorage) GetChat(_ context.Context, chatID uuid.UUID) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	return copyChat(chat), nil
}

func (s *memoryStorage) AddMessage(_ context.Context, chatID uuid.UUID, content, sender string, senderID uuid.UUID, meta map[string]interface{}) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}

	// Сервер гарантирует неубывающий timestamp внутри чата.
	now := time.Now()
	if n := len(chat.Messages); n > 0 && now.Before(chat.Messages[n-1].Timestamp) {
		now = chat.Messages[n-1].Timestamp
	}

	msg := models.Message{
		ID:        uuid.New(),
		ChatID:    chatID,
		Content:   content,
		Sender:    sender,
		SenderID:  senderID,
		Timestamp: now,
		Type:      "text",
		Metadata:  meta,
	}
	chat.Messages = append(chat.Messages, msg)
	chat.UpdatedAt = now

	return &msg, nil
}

func (s *memoryStorage) SetStatus(_ context.Context, chatID uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	chat.Status = status
	chat.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStorage) ListChats(_ context.Context, page, size int) ([]models.ChatResponse, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if size < 1 || size > MaxPageSize {
		size = DefaultPageSize
	}

	all := make([]*models.Chat, 0, len(s.chats))
	for _, chat := range s.chats {
		all = append(all, chat)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	total := len(all)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]models.ChatResponse, 0, end-start)
	for _, chat := range all[start:end] {
		resp := models.ChatResponse{
			ID:        chat.ID,
			User:      chat.User,
			Subject:   chat.Subject,
			Status:    chat.Status,
			CreatedAt: chat.CreatedAt,
			UpdatedAt: chat.UpdatedAt,
		}
		if n := len(chat.Messages); n > 0 {
			last := chat.Messages[n-1]
			resp.LastMessage = &last
		}
		out = append(out, resp)
	}
	return out, total, nil
}

func (s *memoryStorage) GetAdmin(_ context.Context, email string) (*models.Admin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, ok := s.admins[email]
	if !ok {
		return nil, ErrAdminNotFound
	}
	copied := *admin
	return &copied, nil
}

func (s *memoryStorage) Close() error { return nil }

func copyChat(chat *models.Chat) *models.Chat {
	copied := *chat
	copied.Messages = append([]models.Message(nil), chat.Messages...)
	return &copied
}
