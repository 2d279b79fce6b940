// Package api — HTTP-клиент widget-эндпоинтов сервера ecochat.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecochatwidget/models"
)

const defaultTimeout = 10 * time.Second

// APIError — ошибка, которую сервер вернул в конверте {"error": "..."}.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: статус %d: %s", e.Status, e.Message)
}

// Client выполняет REST-запросы виджета: создание чата, snapshot,
// отправка сообщения. Авторизация — заголовки X-API-Key и
// X-Widget-User-ID, как на сервере.
type Client struct {
	baseURL string
	apiKey  string
	userID  uuid.UUID
	http    *http.Client
}

// NewClient создает клиента для указанного сервера (например
// http://localhost:8080).
func NewClient(baseURL, apiKey string, userID uuid.UUID) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		userID:  userID,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// CreateChat создает чат с выбранным типом ассистента и первым
// сообщением пользователя. Сервер возвращает чат уже с этим сообщением.
func (c *Client) CreateChat(ctx context.Context, subject, assistantType, initialMessage string) (*models.Chat, error) {
	body := map[string]string{
		"subject":        subject,
		"assistantType":  assistantType,
		"initialMessage": initialMessage,
	}

	var chat models.Chat
	if err := c.do(ctx, http.MethodPost, "/api/widget/chats", body, &chat); err != nil {
		return nil, fmt.Errorf("создание чата: %w", err)
	}
	return &chat, nil
}

// GetChat возвращает полный snapshot чата с упорядоченными сообщениями.
func (c *Client) GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	if err := c.do(ctx, http.MethodGet, "/api/widget/chats/"+chatID.String(), nil, &chat); err != nil {
		return nil, fmt.Errorf("получение чата %s: %w", chatID, err)
	}
	return &chat, nil
}

// PostMessage отправляет сообщение пользователя в чат.
func (c *Client) PostMessage(ctx context.Context, chatID uuid.UUID, content string) (*models.Message, error) {
	body := map[string]string{"content": content}

	var msg models.Message
	if err := c.do(ctx, http.MethodPost, "/api/widget/chats/"+chatID.String()+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("отправка сообщения в чат %s: %w", chatID, err)
	}
	return &msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Widget-User-ID", c.userID.String())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error == "" {
			envelope.Error = string(data)
		}
		return &APIError{Status: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
