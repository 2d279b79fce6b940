package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/egor/ecochatwidget/models"
)

const (
	testAPIKey    = "test-api-key"
	testEmail     = "operator@example.com"
	testPassword  = "secret123"
	testJWTSecret = "test-secret"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestServer(t *testing.T) (*httptest.Server, Storage) {
	t.Helper()

	storage, err := NewMemoryStorage(testEmail, testPassword)
	require.NoError(t, err)

	server := NewServer(Config{
		APIKey:    testAPIKey,
		JWTSecret: testJWTSecret,
		Responder: ResponderConfig{Enabled: false},
	}, storage)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = storage.Close() })
	return srv, storage
}

func widgetRequest(t *testing.T, method, url string, userID uuid.UUID, body interface{}) *http.Response {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Widget-User-ID", userID.String())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createChat(t *testing.T, baseURL string, userID uuid.UUID, assistantType string) *models.Chat {
	t.Helper()

	resp := widgetRequest(t, http.MethodPost, baseURL+"/api/widget/chats", userID, map[string]string{
		"subject":        "Вопрос по заказу",
		"assistantType":  assistantType,
		"initialMessage": "Здравствуйте!",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var chat models.Chat
	decodeJSON(t, resp, &chat)
	return &chat
}

func TestWidgetChatLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	userID := uuid.New()

	chat := createChat(t, srv.URL, userID, models.AssistantAI)
	assert.Equal(t, models.AssistantAI, chat.AssistantType)
	assert.Equal(t, models.StatusOpen, chat.Status)
	assert.Equal(t, userID, chat.User.ID)
	require.Len(t, chat.Messages, 1)
	assert.Equal(t, models.SenderUser, chat.Messages[0].Sender)

	// отправка второго сообщения
	resp := widgetRequest(t, http.MethodPost,
		srv.URL+"/api/widget/chats/"+chat.ID.String()+"/messages", userID,
		map[string]string{"content": "Когда ждать ответ?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg models.Message
	decodeJSON(t, resp, &msg)
	assert.Equal(t, chat.ID, msg.ChatID)
	assert.Equal(t, "Когда ждать ответ?", msg.Content)

	// snapshot содержит оба сообщения в хронологическом порядке
	resp = widgetRequest(t, http.MethodGet,
		srv.URL+"/api/widget/chats/"+chat.ID.String(), userID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot models.Chat
	decodeJSON(t, resp, &snapshot)
	require.Len(t, snapshot.Messages, 2)
	assert.False(t, snapshot.Messages[1].Timestamp.Before(snapshot.Messages[0].Timestamp))
}

func TestWidgetAuthRejectsBadKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/widget/chats", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "неверный")
	req.Header.Set("X-Widget-User-ID", uuid.NewString())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWidgetAuthRejectsBadUserID(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/widget/chats", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-Widget-User-ID", "не uuid")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWidgetChatOwnership(t *testing.T) {
	srv, _ := newTestServer(t)

	owner := uuid.New()
	chat := createChat(t, srv.URL, owner, models.AssistantHuman)

	// чужой пользователь не видит чат
	resp := widgetRequest(t, http.MethodGet,
		srv.URL+"/api/widget/chats/"+chat.ID.String(), uuid.New(), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWidgetChatNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := widgetRequest(t, http.MethodGet,
		srv.URL+"/api/widget/chats/"+uuid.NewString(), uuid.New(), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateChatRejectsUnknownAssistant(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := widgetRequest(t, http.MethodPost, srv.URL+"/api/widget/chats", uuid.New(), map[string]string{
		"assistantType":  "робот",
		"initialMessage": "привет",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoginAndAdminReply(t *testing.T) {
	srv, storage := newTestServer(t)

	userID := uuid.New()
	chat := createChat(t, srv.URL, userID, models.AssistantHuman)

	// авторизация оператора
	body, _ := json.Marshal(map[string]string{"email": testEmail, "password": testPassword})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login struct {
		Token string       `json:"token"`
		Admin models.Admin `json:"admin"`
	}
	decodeJSON(t, resp, &login)
	require.NotEmpty(t, login.Token)
	assert.Empty(t, login.Admin.PasswordHash)

	// ответ оператора через админку
	body, _ = json.Marshal(map[string]string{"content": "Оператор на связи"})
	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/api/chats/"+chat.ID.String()+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.Token)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg models.Message
	decodeJSON(t, resp, &msg)
	assert.Equal(t, models.SenderAdmin, msg.Sender)

	// виджет видит ответ в snapshot
	stored, err := storage.GetChat(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, models.SenderAdmin, stored.Messages[1].Sender)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"email": testEmail, "password": "не тот"})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/chats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListChatsPagination(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		createChat(t, srv.URL, uuid.New(), models.AssistantAI)
	}

	body, _ := json.Marshal(map[string]string{"email": testEmail, "password": testPassword})
	resp, err := http.Post(srv.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var login struct {
		Token string `json:"token"`
	}
	decodeJSON(t, resp, &login)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/chats?page=1&pageSize=2", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+login.Token)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page struct {
		Items      []models.ChatResponse `json:"items"`
		TotalItems int                   `json:"totalItems"`
		TotalPages int                   `json:"totalPages"`
	}
	decodeJSON(t, resp, &page)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 3, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
}

// Метки времени в чате не убывают даже при скачке системных часов:
// хранилище прижимает новую метку к последней.
func TestMessageTimestampsMonotonic(t *testing.T) {
	_, storage := newTestServer(t)

	chat, err := storage.CreateChat(context.Background(), models.User{ID: uuid.New()},
		"тема", models.AssistantAI, "первое")
	require.NoError(t, err)

	var last time.Time
	for i := 0; i < 5; i++ {
		msg, err := storage.AddMessage(context.Background(), chat.ID, "еще", models.SenderUser, chat.User.ID, nil)
		require.NoError(t, err)
		assert.False(t, msg.Timestamp.Before(last))
		last = msg.Timestamp
	}
}

func TestResponderIgnoresHumanChats(t *testing.T) {
	r := NewResponder(ResponderConfig{Enabled: true})

	chat := &models.Chat{ID: uuid.New(), AssistantType: models.AssistantHuman}
	msg := &models.Message{Sender: models.SenderUser, Content: "привет"}

	reply, escalate, err := r.ProcessMessage(context.Background(), chat, msg)
	require.NoError(t, err)
	assert.Empty(t, reply)
	assert.False(t, escalate)
}

func TestResponderCannedReply(t *testing.T) {
	r := NewResponder(ResponderConfig{Enabled: true})

	chat := &models.Chat{ID: uuid.New(), AssistantType: models.AssistantAI}
	msg := &models.Message{Sender: models.SenderUser, Content: "Сколько стоимость пакета?"}

	reply, escalate, err := r.ProcessMessage(context.Background(), chat, msg)
	require.NoError(t, err)
	assert.False(t, escalate)
	assert.Contains(t, reply, "Стоимость")
}

// Обе реализации хранилища заводят оператора по умолчанию через
// defaultAdmin: учетка активна и проходит bcrypt-проверку пароля.
func TestDefaultAdminSeed(t *testing.T) {
	admin, err := defaultAdmin(testEmail, testPassword)
	require.NoError(t, err)

	assert.Equal(t, testEmail, admin.Email)
	assert.Equal(t, "admin", admin.Role)
	assert.True(t, admin.Active)
	require.NoError(t, bcrypt.CompareHashAndPassword(
		[]byte(admin.PasswordHash), []byte(testPassword)))

	storage, err := NewMemoryStorage(testEmail, testPassword)
	require.NoError(t, err)
	defer storage.Close()

	seeded, err := storage.GetAdmin(context.Background(), testEmail)
	require.NoError(t, err)
	assert.True(t, seeded.Active)
}

func TestSanitizerEscalates(t *testing.T) {
	clean, escalate := sanitize("Как языковая модель, я не могу ответить на этот вопрос")
	assert.True(t, escalate)
	assert.Empty(t, clean)

	clean, escalate = sanitize("Стоимость пакета — от 10 000 рублей")
	assert.False(t, escalate)
	assert.NotEmpty(t, clean)
}
