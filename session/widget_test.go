package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecochatwidget/backend"
	"github.com/egor/ecochatwidget/models"
	"github.com/egor/ecochatwidget/session"
)

const (
	testAPIKey     = "test-api-key"
	adminEmail     = "operator@example.com"
	adminPassword  = "secret123"
	responderDelay = 20 * time.Millisecond
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// testEnv — встроенный сервер + хранилище для интеграционных тестов.
type testEnv struct {
	srv     *httptest.Server
	storage backend.Storage
}

func newTestEnv(t *testing.T, responderEnabled bool) *testEnv {
	t.Helper()

	storage, err := backend.NewMemoryStorage(adminEmail, adminPassword)
	require.NoError(t, err)

	server := backend.NewServer(backend.Config{
		APIKey:    testAPIKey,
		JWTSecret: "test-secret",
		Responder: backend.ResponderConfig{
			Enabled: responderEnabled,
			Delay:   responderDelay,
		},
	}, storage)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = storage.Close() })

	return &testEnv{srv: srv, storage: storage}
}

// noticeLog собирает уведомления для проверок.
type noticeLog struct {
	mu    sync.Mutex
	texts []string
}

func (n *noticeLog) add(text string) {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
}

func (n *noticeLog) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

func newTestWidget(env *testEnv, notices *noticeLog) *session.Widget {
	cb := session.Callbacks{}
	if notices != nil {
		cb.OnNotice = notices.add
	}
	return session.New(session.Config{
		ServerURL:    env.srv.URL,
		APIKey:       testAPIKey,
		UserID:       uuid.New(),
		Subject:      "Вопрос по заказу",
		PollInterval: 50 * time.Millisecond,
		FollowUps:    []time.Duration{20 * time.Millisecond, 60 * time.Millisecond},
	}, cb)
}

func TestChooseAssistantCreatesChat(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.Equal(t, session.PhaseChoosing, w.Phase())

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantAI))

	assert.Equal(t, session.PhaseAwaitingFirstResponse, w.Phase())
	assert.Equal(t, models.AssistantAI, w.AssistantType())

	chat := w.Chat()
	require.NotNil(t, chat)
	assert.Equal(t, models.AssistantAI, chat.AssistantType)

	// приветствие синтезировано от имени пользователя
	msgs := w.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, session.DefaultGreeting, msgs[0].Content)
}

func TestChooseAssistantRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.Error(t, w.ChooseAssistant(context.Background(), "робот"))
	assert.Equal(t, session.PhaseChoosing, w.Phase())
}

// Два одновременных выбора ассистента создают ровно один чат: пока
// создание в полете, повторный вызов отклоняется.
func TestChooseAssistantConcurrent(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			errs <- w.ChooseAssistant(context.Background(), models.AssistantAI)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
	assert.Len(t, w.Messages(), 1)
	assert.Equal(t, session.PhaseAwaitingFirstResponse, w.Phase())
}

func TestChooseAssistantOnlyOnce(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	require.Error(t, w.ChooseAssistant(context.Background(), models.AssistantAI))
}

// Ошибка создания чата не продвигает фазу: пользователь остается у
// выбора ассистента и видит временное уведомление.
func TestCreateFailureKeepsChoosing(t *testing.T) {
	env := newTestEnv(t, false)
	notices := &noticeLog{}

	w := session.New(session.Config{
		ServerURL: env.srv.URL,
		APIKey:    "неверный ключ",
		UserID:    uuid.New(),
	}, session.Callbacks{OnNotice: notices.add})
	defer w.Reset()

	require.Error(t, w.ChooseAssistant(context.Background(), models.AssistantAI))
	assert.Equal(t, session.PhaseChoosing, w.Phase())
	assert.Equal(t, 1, notices.count())
	assert.Nil(t, w.Chat())
}

// Полный цикл с ИИ-ассистентом: приветствие → вопрос пользователя →
// автоответ. Первый ответ переводит сессию в фазу active.
func TestAutoResponderActivatesSession(t *testing.T) {
	env := newTestEnv(t, true)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantAI))
	require.Equal(t, session.PhaseAwaitingFirstResponse, w.Phase())

	require.NoError(t, w.SendMessage(context.Background(), "Привет! Какие у вас цены?"))

	require.Eventually(t, func() bool {
		return w.Phase() == session.PhaseActive
	}, 3*time.Second, 20*time.Millisecond)

	msgs := w.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, models.SenderUser, msgs[0].Sender)
	assert.Equal(t, models.SenderUser, msgs[1].Sender)
	assert.Equal(t, models.SenderAdmin, msgs[2].Sender)
}

// Сообщение может прийти и по push, и по poll, и по follow-up — в
// списке оно все равно одно, и порядок не ломается.
func TestNoDuplicatesAcrossDeliveryPaths(t *testing.T) {
	env := newTestEnv(t, true)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantAI))
	require.NoError(t, w.SendMessage(context.Background(), "Здравствуйте"))

	require.Eventually(t, func() bool {
		return len(w.Messages()) == 3
	}, 3*time.Second, 20*time.Millisecond)

	// даем пройти нескольким циклам опроса и follow-up запросам
	time.Sleep(200 * time.Millisecond)

	msgs := w.Messages()
	require.Len(t, msgs, 3)

	seen := make(map[uuid.UUID]bool)
	for i, msg := range msgs {
		assert.False(t, seen[msg.ID], "сообщение %s встретилось дважды", msg.ID)
		seen[msg.ID] = true
		if i > 0 {
			assert.False(t, msg.Timestamp.Before(msgs[i-1].Timestamp))
		}
	}
}

// Ошибка отправки не повторяется автоматически: фаза сохраняется,
// пользователь получает уведомление и решает сам.
func TestSendFailureKeepsPhase(t *testing.T) {
	env := newTestEnv(t, false)
	notices := &noticeLog{}
	w := newTestWidget(env, notices)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	phase := w.Phase()

	env.srv.Close()

	require.Error(t, w.SendMessage(context.Background(), "тест"))
	assert.Equal(t, phase, w.Phase())
	assert.Equal(t, 1, notices.count())
	assert.Len(t, w.Messages(), 1)
}

func TestSendEmptyMessage(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	require.Error(t, w.SendMessage(context.Background(), "   "))
	assert.Len(t, w.Messages(), 1)
}

// Хенд-офф на живого оператора: оператор авторизуется по JWT и отвечает
// через админку, виджет видит ответ и переходит в active.
func TestHumanOperatorHandoff(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	chat := w.Chat()
	require.NotNil(t, chat)

	token := loginAdmin(t, env.srv.URL)
	sendAdminMessage(t, env.srv.URL, token, chat.ID, "Добрый день! Оператор на связи.")

	require.Eventually(t, func() bool {
		return w.Phase() == session.PhaseActive
	}, 3*time.Second, 20*time.Millisecond)

	msgs := w.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.SenderAdmin, msgs[1].Sender)
	assert.Equal(t, "Добрый день! Оператор на связи.", msgs[1].Content)
}

// Reset возвращает сессию к выбору ассистента без хвостов: после него
// можно начать новый чат с нуля.
func TestResetStartsOver(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantAI))
	firstChat := w.Chat().ID

	w.Reset()

	assert.Equal(t, session.PhaseChoosing, w.Phase())
	assert.Empty(t, w.AssistantType())
	assert.Nil(t, w.Chat())
	assert.Empty(t, w.Messages())

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	defer w.Reset()
	require.NotEqual(t, firstChat, w.Chat().ID)
	assert.Len(t, w.Messages(), 1)
}

// Close останавливает фоновый опрос; Open возобновляет его, и виджет
// догоняет пропущенное.
func TestCloseAndOpen(t *testing.T) {
	env := newTestEnv(t, false)
	w := newTestWidget(env, nil)
	defer w.Reset()

	require.NoError(t, w.ChooseAssistant(context.Background(), models.AssistantHuman))
	chat := w.Chat()
	require.NotNil(t, chat)

	w.Close()

	// сообщение добавляется в хранилище напрямую, без push
	_, err := env.storage.AddMessage(context.Background(), chat.ID,
		"Пока вас не было", models.SenderAdmin, uuid.Nil, nil)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, w.Messages(), 1, "опрос должен быть остановлен")

	w.Open()
	require.Eventually(t, func() bool {
		return len(w.Messages()) == 2
	}, 3*time.Second, 20*time.Millisecond)
}

// ─────────────────────────────── хелперы админки

func loginAdmin(t *testing.T, baseURL string) string {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"email":    adminEmail,
		"password": adminPassword,
	})
	resp, err := http.Post(baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func sendAdminMessage(t *testing.T, baseURL, token string, chatID uuid.UUID, content string) {
	t.Helper()

	body, _ := json.Marshal(map[string]string{"content": content})
	req, err := http.NewRequest(http.MethodPost,
		baseURL+"/api/chats/"+chatID.String()+"/messages", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
