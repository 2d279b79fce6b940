// Package session — машина состояний виджета поддержки и фасад,
// связывающий REST-клиента, realtime-соединение, Store и контроллер
// прокрутки в одну сессию.
//
// Жизненный цикл: пользователь выбирает тип ассистента → создается чат
// с синтезированным приветствием → виджет подписывается на realtime-канал
// и запускает фоновый опрос → сообщения идут через Store. Явный сброс
// возвращает сессию к выбору ассистента без хвостов: ни таймеров,
// ни подписки на старый чат не остается.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecochatwidget/api"
	"github.com/egor/ecochatwidget/connection"
	"github.com/egor/ecochatwidget/delivery"
	"github.com/egor/ecochatwidget/models"
	"github.com/egor/ecochatwidget/scroll"
	"github.com/egor/ecochatwidget/store"
)

// Фазы сессии. Ровно одна сессия на экземпляр виджета; между полными
// сбросами состояние не сохраняется.
const (
	PhaseChoosing              = "choosing_assistant"
	PhaseAwaitingFirstResponse = "awaiting_first_response"
	PhaseActive                = "active"
	PhaseEnded                 = "ended" // зарезервирована, см. DESIGN.md
)

// DefaultGreeting — первое сообщение, отправляемое от имени пользователя
// при создании чата.
const DefaultGreeting = "Здравствуйте! Мне нужна помощь."

// Config — настройки сессии виджета.
type Config struct {
	ServerURL string // http://host:port сервера ecochat
	APIKey    string
	UserID    uuid.UUID
	Subject   string
	Greeting  string // пусто — используется DefaultGreeting

	PollInterval time.Duration   // 0 — значение по умолчанию
	RetryDelay   time.Duration   // 0 — значение по умолчанию
	FollowUps    []time.Duration // nil — значения по умолчанию
}

// Callbacks — уведомления в UI-слой. Все вызовы неблокирующие по смыслу:
// это сигналы для перерисовки, не запросы.
type Callbacks struct {
	// OnMessages вызывается, когда сообщений стало больше, вместе с
	// решением контроллера прокрутки.
	OnMessages func(delta int, decision scroll.Decision)
	// OnNotice — временное, не блокирующее уведомление об ошибке
	// («не удалось, попробуйте еще раз»).
	OnNotice func(text string)
	// OnConnState — индикатор связи (connecting/open/closed).
	OnConnState func(state string)
}

// Widget — одна пользовательская сессия чат-виджета.
type Widget struct {
	cfg    Config
	api    *api.Client
	store  *store.Store
	scroll *scroll.Controller
	conn   *connection.Manager
	rec    *delivery.Reconciler
	cb     Callbacks

	mu            sync.Mutex
	phase         string
	assistantType string
	opened        bool
	creating      bool // создание чата в полете
}

// New создает сессию в фазе выбора ассистента. Виджет считается
// открытым: Close/Open управляют фоновым опросом.
func New(cfg Config, cb Callbacks) *Widget {
	apiClient := api.NewClient(cfg.ServerURL, cfg.APIKey, cfg.UserID)
	st := store.New()

	conn := connection.New(wsURL(cfg.ServerURL), cfg.APIKey, cfg.UserID)
	if cfg.RetryDelay > 0 {
		conn.SetRetryDelay(cfg.RetryDelay)
	}

	rec := delivery.New(st, apiClient)
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = delivery.DefaultPollInterval
	}
	followUps := cfg.FollowUps
	if followUps == nil {
		followUps = delivery.DefaultFollowUps
	}
	rec.SetIntervals(poll, followUps)

	w := &Widget{
		cfg:    cfg,
		api:    apiClient,
		store:  st,
		scroll: scroll.New(),
		conn:   conn,
		rec:    rec,
		cb:     cb,
		phase:  PhaseChoosing,
		opened: true,
	}

	conn.OnEvent(rec.HandleEvent)
	conn.OnState(func(state string) {
		if w.cb.OnConnState != nil {
			w.cb.OnConnState(state)
		}
	})
	rec.OnChange(w.handleChange)

	return w
}

// Phase возвращает текущую фазу сессии.
func (w *Widget) Phase() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// AssistantType возвращает выбранный тип ассистента, либо пустую строку.
func (w *Widget) AssistantType() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.assistantType
}

// ConnState возвращает состояние realtime-соединения.
func (w *Widget) ConnState() string {
	return w.conn.State()
}

// Messages возвращает текущий упорядоченный список сообщений.
func (w *Widget) Messages() []models.Message {
	return w.store.Messages()
}

// Chat возвращает копию активного чата, либо nil.
func (w *Widget) Chat() *models.Chat {
	return w.store.Chat()
}

// ChooseAssistant — переход choosing_assistant → awaiting_first_response.
// Создает чат на сервере с синтезированным приветствием, подписывает
// соединение на канал чата и запускает фоновый опрос.
//
// При ошибке создания сессия остается в фазе выбора, а пользователю
// показывается временное уведомление: действие можно повторить.
func (w *Widget) ChooseAssistant(ctx context.Context, assistantType string) error {
	if assistantType != models.AssistantAI && assistantType != models.AssistantHuman {
		return fmt.Errorf("неизвестный тип ассистента: %q", assistantType)
	}

	w.mu.Lock()
	if w.phase != PhaseChoosing {
		phase := w.phase
		w.mu.Unlock()
		return fmt.Errorf("чат уже создан (фаза %s)", phase)
	}
	if w.creating {
		w.mu.Unlock()
		return fmt.Errorf("создание чата уже выполняется")
	}
	w.creating = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.creating = false
		w.mu.Unlock()
	}()

	greeting := w.cfg.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}

	chat, err := w.api.CreateChat(ctx, w.cfg.Subject, assistantType, greeting)
	if err != nil {
		log.Printf("session: ошибка создания чата: %v", err)
		w.notice("Не удалось начать диалог, попробуйте еще раз")
		return err
	}

	w.store.Initialize(chat)

	w.mu.Lock()
	w.assistantType = assistantType
	w.phase = PhaseAwaitingFirstResponse
	opened := w.opened
	w.mu.Unlock()

	w.conn.Join(chat.ID)
	if opened {
		w.rec.Start(chat.ID)
	}

	log.Printf("session: создан чат %s (ассистент: %s), сообщений: %d",
		chat.ID, assistantType, w.store.Len())

	if n := w.store.Len(); n > 0 {
		w.handleChange(n)
	}
	return nil
}

// SendMessage отправляет сообщение пользователя. Ошибка не повторяется
// автоматически — UI показывает inline-повтор, решает пользователь.
// После успешной отправки планируются быстрые follow-up snapshot-запросы.
func (w *Widget) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("пустое сообщение")
	}

	chatID := w.store.ChatID()
	if chatID == uuid.Nil {
		return fmt.Errorf("нет активного чата")
	}

	msg, err := w.api.PostMessage(ctx, chatID, content)
	if err != nil {
		log.Printf("session: ошибка отправки сообщения: %v", err)
		w.notice("Сообщение не отправлено, попробуйте еще раз")
		return err
	}

	if w.store.ApplyIncoming(*msg) {
		w.handleChange(1)
	}
	w.rec.NotifySent()
	return nil
}

// SetTyping передает серверу индикатор набора текста. Без соединения —
// тихий no-op: индикатор не стоит уведомлений.
func (w *Widget) SetTyping(isTyping bool) {
	chatID := w.store.ChatID()
	if chatID == uuid.Nil {
		return
	}
	err := w.conn.Send(models.EventTyping, models.TypingPayload{
		ChatID:   chatID,
		IsTyping: isTyping,
		Sender:   models.SenderUser,
	})
	if err != nil && err != connection.ErrNotConnected {
		log.Printf("session: ошибка отправки typing: %v", err)
	}
}

// Reset — переход active → choosing_assistant: гасит таймеры опроса,
// отписывается от канала и очищает Store. Старый чат для этой сессии
// больше не существует.
func (w *Widget) Reset() {
	w.rec.Stop()
	w.conn.Leave()
	w.store.Clear()
	w.scroll.JumpToBottom()

	w.mu.Lock()
	w.phase = PhaseChoosing
	w.assistantType = ""
	w.mu.Unlock()

	log.Printf("session: сессия сброшена")
}

// Close вызывается при сворачивании виджета: фаза не меняется, но
// фоновый опрос останавливается, чтобы не грузить сервер впустую.
func (w *Widget) Close() {
	w.mu.Lock()
	w.opened = false
	w.mu.Unlock()
	w.rec.Stop()
}

// Open возобновляет фоновый опрос после Close.
func (w *Widget) Open() {
	w.mu.Lock()
	w.opened = true
	w.mu.Unlock()

	if chatID := w.store.ChatID(); chatID != uuid.Nil {
		w.rec.Start(chatID)
	}
}

// UpdateScroll вызывается UI-слоем при каждом изменении прокрутки.
func (w *Widget) UpdateScroll(distanceFromBottom int) {
	w.scroll.UpdatePosition(distanceFromBottom)
}

// JumpToBottom — «к последним сообщениям»: всегда прокручивает и
// сбрасывает флаг ухода от нижнего края.
func (w *Widget) JumpToBottom() scroll.Decision {
	return w.scroll.JumpToBottom()
}

// handleChange вызывается при любом росте списка сообщений из любого
// пути доставки.
func (w *Widget) handleChange(delta int) {
	w.mu.Lock()
	if w.phase == PhaseAwaitingFirstResponse && w.hasAdminReply() {
		w.phase = PhaseActive
	}
	w.mu.Unlock()

	decision := w.scroll.OnNewMessages(delta)
	if w.cb.OnMessages != nil {
		w.cb.OnMessages(delta, decision)
	}
}

// hasAdminReply — есть ли в чате хоть один ответ оператора/ассистента.
func (w *Widget) hasAdminReply() bool {
	for _, msg := range w.store.Messages() {
		if msg.Sender == models.SenderAdmin {
			return true
		}
	}
	return false
}

func (w *Widget) notice(text string) {
	if w.cb.OnNotice != nil {
		w.cb.OnNotice(text)
	}
}

// wsURL превращает http(s)-URL сервера в URL WebSocket-эндпоинта.
func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return serverURL + "/ws"
	}
}
