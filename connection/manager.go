// Package connection владеет одним логическим WebSocket-соединением
// виджета с сервером ecochat.
//
// Канал best-effort: потеря соединения не фатальна для сессии, доставка
// деградирует до polling, пока переподключение не удастся. Политика
// переподключения намеренно простая — фиксированная задержка, без
// роста backoff и без лимита попыток.
package connection

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/egor/ecochatwidget/models"
)

const (
	writeWait      = 10 * time.Second // время на запись одного сообщения
	pongWait       = 60 * time.Second // максимальное время ожидания PING от сервера
	maxMessageSize = 64 * 1024        // максимальный размер входящего события

	// DefaultRetryDelay — пауза между попытками переподключения.
	// Меньше 1s ставить нельзя, чтобы не долбить сервер.
	DefaultRetryDelay = 3 * time.Second
)

// Состояние соединения. Меняется только внутри Manager.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosed     = "closed"
)

// ErrNotConnected возвращается из Send, когда соединение не открыто.
// Это не крах: вызывающий сам решает, повторять ли отправку.
var ErrNotConnected = errors.New("websocket не подключен")

// Manager поддерживает одно соединение и переподключается при обрыве.
type Manager struct {
	serverURL  string // базовый URL сервера, например ws://localhost:8080/ws
	apiKey     string
	userID     uuid.UUID
	retryDelay time.Duration
	dialer     *websocket.Dialer

	onEvent func(models.Envelope)
	onState func(state string)

	mu      sync.Mutex
	writeMu sync.Mutex
	state   string
	conn    *websocket.Conn
	chatID  uuid.UUID
	cancel  context.CancelFunc
}

// New создает Manager для указанного сервера.
func New(serverURL, apiKey string, userID uuid.UUID) *Manager {
	return &Manager{
		serverURL:  serverURL,
		apiKey:     apiKey,
		userID:     userID,
		retryDelay: DefaultRetryDelay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		state: StateClosed,
	}
}

// SetRetryDelay меняет паузу переподключения (минимум 1s).
func (m *Manager) SetRetryDelay(d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	m.retryDelay = d
}

// OnEvent регистрирует обработчик входящих событий. Обработчик
// вызывается в порядке прихода событий по транспорту; Manager сам
// ничего не переупорядочивает.
func (m *Manager) OnEvent(handler func(models.Envelope)) {
	m.onEvent = handler
}

// OnState регистрирует обработчик смены состояния соединения
// (индикатор связи в виджете).
func (m *Manager) OnState(handler func(state string)) {
	m.onState = handler
}

// State возвращает текущее состояние соединения.
func (m *Manager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Join подключается к realtime-каналу чата и держит подключение,
// пока не будет вызван Leave. Повторный Join к тому же чату — no-op.
func (m *Manager) Join(chatID uuid.UUID) {
	m.mu.Lock()
	if m.chatID == chatID && m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.leaveLocked()
	m.chatID = chatID

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, chatID)
}

// Leave останавливает переподключения и закрывает соединение.
// После Leave никаких событий по старому чату доставлено не будет.
func (m *Manager) Leave() {
	m.mu.Lock()
	m.leaveLocked()
	m.chatID = uuid.Nil
	m.mu.Unlock()
}

func (m *Manager) leaveLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = StateClosed
}

// Send отправляет событие серверу. Работает только при открытом
// соединении; иначе возвращает ErrNotConnected.
func (m *Manager) Send(eventType string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	env, err := models.NewEvent(eventType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// run — цикл «подключился, читал до обрыва, подождал, снова подключился».
// Завершается только отменой ctx (Leave или смена чата).
func (m *Manager) run(ctx context.Context, chatID uuid.UUID) {
	for {
		m.setState(ctx, StateConnecting)

		conn, _, err := m.dialer.DialContext(ctx, m.wsURL(chatID), m.header())
		if err != nil {
			m.setState(ctx, StateClosed)
			if ctx.Err() != nil {
				return
			}
			log.Printf("connection: ошибка подключения к чату %s: %v (повтор через %v)",
				chatID, err, m.retryDelay)
			if !m.sleep(ctx) {
				return
			}
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.mu.Unlock()

		m.setState(ctx, StateOpen)
		log.Printf("connection: подключен к чату %s", chatID)

		m.readLoop(ctx, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()
		m.setState(ctx, StateClosed)

		if ctx.Err() != nil {
			return
		}
		log.Printf("connection: соединение с чатом %s потеряно, повтор через %v", chatID, m.retryDelay)
		if !m.sleep(ctx) {
			return
		}
	}
}

// readLoop читает события до ошибки чтения. Порядок вызова обработчика
// совпадает с порядком прихода по транспорту.
func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("connection: неожиданное закрытие: %v", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if ctx.Err() != nil {
			return
		}
		if m.onEvent != nil {
			m.onEvent(env)
		}
	}
}

func (m *Manager) setState(ctx context.Context, state string) {
	m.mu.Lock()
	changed := m.state != state
	if ctx.Err() == nil {
		m.state = state
	} else {
		changed = false
	}
	m.mu.Unlock()

	if changed && m.onState != nil {
		m.onState(state)
	}
}

func (m *Manager) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(m.retryDelay):
		return true
	}
}

// wsURL собирает URL подключения виджета: /ws?type=widget&chat_id=...
func (m *Manager) wsURL(chatID uuid.UUID) string {
	u, err := url.Parse(m.serverURL)
	if err != nil {
		return m.serverURL
	}
	q := u.Query()
	q.Set("type", "widget")
	q.Set("chat_id", chatID.String())
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	h.Set("X-Widget-User-ID", m.userID.String())
	if m.apiKey != "" {
		h.Set("X-API-Key", m.apiKey)
	}
	return h
}
