package backend

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/egor/ecochatwidget/models"
)

const (
	writeWait      = 10 * time.Second    // время на запись одного сообщения
	pongWait       = 60 * time.Second    // максимальное время ожидания PONG
	pingPeriod     = (pongWait * 9) / 10 // как часто слать PING
	maxMessageSize = 64 * 1024           // максимальный размер входящего события
)

// wsClient представляет одно WebSocket-соединение (виджет или админка).
type wsClient struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	clientType string // "admin" или "widget"
	id         uuid.UUID
	chatID     uuid.UUID // для виджета — его чат
}

// Hub ведет учет подключенных клиентов и рассылает события.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]bool
}

// NewHub создает пустой Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]bool)}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("hub: клиент подключился (%s). Всего клиентов: %d", c.clientType, total)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("hub: клиент отключился (%s). Всего клиентов: %d", c.clientType, total)
}

// SendToChat отправляет событие всем клиентам указанного чата
// (виджету и операторам). Медленный клиент отключается.
func (h *Hub) SendToChat(chatID uuid.UUID, event models.Envelope) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("hub: ошибка при маршализации события: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.clientType == "widget" && c.chatID != chatID {
			continue
		}
		select {
		case c.send <- data:
		default:
			close(c.send)
			delete(h.clients, c)
		}
	}
}

// readPump читает входящие события и передает их обработчику.
func (c *wsClient) readPump(handler func(*wsClient, models.Envelope)) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("hub: неожиданное закрытие (%s): %v", c.id, err)
			}
			return
		}
		if handler != nil {
			handler(c, env)
		}
	}
}

// writePump пишет из канала send в соединение и держит его живым
// ping/pong'ом.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// канал закрыт Hub'ом
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
