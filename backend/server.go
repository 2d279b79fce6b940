package backend

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/egor/ecochatwidget/models"
)

// Config — настройки встроенного сервера.
type Config struct {
	APIKey         string   // ключ виджета; пусто — проверка отключена
	JWTSecret      string   // секрет подписи токенов админки
	AllowedOrigins []string // пусто — разрешены все (режим разработки)
	Responder      ResponderConfig
}

// Server — встроенный сервер ecochat для разработки и тестов.
type Server struct {
	cfg       Config
	storage   Storage
	hub       *Hub
	auth      *Auth
	responder *Responder
	upgrader  websocket.Upgrader
}

// NewServer создает сервер поверх указанного хранилища.
func NewServer(cfg Config, storage Storage) *Server {
	s := &Server{
		cfg:       cfg,
		storage:   storage,
		hub:       NewHub(),
		auth:      NewAuth(cfg.JWTSecret),
		responder: NewResponder(cfg.Responder),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router собирает gin-роутер со всеми эндпоинтами.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	// CORS для встраивания виджета во фронтенд
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-Widget-User-ID"},
		AllowCredentials: true,
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		corsCfg.AllowOrigins = s.cfg.AllowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	}
	r.Use(cors.New(corsCfg))

	api := r.Group("/api")
	{
		// Авторизация операторов (публичный)
		api.POST("/auth/login", s.login)

		// Админка
		authorized := api.Group("/")
		authorized.Use(s.auth.Middleware())
		{
			chats := authorized.Group("/chats")
			{
				chats.GET("", s.getChats)
				chats.GET("/:id", s.getChatByID)
				chats.POST("/:id/messages", s.sendAdminMessage)
			}
		}

		// Widget API
		widget := api.Group("/widget")
		widget.Use(s.widgetAuth())
		{
			widget.POST("/chats", s.createWidgetChat)
			widget.GET("/chats/:id", s.getWidgetChat)
			widget.POST("/chats/:id/messages", s.sendWidgetMessage)
		}
	}

	r.GET("/ws", s.serveWs)
	return r
}

// ─────────────────────────────── widget API

// widgetAuth проверяет ключ виджета и ID пользователя из заголовков.
func (s *Server) widgetAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIKey != "" && c.GetHeader("X-API-Key") != s.cfg.APIKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "неверный API ключ"})
			c.Abort()
			return
		}

		userID, err := uuid.Parse(c.GetHeader("X-Widget-User-ID"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный X-Widget-User-ID"})
			c.Abort()
			return
		}
		c.Set("widgetUserID", userID)
		c.Next()
	}
}

func widgetUserID(c *gin.Context) uuid.UUID {
	v, _ := c.Get("widgetUserID")
	id, _ := v.(uuid.UUID)
	return id
}

// createWidgetChat создает чат с выбранным типом ассистента и первым
// сообщением пользователя.
func (s *Server) createWidgetChat(c *gin.Context) {
	var body struct {
		Subject        string `json:"subject"`
		AssistantType  string `json:"assistantType" binding:"required"`
		InitialMessage string `json:"initialMessage" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректные данные: " + err.Error()})
		return
	}
	if body.AssistantType != models.AssistantAI && body.AssistantType != models.AssistantHuman {
		c.JSON(http.StatusBadRequest, gin.H{"error": "неизвестный тип ассистента: " + body.AssistantType})
		return
	}

	user := models.User{ID: widgetUserID(c)}
	chat, err := s.storage.CreateChat(c.Request.Context(), user, body.Subject, body.AssistantType, body.InitialMessage)
	if err != nil {
		log.Printf("createWidgetChat: ошибка создания чата: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка создания чата"})
		return
	}

	log.Printf("createWidgetChat: создан чат %s (ассистент: %s)", chat.ID, chat.AssistantType)
	c.JSON(http.StatusOK, chat)
}

// getWidgetChat возвращает полный snapshot чата (polling-путь виджета).
func (s *Server) getWidgetChat(c *gin.Context) {
	chat, ok := s.widgetChat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

// sendWidgetMessage принимает сообщение пользователя и триггерит
// автоответчик.
func (s *Server) sendWidgetMessage(c *gin.Context) {
	chat, ok := s.widgetChat(c)
	if !ok {
		return
	}

	var body struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректные данные: " + err.Error()})
		return
	}

	msg, err := s.storage.AddMessage(c.Request.Context(), chat.ID, body.Content,
		models.SenderUser, widgetUserID(c), nil)
	if err != nil {
		log.Printf("sendWidgetMessage: ошибка добавления сообщения: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка отправки сообщения"})
		return
	}

	s.pushNewMessage(msg)

	// Автоответчик работает асинхронно: виджет увидит ответ по push
	// или по follow-up snapshot-запросам
	go s.autoRespond(chat, msg)

	c.JSON(http.StatusOK, msg)
}

// widgetChat достает чат из пути и проверяет, что он принадлежит
// пользователю виджета.
func (s *Server) widgetChat(c *gin.Context) (*models.Chat, bool) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный формат chatID"})
		return nil, false
	}

	chat, err := s.storage.GetChat(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "чат не найден"})
		return nil, false
	}
	if chat.User.ID != widgetUserID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "доступ к чату запрещен"})
		return nil, false
	}
	return chat, true
}

// autoRespond генерирует и рассылает ответ ассистента.
func (s *Server) autoRespond(chat *models.Chat, userMsg *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reply, escalate, err := s.responder.ProcessMessage(ctx, chat, userMsg)
	if err != nil || reply == "" {
		return
	}

	meta := map[string]interface{}{"isAutoResponse": true}
	if escalate {
		meta["needEscalation"] = true
	}

	saved, err := s.storage.AddMessage(ctx, chat.ID, reply, models.SenderAdmin, uuid.Nil, meta)
	if err != nil {
		log.Printf("autoRespond: ошибка сохранения автоответа: %v", err)
		return
	}
	s.pushNewMessage(saved)

	if escalate {
		if err := s.storage.SetStatus(ctx, chat.ID, models.StatusPending); err != nil {
			log.Printf("autoRespond: ошибка эскалации чата %s: %v", chat.ID, err)
		}
	}
}

// ─────────────────────────────── админка

func (s *Server) login(c *gin.Context) {
	var credentials struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&credentials); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.auth.Authenticate(c.Request.Context(), s.storage, credentials.Email, credentials.Password)
	if err != nil {
		log.Printf("login: ошибка аутентификации для %s: %v", credentials.Email, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	admin, err := s.storage.GetAdmin(c.Request.Context(), credentials.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка получения данных пользователя"})
		return
	}
	admin.PasswordHash = ""

	log.Printf("login: успешная авторизация оператора %s (ID: %s)", admin.Email, admin.ID)
	c.JSON(http.StatusOK, gin.H{"token": token, "admin": admin})
}

func (s *Server) getChats(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(DefaultPageSize)))

	chats, total, err := s.storage.ListChats(c.Request.Context(), page, size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка получения чатов: " + err.Error()})
		return
	}

	totalPages := (total + size - 1) / size
	if totalPages < 1 {
		totalPages = 1
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      chats,
		"page":       page,
		"pageSize":   size,
		"totalItems": total,
		"totalPages": totalPages,
	})
}

func (s *Server) getChatByID(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный формат chatID"})
		return
	}

	chat, err := s.storage.GetChat(c.Request.Context(), chatID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "чат не найден"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

// sendAdminMessage — ответ живого оператора; виджет получит его по push.
func (s *Server) sendAdminMessage(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный формат chatID"})
		return
	}

	var body struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректные данные: " + err.Error()})
		return
	}

	adminID, _ := uuid.Parse(c.GetString("adminID"))
	msg, err := s.storage.AddMessage(c.Request.Context(), chatID, body.Content, models.SenderAdmin, adminID, nil)
	if err != nil {
		log.Printf("sendAdminMessage: ошибка добавления сообщения: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка отправки сообщения"})
		return
	}

	s.pushNewMessage(msg)
	c.JSON(http.StatusOK, msg)
}

// ─────────────────────────────── WebSocket

// serveWs обрабатывает подключение к realtime-каналу.
func (s *Server) serveWs(c *gin.Context) {
	clientType := c.DefaultQuery("type", "admin")

	var id, chatID uuid.UUID
	switch clientType {
	case "widget":
		parsed, err := uuid.Parse(c.Query("chat_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "для виджета обязателен параметр chat_id"})
			return
		}
		chatID = parsed
		if _, err := s.storage.GetChat(c.Request.Context(), chatID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "чат не найден"})
			return
		}
		id, _ = uuid.Parse(c.GetHeader("X-Widget-User-ID"))
	case "admin":
		claims, err := s.auth.ValidateToken(c.Query("token"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "неверный токен"})
			return
		}
		id, _ = uuid.Parse(claims.AdminID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "неверный тип клиента"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("serveWs: ошибка апгрейда соединения: %v", err)
		return
	}

	client := &wsClient{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, 256),
		clientType: clientType,
		id:         id,
		chatID:     chatID,
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump(s.handleClientEvent)

	log.Printf("serveWs: клиент %s (%s) подключен", id, clientType)
}

// handleClientEvent обрабатывает входящие события клиентов:
// виджет шлет только typing, остальное игнорируется.
func (s *Server) handleClientEvent(c *wsClient, env models.Envelope) {
	switch env.Type {
	case models.EventTyping:
		if c.clientType == "widget" {
			s.hub.SendToChat(c.chatID, env)
		}
	default:
		log.Printf("handleClientEvent: неизвестный тип события %q от %s", env.Type, c.id)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Go-клиент виджета подключается без Origin
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	log.Printf("checkOrigin: отклонен origin %s", origin)
	return false
}

// pushNewMessage рассылает событие new_message всем клиентам чата.
func (s *Server) pushNewMessage(msg *models.Message) {
	env, err := models.NewEvent(models.EventNewMessage, models.NewMessagePayload{Message: *msg})
	if err != nil {
		log.Printf("pushNewMessage: ошибка формирования события: %v", err)
		return
	}
	s.hub.SendToChat(msg.ChatID, env)
}
