// Демонстрационный запуск чат-виджета в терминале.
//
// Без SERVER_URL поднимает встроенный сервер (in-memory, либо
// PostgreSQL при заданном PG_HOST) и подключает виджет к нему.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/egor/ecochatwidget/backend"
	"github.com/egor/ecochatwidget/models"
	"github.com/egor/ecochatwidget/scroll"
	"github.com/egor/ecochatwidget/session"
)

func main() {
	// Загружаем переменные окружения из .env файла
	if err := godotenv.Load(); err != nil {
		log.Println("Файл .env не найден, используем переменные окружения")
	}

	serverURL := os.Getenv("SERVER_URL")
	if serverURL == "" {
		serverURL = startEmbeddedServer()
	}

	widget := newWidget(serverURL)
	runTerminal(widget)
}

// startEmbeddedServer поднимает встроенный сервер и возвращает его URL.
func startEmbeddedServer() string {
	var storage backend.Storage
	var err error

	adminEmail := env("ADMIN_EMAIL", "admin@example.com")
	adminPassword := env("ADMIN_PASSWORD", "password")
	if os.Getenv("PG_HOST") != "" {
		storage, err = backend.NewPostgresStorage(adminEmail, adminPassword)
	} else {
		storage, err = backend.NewMemoryStorage(adminEmail, adminPassword)
	}
	if err != nil {
		log.Fatalf("Ошибка инициализации хранилища: %v", err)
	}

	srv := backend.NewServer(backend.Config{
		APIKey:    os.Getenv("WIDGET_API_KEY"),
		JWTSecret: os.Getenv("JWT_SECRET_KEY"),
		Responder: backend.DefaultResponderConfig(),
	}, storage)

	addr := env("LISTEN_ADDR", "localhost:8080")
	go func() {
		if err := http.ListenAndServe(addr, srv.Router()); err != nil {
			log.Fatalf("Ошибка запуска сервера: %v", err)
		}
	}()

	log.Printf("Встроенный сервер запущен на %s", addr)
	return "http://" + addr
}

// printer дописывает в терминал только новые сообщения.
type printer struct {
	mu      sync.Mutex
	printed int
}

func newWidget(serverURL string) *session.Widget {
	p := &printer{}
	var w *session.Widget

	w = session.New(session.Config{
		ServerURL: serverURL,
		APIKey:    os.Getenv("WIDGET_API_KEY"),
		UserID:    uuid.New(),
		Subject:   "Вопрос из терминала",
	}, session.Callbacks{
		OnMessages: func(delta int, decision scroll.Decision) {
			p.mu.Lock()
			defer p.mu.Unlock()
			messages := w.Messages()
			if p.printed > len(messages) {
				// после сброса сессии счет начинается заново
				p.printed = 0
			}
			for _, msg := range messages[p.printed:] {
				prefix := "Вы"
				if msg.Sender == models.SenderAdmin {
					prefix = "Поддержка"
				}
				fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), prefix, msg.Content)
			}
			p.printed = len(messages)
		},
		OnNotice: func(text string) {
			fmt.Printf("!! %s\n", text)
		},
		OnConnState: func(state string) {
			fmt.Printf("-- соединение: %s\n", state)
		},
	})
	return w
}

func runTerminal(w *session.Widget) {
	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)

	fmt.Println("Выберите ассистента: 1 — ИИ-ассистент, 2 — живой оператор")
	for scanner.Scan() {
		choice := strings.TrimSpace(scanner.Text())
		assistantType := ""
		switch choice {
		case "1":
			assistantType = models.AssistantAI
		case "2":
			assistantType = models.AssistantHuman
		default:
			fmt.Println("Введите 1 или 2")
			continue
		}
		if err := w.ChooseAssistant(ctx, assistantType); err == nil {
			break
		}
	}

	fmt.Println("Пишите сообщения. Команды: /reset — начать заново, /exit — выход")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit":
			w.Reset()
			return
		case "/reset":
			w.Reset()
			runTerminal(w)
			return
		default:
			_ = w.SendMessage(ctx, line)
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
