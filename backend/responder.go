package backend

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecochatwidget/models"
)

const systemPrompt = "Ты вежливый и полезный ассистент, который отвечает на вопросы клиентов. " +
	"Твои ответы должны быть краткими, информативными и дружелюбными."

// escalationReply отправляется, когда ответ ассистента пришлось скрыть
// и диалог передается живому оператору.
const escalationReply = "Секунду, уточню информацию у коллеги — он подключится к диалогу."

// ResponderConfig содержит настройки автоответчика.
type ResponderConfig struct {
	Enabled bool
	Delay   time.Duration // задержка перед ответом (симуляция набора)
}

// DefaultResponderConfig возвращает настройки автоответчика по умолчанию.
func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		Enabled: true,
		Delay:   500 * time.Millisecond,
	}
}

// Responder — автоответчик для чатов с ассистентом ai_assistant.
// При наличии LLM_API_URL ответы генерирует модель; иначе используются
// заготовленные реплики, чего достаточно для разработки и тестов.
type Responder struct {
	cfg ResponderConfig
	llm *llmClient

	mu      sync.Mutex
	history map[uuid.UUID][]llmMessage // chatID -> история диалога
}

// NewResponder создает автоответчик.
func NewResponder(cfg ResponderConfig) *Responder {
	return &Responder{
		cfg:     cfg,
		llm:     newLLMClient(),
		history: make(map[uuid.UUID][]llmMessage),
	}
}

// ProcessMessage обрабатывает входящее сообщение пользователя и
// возвращает ответ ассистента, если он нужен. escalate=true означает,
// что чат надо передать живому оператору.
func (r *Responder) ProcessMessage(ctx context.Context, chat *models.Chat, msg *models.Message) (reply string, escalate bool, err error) {
	if !r.cfg.Enabled {
		return "", false, nil
	}
	// Отвечаем только пользователю и только в чатах с ИИ-ассистентом
	if msg.Sender != models.SenderUser || chat.AssistantType != models.AssistantAI {
		return "", false, nil
	}

	// Имитируем задержку набора
	if r.cfg.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(r.cfg.Delay):
		}
	}

	if r.llm == nil {
		return r.cannedReply(msg.Content), false, nil
	}

	history := r.appendHistory(chat.ID, llmMessage{Role: "user", Content: msg.Content})

	raw, err := r.llm.generateResponse(ctx, history)
	if err != nil {
		log.Printf("responder: ошибка генерации ответа: %v", err)
		return "", false, err
	}

	clean, escalate := sanitize(raw)
	if escalate {
		log.Printf("responder: ответ скрыт, чат %s эскалируется к оператору", chat.ID)
		return escalationReply, true, nil
	}

	r.appendHistory(chat.ID, llmMessage{Role: "assistant", Content: clean})
	return clean, false, nil
}

// ClearHistory очищает историю диалога с моделью.
func (r *Responder) ClearHistory(chatID uuid.UUID) {
	r.mu.Lock()
	delete(r.history, chatID)
	r.mu.Unlock()
}

func (r *Responder) appendHistory(chatID uuid.UUID, msg llmMessage) []llmMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	history, ok := r.history[chatID]
	if !ok {
		history = []llmMessage{{Role: "system", Content: systemPrompt}}
	}
	history = append(history, msg)
	r.history[chatID] = history
	return append([]llmMessage(nil), history...)
}

// cannedReply — ответы без модели: хватает, чтобы погонять виджет.
func (r *Responder) cannedReply(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "цен") || strings.Contains(lower, "стоим") || strings.Contains(lower, "price"):
		return "Стоимость зависит от выбранного пакета услуг. Подскажите, что именно вас интересует?"
	case strings.Contains(lower, "привет") || strings.Contains(lower, "здравств"):
		return "Здравствуйте! Чем могу помочь?"
	default:
		return "Спасибо за вопрос! Уточните, пожалуйста, детали — и я подскажу."
	}
}
