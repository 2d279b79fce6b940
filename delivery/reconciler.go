// Package delivery сводит два независимых пути доставки — push-события
// realtime-канала и периодические snapshot-запросы — в вызовы Store.
//
// Reconciler сам не занимается порядком и дедупликацией: он только
// решает, КОГДА получать данные, а Store решает, КАК их сливать.
// Realtime-канал может молча терять события в окнах переподключения;
// периодический опрос гарантирует eventual consistency.
package delivery

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecochatwidget/models"
	"github.com/egor/ecochatwidget/store"
)

const (
	// DefaultPollInterval — период фонового опроса, пока виджет открыт.
	DefaultPollInterval = 5 * time.Second
)

// DefaultFollowUps — задержки дополнительных snapshot-запросов после
// отправки сообщения пользователем. Прячут латентность автоответчика,
// не дожидаясь следующего тика фонового опроса. Несколько лишних
// запросов — осознанная цена.
var DefaultFollowUps = []time.Duration{1 * time.Second, 3 * time.Second}

// Fetcher получает полный snapshot чата. Реализуется api.Client.
type Fetcher interface {
	GetChat(ctx context.Context, chatID uuid.UUID) (*models.Chat, error)
}

// Reconciler питает Store из обоих путей доставки. Все таймеры
// принадлежат Reconciler'у и гасятся в Stop: после сброса чата ни один
// старый таймер не тронет переинициализированный Store.
type Reconciler struct {
	store        *store.Store
	fetch        Fetcher
	pollInterval time.Duration
	followUps    []time.Duration
	onChange     func(delta int)

	mu     sync.Mutex
	chatID uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	timers []*time.Timer
}

// New создает Reconciler с интервалами по умолчанию.
func New(st *store.Store, fetch Fetcher) *Reconciler {
	return &Reconciler{
		store:        st,
		fetch:        fetch,
		pollInterval: DefaultPollInterval,
		followUps:    DefaultFollowUps,
	}
}

// SetIntervals меняет период опроса и задержки follow-up запросов.
func (r *Reconciler) SetIntervals(poll time.Duration, followUps []time.Duration) {
	r.pollInterval = poll
	r.followUps = followUps
}

// OnChange регистрирует обработчик «в Store стало больше сообщений».
func (r *Reconciler) OnChange(handler func(delta int)) {
	r.onChange = handler
}

// Start запускает фоновый опрос для указанного чата.
// Повторный Start сначала останавливает предыдущий цикл.
func (r *Reconciler) Start(chatID uuid.UUID) {
	r.Stop()

	r.mu.Lock()
	r.chatID = chatID
	ctx, cancel := context.WithCancel(context.Background())
	r.ctx = ctx
	r.cancel = cancel
	r.mu.Unlock()

	go r.pollLoop(ctx, chatID)
}

// Stop гасит фоновый опрос и все отложенные follow-up таймеры.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
		r.ctx = nil
	}
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
	r.chatID = uuid.Nil
	r.mu.Unlock()
}

// HandleEvent обрабатывает входящее событие realtime-канала.
// Кривой payload не должен ни уронить соединение, ни испортить Store —
// такие события логируются и отбрасываются.
func (r *Reconciler) HandleEvent(env models.Envelope) {
	switch env.Type {
	case models.EventNewMessage:
		var payload models.NewMessagePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			log.Printf("delivery: некорректный payload new_message, событие отброшено: %v", err)
			return
		}
		if r.store.ApplyIncoming(payload.Message) {
			r.notifyChange(1)
		}
	case models.EventTyping, models.EventConnectionStatus:
		// не влияют на список сообщений
	case models.EventError:
		var payload models.ErrorPayload
		if err := json.Unmarshal(env.Payload, &payload); err == nil {
			log.Printf("delivery: сервер сообщил об ошибке: %s", payload.Error)
		}
	default:
		log.Printf("delivery: неизвестный тип события %q, отброшено", env.Type)
	}
}

// NotifySent вызывается после отправки сообщения пользователем:
// планирует короткие one-shot snapshot-запросы, чтобы быстрее увидеть
// асинхронный ответ автоответчика.
func (r *Reconciler) NotifySent() {
	r.mu.Lock()
	ctx := r.ctx
	chatID := r.chatID
	if ctx == nil {
		r.mu.Unlock()
		return
	}
	for _, delay := range r.followUps {
		var timer *time.Timer
		timer = time.AfterFunc(delay, func() {
			// сработавший таймер больше не нужен в списке
			r.forgetTimer(timer)
			if ctx.Err() != nil {
				return
			}
			r.pollOnce(ctx, chatID)
		})
		r.timers = append(r.timers, timer)
	}
	r.mu.Unlock()
}

func (r *Reconciler) forgetTimer(timer *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t == timer {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) pollLoop(ctx context.Context, chatID uuid.UUID) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx, chatID)
		}
	}
}

// pollOnce получает snapshot и сливает его в Store. Ошибка запроса не
// фатальна — следующий тик попробует снова.
func (r *Reconciler) pollOnce(ctx context.Context, chatID uuid.UUID) {
	chat, err := r.fetch.GetChat(ctx, chatID)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("delivery: ошибка snapshot-запроса чата %s: %v", chatID, err)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.store.SetStatus(chat.Status)
	if added := r.store.ApplySnapshot(chat.Messages); added > 0 {
		r.notifyChange(added)
	}
}

func (r *Reconciler) notifyChange(delta int) {
	if r.onChange != nil {
		r.onChange(delta)
	}
}
