// Package scroll решает, прокручивать ли окно чата при новых сообщениях.
//
// Контроллер — чистая функция от позиции прокрутки и дельты сообщений:
// ни сети, ни таймеров, поэтому тестируется изолированно. Позицию
// обновляет UI-слой, а решения запрашиваются из горутин доставки,
// поэтому состояние под мьютексом.
package scroll

import "sync"

// BottomThreshold — расстояние от низа (в пикселях), в пределах которого
// пользователь считается «у нижнего края».
const BottomThreshold = 50

// Decision — решение контроллера по очередному изменению списка сообщений.
type Decision int

const (
	// None — ничего делать не нужно.
	None Decision = iota
	// AutoScroll — прокрутить к последнему сообщению.
	AutoScroll
	// ShowNotice — показать индикатор «новые сообщения ниже», не прокручивая.
	ShowNotice
)

// Controller отслеживает, ушел ли пользователь от нижнего края чата.
type Controller struct {
	mu           sync.Mutex
	scrolledAway bool
}

// New создает контроллер в состоянии «у нижнего края».
func New() *Controller {
	return &Controller{}
}

// UpdatePosition вызывается при каждом изменении позиции прокрутки.
// distanceFromBottom — расстояние от нижнего края в пикселях.
func (c *Controller) UpdatePosition(distanceFromBottom int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scrolledAway = distanceFromBottom > BottomThreshold
}

// OnNewMessages вызывается, когда в Store стало больше сообщений.
// Если пользователь у нижнего края — прокручиваем; если ушел вверх —
// показываем индикатор и не трогаем позицию.
func (c *Controller) OnNewMessages(delta int) Decision {
	if delta <= 0 {
		return None
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scrolledAway {
		return ShowNotice
	}
	return AutoScroll
}

// JumpToBottom — явное действие пользователя «к последним сообщениям».
// Всегда прокручивает и сбрасывает флаг.
func (c *Controller) JumpToBottom() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scrolledAway = false
	return AutoScroll
}

// ScrolledAway сообщает, ушел ли пользователь от нижнего края.
func (c *Controller) ScrolledAway() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrolledAway
}
