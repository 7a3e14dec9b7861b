package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/models"
)

// Notifier рассылает события движка внешним потребителям (API, алерты).
//
// Публикация неблокирующая: при заполненном буфере событие отбрасывается
// и считается, вместо того чтобы тормозить торговый поток. Критичные
// события при этом всегда попадают в лог
type Notifier struct {
	ch      chan models.Notification
	log     *zap.Logger
	dropped int64 // atomic

	closeOnce sync.Once
}

// NewNotifier создаёт шину событий с буфером заданного размера
func NewNotifier(buffer int, log *zap.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 100
	}
	return &Notifier{
		ch:  make(chan models.Notification, buffer),
		log: log,
	}
}

// Publish отправляет событие без блокировки
func (n *Notifier) Publish(event models.Notification) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if event.Level == models.NotifyCritical {
		n.log.Error("critical event",
			zap.String("type", event.Type),
			zap.String("symbol", event.Symbol),
			zap.String("trade_id", event.TradeID),
			zap.String("message", event.Message),
		)
	}

	select {
	case n.ch <- event:
	default:
		atomic.AddInt64(&n.dropped, 1)
		notificationsDropped.Inc()
	}
}

// Events канал событий для потребителя
func (n *Notifier) Events() <-chan models.Notification {
	return n.ch
}

// Dropped количество отброшенных событий
func (n *Notifier) Dropped() int64 {
	return atomic.LoadInt64(&n.dropped)
}

// Close закрывает канал событий
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.ch)
	})
}
