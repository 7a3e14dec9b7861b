// Package websocket раздаёт события движка подключенным браузерным клиентам.
package websocket

import (
	"bytes"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"fundarb/internal/models"
)

// ============ sync.Pool для JSON буферов ============
// Убирает аллокации при каждом Broadcast

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// ============ Типизированные сообщения (без map[string]interface{}) ============

// NotificationMessage - событие движка (открытие/закрытие сделки, откат, алерт)
type NotificationMessage struct {
	Type string              `json:"type"`
	Data models.Notification `json:"data"`
}

// TradeUpdateMessage - обновление состояния сделки
type TradeUpdateMessage struct {
	Type    string      `json:"type"`
	TradeID string      `json:"trade_id"`
	Data    interface{} `json:"data"`
}

// StatsUpdateMessage - сообщение со статистикой исполнения
type StatsUpdateMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub управляет всеми активными WebSocket соединениями
//
// Центральный менеджер для broadcast сообщений всем подключенным клиентам.
// Обеспечивает real-time поток событий движка на frontend без polling.
//
// Типы сообщений:
// - notification: событие движка (trade_opened, rollback_done, critical_error...)
// - tradeUpdate: обновление записи сделки
// - statsUpdate: агрегированная статистика исполнения
//
// Использование:
// 1. Создать hub: hub := NewHub(log)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.BroadcastNotification(event)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	log *zap.Logger

	// Счетчик сообщений, отброшенных при переполнении broadcast канала
	dropped int64 // atomic

	done     chan struct{}
	stopOnce sync.Once

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log,
		done:       make(chan struct{}),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Обрабатывает регистрацию, отмену регистрации и broadcast.
//
// Клиенты удаляются не под RLock: копируем список, отправляем без
// блокировки, медленных удаляем под Write Lock
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client connected", zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("websocket client disconnected", zap.Int("total", total))

		case message := <-h.broadcast:
			// копируем список клиентов под коротким RLock
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			// отправляем без блокировки, чтобы не тормозить register/unregister
			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// клиент не успевает читать - на удаление
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.log.Warn("removed slow websocket clients",
					zap.Int("removed", len(toRemove)),
					zap.Int("total", total),
				)
			}
		}
	}
}

// PumpNotifications читает события движка и транслирует их клиентам.
// Завершается когда канал событий закрыт. Запускать в горутине
func (h *Hub) PumpNotifications(events <-chan models.Notification) {
	for event := range events {
		h.BroadcastNotification(event)
	}
	h.log.Info("notification pump stopped, event channel closed")
}

// Broadcast отправляет произвольное сообщение всем подключенным клиентам.
// Использует sync.Pool для буферов сериализации
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("broadcast message marshal failed", zap.Error(err))
		jsonBufferPool.Put(buf)
		return
	}

	// убираем trailing newline от Encode
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	// копируем данные, буфер возвращается в пул
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	// не блокируем вызывающего при переполнении
	select {
	case h.broadcast <- msgCopy:
	default:
		atomic.AddInt64(&h.dropped, 1)
	}
}

// Stop останавливает цикл Run и отключает всех клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// DroppedMessages возвращает количество отброшенных broadcast сообщений
func (h *Hub) DroppedMessages() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// BroadcastNotification отправляет событие движка
func (h *Hub) BroadcastNotification(event models.Notification) {
	h.Broadcast(&NotificationMessage{
		Type: "notification",
		Data: event,
	})
}

// BroadcastTradeUpdate отправляет обновление сделки
func (h *Hub) BroadcastTradeUpdate(tradeID string, data interface{}) {
	h.Broadcast(&TradeUpdateMessage{
		Type:    "tradeUpdate",
		TradeID: tradeID,
		Data:    data,
	})
}

// BroadcastStatsUpdate отправляет обновление статистики исполнения
func (h *Hub) BroadcastStatsUpdate(stats interface{}) {
	h.Broadcast(&StatsUpdateMessage{
		Type: "statsUpdate",
		Data: stats,
	})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
