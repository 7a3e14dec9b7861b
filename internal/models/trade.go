// Package models содержит модели данных, разделяемые движком, хранилищем и API.
package models

import "time"

// TradeRecord представляет запись о хеджированной сделке (обе ноги)
type TradeRecord struct {
	ID             string     `json:"id" db:"id"` // uuid
	Symbol         string     `json:"symbol" db:"symbol"`
	Direction      string     `json:"direction" db:"direction"` // long_maker_short_hedge, short_maker_long_hedge
	MakerVenue     string     `json:"maker_venue" db:"maker_venue"`
	HedgeVenue     string     `json:"hedge_venue" db:"hedge_venue"`
	State          string     `json:"state" db:"state"`
	TargetUSD      float64    `json:"target_usd" db:"target_usd"`
	PlannedCoins   float64    `json:"planned_coins" db:"planned_coins"`
	MakerFilled    float64    `json:"maker_filled" db:"maker_filled"`
	MakerAvgPrice  float64    `json:"maker_avg_price" db:"maker_avg_price"`
	HedgeFilled    float64    `json:"hedge_filled" db:"hedge_filled"`
	HedgeAvgPrice  float64    `json:"hedge_avg_price" db:"hedge_avg_price"`
	MakerOrderID   string     `json:"maker_order_id,omitempty" db:"maker_order_id"`
	HedgeOrderID   string     `json:"hedge_order_id,omitempty" db:"hedge_order_id"`
	FailureReason  string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Направления хеджированной сделки
const (
	DirectionLongMaker  = "long_maker_short_hedge" // long на maker бирже, short хедж
	DirectionShortMaker = "short_maker_long_hedge" // short на maker бирже, long хедж
)

// TradeEvent одно событие из жизненного цикла сделки (audit trail)
type TradeEvent struct {
	ID        int64     `json:"id" db:"id"`
	TradeID   string    `json:"trade_id" db:"trade_id"`
	FromState string    `json:"from_state" db:"from_state"`
	ToState   string    `json:"to_state" db:"to_state"`
	Details   string    `json:"details,omitempty" db:"details"` // JSON с контекстом перехода
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NotificationLevel важность уведомления
type NotificationLevel string

const (
	NotifyInfo     NotificationLevel = "info"
	NotifyWarning  NotificationLevel = "warning"
	NotifyCritical NotificationLevel = "critical"
)

// Типы уведомлений движка
const (
	NotifyTradeOpened        = "trade_opened"
	NotifyTradeClosed        = "trade_closed"
	NotifyRollbackDone       = "rollback_done"
	NotifyPositionReconciled = "position_reconciled"
	NotifyCriticalError      = "critical_error"
)

// Notification уведомление для внешних потребителей (лог, алерты, API)
type Notification struct {
	Type      string            `json:"type"`
	Level     NotificationLevel `json:"level"`
	Symbol    string            `json:"symbol,omitempty"`
	TradeID   string            `json:"trade_id,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
}
