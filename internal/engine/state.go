// Package engine реализует ядро хеджированного исполнения:
// валидацию стакана, выравнивание размера, машину состояний входа/выхода,
// откат незахеджированной ноги и сверку с биржами.
package engine

import (
	"sync"
	"time"

	"fundarb/internal/venue"
)

// Состояния исполнения хеджированной сделки
const (
	StatePending            = "PENDING"
	StateLeg1Sent           = "LEG1_SENT"
	StateLeg1Filled         = "LEG1_FILLED"
	StateLeg2Sent           = "LEG2_SENT"
	StateComplete           = "COMPLETE"
	StatePartialFill        = "PARTIAL_FILL" // транзиентная метка микро-филла
	StateRollbackQueued     = "ROLLBACK_QUEUED"
	StateRollbackInProgress = "ROLLBACK_IN_PROGRESS"
	StateRollbackDone       = "ROLLBACK_DONE"
	StateRollbackFailed     = "ROLLBACK_FAILED"
	StateFailed             = "FAILED"
)

// Статусы персистентной записи сделки
const (
	TradeStatusPending  = "PENDING"
	TradeStatusOpening  = "OPENING"
	TradeStatusOpen     = "OPEN"
	TradeStatusClosing  = "CLOSING"
	TradeStatusClosed   = "CLOSED"
	TradeStatusFailed   = "FAILED"
	TradeStatusRejected = "REJECTED"
	TradeStatusRollback = "ROLLBACK"
)

// ValidTransitions определяет допустимые переходы между состояниями.
// Обратных переходов нет, кроме входа в rollback терминалы
var ValidTransitions = map[string][]string{
	StatePending:            {StateLeg1Sent, StateFailed},
	StateLeg1Sent:           {StateLeg1Filled, StatePartialFill, StateFailed, StateRollbackQueued},
	StatePartialFill:        {StateLeg1Filled, StateFailed, StateRollbackQueued},
	StateLeg1Filled:         {StateLeg2Sent, StateRollbackQueued},
	StateLeg2Sent:           {StateComplete, StateRollbackQueued},
	StateRollbackQueued:     {StateRollbackInProgress},
	StateRollbackInProgress: {StateRollbackDone, StateRollbackFailed},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal возвращает true для терминальных состояний
func IsTerminal(s string) bool {
	switch s {
	case StateComplete, StateFailed, StateRollbackDone, StateRollbackFailed:
		return true
	}
	return false
}

// TradeExecution представляет одно активное хеджированное исполнение.
// Владеет им исключительно горутина, выполняющая вход; конкурентный
// доступ (rollback worker, stats) идёт через mutex
type TradeExecution struct {
	mu sync.Mutex

	TradeID string
	Symbol  string

	// Направления ног: maker нога на maker бирже, hedge противоположна
	MakerSide venue.Side
	HedgeSide venue.Side

	state string

	MakerOrderID string
	HedgeOrderID string
	MakerFilled  bool
	HedgeFilled  bool

	PlannedSizeUSD  float64
	PlannedCoins    float64
	ActualFilled    float64 // реально исполненный объём maker ноги
	MakerFillPrice  float64
	HedgeFillPrice  float64

	StartTime        time.Time
	RollbackAttempts int
	Err              string
}

// State возвращает текущее состояние
func (e *TradeExecution) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState переводит исполнение в новое состояние.
// Недопустимый переход не применяется и возвращает false
func (e *TradeExecution) SetState(to string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == to {
		return true
	}
	if !CanTransition(e.state, to) {
		return false
	}
	e.state = to
	return true
}

// NewTradeExecution создаёт исполнение в состоянии PENDING
func NewTradeExecution(tradeID, symbol string, makerSide venue.Side, targetUSD, plannedCoins float64) *TradeExecution {
	return &TradeExecution{
		TradeID:        tradeID,
		Symbol:         symbol,
		MakerSide:      makerSide,
		HedgeSide:      makerSide.Opposite(),
		state:          StatePending,
		PlannedSizeUSD: targetUSD,
		PlannedCoins:   plannedCoins,
		StartTime:      time.Now(),
	}
}
