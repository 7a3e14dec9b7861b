package engine

import (
	"errors"
	"fmt"
)

// Классификация исходов исполнения, видимая вызывающему коду
const (
	ReasonBusy            = "BUSY"              // лок символа занят
	ReasonSelfMatchRisk   = "SELF_MATCH_RISK"   // compliance отклонил вход
	ReasonOrderbookInvalid = "ORDERBOOK_INVALID" // валидатор стакана отклонил
	ReasonLeg1PlaceFailed = "LEG1_PLACE_FAILED" // адаптер отклонил maker ногу
	ReasonLeg1Unfilled    = "LEG1_UNFILLED"     // таймаут + подтверждённая отмена
	ReasonLeg2PlaceFailed = "LEG2_PLACE_FAILED" // maker исполнен, hedge отклонён
	ReasonGhostFill       = "GHOST_FILL"        // отмена проиграла гонку с филлом
	ReasonBadEntrySpread  = "BAD_ENTRY_SPREAD"  // ноги разошлись по цене
	ReasonRollbackFailed  = "ROLLBACK_FAILED"   // голая нога после всех попыток
	ReasonShuttingDown    = "SHUTTING_DOWN"
	ReasonInternal        = "INTERNAL"
)

// Sentinel ошибки движка
var (
	ErrBusy         = errors.New("symbol execution lock is held")
	ErrShuttingDown = errors.New("engine is shutting down")
)

// ExecError ошибка исполнения с классификацией исхода
type ExecError struct {
	Reason  string
	Symbol  string
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Reason, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Reason, e.Symbol, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func newExecError(reason, symbol, message string, err error) *ExecError {
	return &ExecError{Reason: reason, Symbol: symbol, Message: message, Err: err}
}

// ReasonOf извлекает классификацию исхода из цепочки ошибок
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Reason
	}
	if errors.Is(err, ErrBusy) {
		return ReasonBusy
	}
	if errors.Is(err, ErrShuttingDown) {
		return ReasonShuttingDown
	}
	return ReasonInternal
}
