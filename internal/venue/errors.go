package venue

import (
	"errors"
	"fmt"
)

// ErrorKind классификация ошибок биржи, от которой зависит поведение движка
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NOT_FOUND"            // ордер/ресурс не существует (возможный ghost fill)
	KindRateLimited         ErrorKind = "RATE_LIMITED"         // превышен лимит запросов
	KindCrossedBook         ErrorKind = "CROSSED_BOOK"         // post-only отклонён: цена пересекла бы стакан
	KindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE" // недостаточно средств
	KindNetwork             ErrorKind = "NETWORK"              // таймаут, обрыв соединения, 5xx
	KindBadRequest          ErrorKind = "BAD_REQUEST"          // невалидные параметры, 4xx
	KindAuth                ErrorKind = "AUTH"                 // проблема с ключами/подписью
	KindUnknown             ErrorKind = "UNKNOWN"
)

// ErrNotFound sentinel для отсутствующего ордера
var ErrNotFound = errors.New("order not found")

// Error ошибка биржевого адаптера с контекстом для классификации
type Error struct {
	Venue    string
	Kind     ErrorKind
	Code     int // HTTP или биржевой код, 0 если неприменимо
	Message  string
	Original error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[%s] %s (code %d): %s", e.Venue, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Venue, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Original
}

// NewError создаёт ошибку адаптера
func NewError(venueName string, kind ErrorKind, code int, message string, original error) *Error {
	return &Error{
		Venue:    venueName,
		Kind:     kind,
		Code:     code,
		Message:  message,
		Original: original,
	}
}

// KindOf извлекает классификацию из цепочки ошибок
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindUnknown
}

// IsNotFound true если ошибка означает отсутствие ордера на бирже
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// asVenueError извлекает *Error из цепочки
func asVenueError(err error, target **Error) bool {
	return errors.As(err, target)
}

// IsRetryable true для транзиентных ошибок (сеть, rate limit)
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindRateLimited
}
