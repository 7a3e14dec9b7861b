// Package store отвечает за персистентность сделок и их событий.
package store

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"fundarb/internal/models"
)

// Ошибки хранилища
var (
	ErrTradeNotFound = errors.New("trade not found")
)

var detailsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeDetails сериализует контекст перехода состояния в JSON для audit trail.
// Ошибки кодирования не фатальны: возвращается пустой объект
func EncodeDetails(v interface{}) string {
	if v == nil {
		return "{}"
	}
	data, err := detailsJSON.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// TradeStore персистентность хеджированных сделок
type TradeStore interface {
	// CreateTrade сохраняет новую сделку (state задан вызывающим)
	CreateTrade(ctx context.Context, trade *models.TradeRecord) error

	// UpdateTradeState переводит сделку в новое состояние и пишет событие
	UpdateTradeState(ctx context.Context, tradeID, fromState, toState, details string) error

	// UpdateLegFills обновляет исполнение ног
	UpdateLegFills(ctx context.Context, tradeID string, makerFilled, makerAvg, hedgeFilled, hedgeAvg float64) error

	// SetOrderIDs сохраняет идентификаторы ордеров ног
	SetOrderIDs(ctx context.Context, tradeID, makerOrderID, hedgeOrderID string) error

	// SetFailureReason записывает причину неудачи
	SetFailureReason(ctx context.Context, tradeID, reason string) error

	// MarkCompleted выставляет completed_at
	MarkCompleted(ctx context.Context, tradeID string) error

	// GetTrade возвращает сделку по ID (ErrTradeNotFound если нет)
	GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error)

	// GetTradesByState возвращает сделки в заданном состоянии
	GetTradesByState(ctx context.Context, state string, limit int) ([]*models.TradeRecord, error)

	// GetRecentTrades возвращает последние сделки
	GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error)

	// GetEvents возвращает события сделки в хронологическом порядке
	GetEvents(ctx context.Context, tradeID string) ([]*models.TradeEvent, error)

	// CountByState возвращает количество сделок в состоянии
	CountByState(ctx context.Context, state string) (int, error)
}
