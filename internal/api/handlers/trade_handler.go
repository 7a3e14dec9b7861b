package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"fundarb/internal/engine"
	"fundarb/internal/models"
	"fundarb/internal/store"
	"fundarb/internal/venue"
)

// ExecutionEngine подмножество ExecutionManager, нужное HTTP слою
type ExecutionEngine interface {
	ExecuteHedgedEntry(ctx context.Context, req engine.EntryRequest) (*engine.EntryResult, error)
	ExecuteHedgedExit(ctx context.Context, tradeID, reason string) error
	GetExecutionStats() *engine.ExecutionStats
	IsShuttingDown() bool
}

// TradeHandler обрабатывает HTTP запросы по хеджированным сделкам.
//
// Endpoints:
// - GET /api/v1/trades - последние сделки (опционально по состоянию)
// - GET /api/v1/trades/{id} - одна сделка
// - GET /api/v1/trades/{id}/events - audit trail сделки
// - POST /api/v1/trades - хеджированный вход
// - POST /api/v1/trades/{id}/close - хеджированный выход
type TradeHandler struct {
	engine ExecutionEngine
	store  store.TradeStore
}

// NewTradeHandler создает новый TradeHandler с внедрением зависимостей.
func NewTradeHandler(eng ExecutionEngine, st store.TradeStore) *TradeHandler {
	return &TradeHandler{
		engine: eng,
		store:  st,
	}
}

// EntryRequestBody тело запроса на хеджированный вход
type EntryRequestBody struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"` // buy или sell (maker нога)
	TargetUSD  float64 `json:"target_usd"`
	MakerPrice float64 `json:"maker_price,omitempty"`
	HedgePrice float64 `json:"hedge_price,omitempty"`
	Volatility string  `json:"volatility,omitempty"` // LOW, NORMAL, HIGH
}

// CloseRequestBody тело запроса на закрытие сделки
type CloseRequestBody struct {
	Reason string `json:"reason,omitempty"`
}

// ListTrades возвращает последние сделки.
//
// GET /api/v1/trades?state=COMPLETE&limit=50
//
// Query Parameters:
// - state (optional): фильтр по состоянию (PENDING, COMPLETE, FAILED...)
// - limit (optional): количество записей (по умолчанию 50, максимум 500)
//
// Response 200 OK: массив TradeRecord
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	state := r.URL.Query().Get("state")

	var (
		trades []*models.TradeRecord
		err    error
	)
	if state != "" {
		trades, err = h.store.GetTradesByState(r.Context(), strings.ToUpper(state), limit)
	} else {
		trades, err = h.store.GetRecentTrades(r.Context(), limit)
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to list trades", Details: err.Error()})
		return
	}

	// пустой список сериализуется как [], а не null
	if trades == nil {
		trades = []*models.TradeRecord{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(trades)
}

// GetTrade возвращает одну сделку по ID.
//
// GET /api/v1/trades/{id}
//
// Response 200 OK: TradeRecord
// Response 404 Not Found: {"error": "trade not found"}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	tradeID := mux.Vars(r)["id"]

	trade, err := h.store.GetTrade(r.Context(), tradeID)
	if err != nil {
		if errors.Is(err, store.ErrTradeNotFound) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "trade not found"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to get trade", Details: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(trade)
}

// GetTradeEvents возвращает audit trail сделки в хронологическом порядке.
//
// GET /api/v1/trades/{id}/events
//
// Response 200 OK: массив TradeEvent
func (h *TradeHandler) GetTradeEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	tradeID := mux.Vars(r)["id"]

	// 404 для несуществующей сделки, а не пустой массив
	if _, err := h.store.GetTrade(r.Context(), tradeID); err != nil {
		if errors.Is(err, store.ErrTradeNotFound) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "trade not found"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to get trade", Details: err.Error()})
		return
	}

	events, err := h.store.GetEvents(r.Context(), tradeID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "failed to get events", Details: err.Error()})
		return
	}
	if events == nil {
		events = []*models.TradeEvent{}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(events)
}

// OpenTrade выполняет хеджированный вход.
//
// POST /api/v1/trades
//
// Request body:
//
//	{
//	  "symbol": "BTCUSDT",
//	  "side": "buy",
//	  "target_usd": 1000,
//	  "maker_price": 49990.5,
//	  "volatility": "NORMAL"
//	}
//
// Response 200 OK: EntryResult с trade_id и фактическим исполнением
// Response 409 Conflict: символ уже исполняется
// Response 422 Unprocessable Entity: вход отклонен (стакан, compliance, спред)
// Response 503 Service Unavailable: движок останавливается
func (h *TradeHandler) OpenTrade(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "execution engine not initialized"})
		return
	}

	var body EntryRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}

	side, err := parseSide(body.Side)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
		return
	}
	if body.Symbol == "" || body.TargetUSD <= 0 {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "symbol and positive target_usd are required"})
		return
	}

	result, err := h.engine.ExecuteHedgedEntry(r.Context(), engine.EntryRequest{
		Symbol:     strings.ToUpper(body.Symbol),
		MakerSide:  side,
		TargetUSD:  body.TargetUSD,
		MakerPrice: body.MakerPrice,
		HedgePrice: body.HedgePrice,
		Volatility: body.Volatility,
	})
	if err != nil {
		reason := engine.ReasonOf(err)
		w.WriteHeader(entryStatusCode(reason))
		json.NewEncoder(w).Encode(ErrorResponse{Error: "entry rejected", Code: reason, Details: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SuccessResponse{Message: "hedged entry complete", Data: result})
}

// CloseTrade закрывает обе ноги сделки.
//
// POST /api/v1/trades/{id}/close
//
// Request body (optional): {"reason": "manual"}
//
// Response 200 OK: {"message": "trade closed"}
// Response 404 Not Found: сделка не найдена
func (h *TradeHandler) CloseTrade(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	tradeID := mux.Vars(r)["id"]

	if h.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "execution engine not initialized"})
		return
	}

	var body CloseRequestBody
	if r.Body != nil {
		// тело опционально
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}

	if err := h.engine.ExecuteHedgedExit(r.Context(), tradeID, body.Reason); err != nil {
		if errors.Is(err, store.ErrTradeNotFound) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "trade not found"})
			return
		}
		reason := engine.ReasonOf(err)
		w.WriteHeader(entryStatusCode(reason))
		json.NewEncoder(w).Encode(ErrorResponse{Error: "close failed", Code: reason, Details: err.Error()})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(SuccessResponse{Message: "trade closed"})
}

func parseSide(s string) (venue.Side, error) {
	switch strings.ToLower(s) {
	case "buy", "long":
		return venue.SideBuy, nil
	case "sell", "short":
		return venue.SideSell, nil
	default:
		return "", errors.New("side must be buy or sell")
	}
}

// entryStatusCode отображает классификацию исхода движка на HTTP статус
func entryStatusCode(reason string) int {
	switch reason {
	case engine.ReasonBusy:
		return http.StatusConflict
	case engine.ReasonShuttingDown:
		return http.StatusServiceUnavailable
	case engine.ReasonOrderbookInvalid, engine.ReasonSelfMatchRisk, engine.ReasonBadEntrySpread:
		return http.StatusUnprocessableEntity
	case engine.ReasonLeg1PlaceFailed, engine.ReasonLeg1Unfilled,
		engine.ReasonLeg2PlaceFailed, engine.ReasonGhostFill:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
