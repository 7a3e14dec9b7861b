// Package venue предоставляет унифицированный интерфейс для работы с биржами перпетуальных фьючерсов.
package venue

import (
	"context"
	"time"
)

// ID идентифицирует биржу в хеджированной связке
type ID string

const (
	// VenueA - maker-friendly биржа (первая нога, post-only лимитники)
	VenueA ID = "venue_a"
	// VenueB - taker биржа (хеджирующая нога, market IOC)
	VenueB ID = "venue_b"
)

// Side направление ордера
type Side string

const (
	SideBuy  Side = "buy"  // покупка (открытие long или закрытие short)
	SideSell Side = "sell" // продажа (открытие short или закрытие long)
)

// Opposite возвращает противоположное направление
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind тип ордера
type OrderKind string

const (
	KindMarketIOC     OrderKind = "market_ioc"      // рыночный, остаток отменяется
	KindLimitPostOnly OrderKind = "limit_post_only" // лимитный maker, отклоняется при мгновенном матче
	KindLimit         OrderKind = "limit"           // обычный лимитный
)

// OrderParams параметры размещения ордера
type OrderParams struct {
	Symbol     string
	Side       Side
	Kind       OrderKind
	Size       float64 // объём в монетах базового актива
	Price      float64 // обязательно для лимитных, игнорируется для market
	ReduceOnly bool    // ордер может только уменьшать позицию
}

// OrderResult результат размещения ордера
type OrderResult struct {
	Success      bool
	OrderID      string
	FilledSize   float64
	AvgFillPrice float64
	FeePaid      float64
	ErrorKind    ErrorKind // пусто при успехе
	ErrorMessage string
}

// OrderStatus статус ордера на бирже
type OrderStatus struct {
	OrderID      string
	Status       string // "new", "filled", "partially_filled", "cancelled", "rejected"
	FilledAmount float64
	AvgFillPrice float64
}

// Статусы ордера (унифицированные между биржами)
const (
	OrderStatusNew             = "new"
	OrderStatusFilled          = "filled"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// OpenOrder открытый ордер в стакане
type OpenOrder struct {
	ID    string
	Side  Side
	Price float64
	Size  float64
}

// Position открытая позиция на бирже
//
// Знаковая конвенция: SignedSize > 0 = long, < 0 = short.
// |SignedSize| <= 1e-8 трактуется движком как отсутствие позиции.
type Position struct {
	Symbol        string
	SignedSize    float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnl float64
	Leverage      int
	UpdatedAt     time.Time
}

// PriceLevel один уровень стакана
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot снимок стакана ордеров
//
// Инвариант валидного снимка: Asks[0].Price > Bids[0].Price (не скрещен).
type OrderbookSnapshot struct {
	Symbol    string
	Venue     ID
	Bids      []PriceLevel // по убыванию цены
	Asks      []PriceLevel // по возрастанию цены
	Timestamp time.Time
	Sequence  int64 // 0 если биржа не отдаёт sequence number
}

// BestBid возвращает лучший bid (0 если стакан пуст)
func (ob *OrderbookSnapshot) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk возвращает лучший ask (0 если стакан пуст)
func (ob *OrderbookSnapshot) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// IsCrossed проверяет скрещенность стакана (bid >= ask)
func (ob *OrderbookSnapshot) IsCrossed() bool {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return false
	}
	return ob.Asks[0].Price <= ob.Bids[0].Price
}

// MarketInfo торговые ограничения биржи для символа
type MarketInfo struct {
	Symbol            string
	LotSize           float64 // шаг изменения объёма
	TickSize          float64 // шаг изменения цены
	MinOrderSizeCoins float64 // минимальный объём ордера в монетах
	MinNotionalUSD    float64 // минимальная сумма сделки в USD
}

// Trade одна сделка из истории аккаунта
type Trade struct {
	OrderID   string
	Symbol    string
	Side      Side
	Qty       float64
	Price     float64
	Fee       float64
	Timestamp time.Time
}

// PositionCallback получает push-обновления позиций (для детекта филлов)
type PositionCallback func(*Position)

// Venue определяет capability set биржевого адаптера, потребляемый ядром
//
// Все блокирующие операции принимают context.Context и обязаны
// уважать его отмену (требование кооперативного shutdown).
type Venue interface {
	// Name возвращает имя биржи
	Name() string

	// PlaceOrder размещает ордер
	PlaceOrder(ctx context.Context, p OrderParams) (*OrderResult, error)

	// CancelOrder отменяет ордер. Возвращает false без ошибки если ордер не найден
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)

	// CancelAllOrders отменяет все ордера по символу
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOrderStatus возвращает авторитетный статус ордера.
	// При отсутствии ордера возвращает ErrNotFound (через VenueError с KindNotFound)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	// GetOpenOrders возвращает открытые ордера по символу
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)

	// FetchOpenPositions возвращает все открытые позиции
	FetchOpenPositions(ctx context.Context) ([]*Position, error)

	// FetchMarkPrice возвращает текущую mark price символа
	FetchMarkPrice(ctx context.Context, symbol string) (float64, error)

	// FetchOrderbook возвращает свежий снимок стакана (REST, минуя кэш)
	FetchOrderbook(ctx context.Context, symbol string, depth int) (*OrderbookSnapshot, error)

	// FetchMyTrades возвращает последние сделки аккаунта по символу
	FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	// GetMarketInfo возвращает торговые лимиты символа (кэшируемо)
	GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error)

	// RegisterPositionCallback подписывается на push-обновления позиций.
	// Адаптер никогда не импортирует движок: связь только через этот узкий callback
	RegisterPositionCallback(cb PositionCallback)

	// ClosePosition закрывает позицию reduce-only рыночным ордером.
	// originalSide - направление ОТКРЫТИЯ позиции, закрытие идёт в противоположную сторону
	ClosePosition(ctx context.Context, symbol string, originalSide Side, sizeCoins float64) (*OrderResult, error)

	// Shutdown закрывает соединения с биржей
	Shutdown() error
}
