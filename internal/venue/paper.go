package venue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Paper - детерминированная in-memory реализация Venue.
//
// Используется в DRY_RUN режиме и в тестах движка. Поведение по умолчанию:
// market IOC исполняется полностью по лучшей цене стакана, post-only
// лимитник остаётся открытым до ручного FillOrder / отмены. Хуки On*
// позволяют заскриптовать отказ, частичное исполнение или ghost fill.
type Paper struct {
	name string

	mu         sync.Mutex
	orders     map[string]*paperOrder
	positions  map[string]float64 // signed size по символу
	books      map[string]*OrderbookSnapshot
	markPrices map[string]float64
	markets    map[string]*MarketInfo
	trades     []Trade
	nextID     int

	callbackMu sync.RWMutex
	posCb      PositionCallback

	// Хуки перехватывают вызов целиком, если возвращают handled=true
	OnPlace          func(p OrderParams) (res *OrderResult, err error, handled bool)
	OnCancel         func(symbol, orderID string) (ok bool, err error, handled bool)
	OnGetOrderStatus func(symbol, orderID string) (st *OrderStatus, err error, handled bool)
	OnFetchOrderbook func(symbol string) (*OrderbookSnapshot, error, bool)
}

type paperOrder struct {
	id     string
	params OrderParams
	status string
	filled float64
	avgPx  float64
}

// NewPaper создаёт paper venue
func NewPaper(name string) *Paper {
	return &Paper{
		name:       name,
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]float64),
		books:      make(map[string]*OrderbookSnapshot),
		markPrices: make(map[string]float64),
		markets:    make(map[string]*MarketInfo),
	}
}

func (p *Paper) Name() string {
	return p.name
}

// ============================================================
// Управление состоянием (для тестов и dry-run сценариев)
// ============================================================

// SetOrderbook задаёт снимок стакана для символа
func (p *Paper) SetOrderbook(ob *OrderbookSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ob.Venue = ID(p.name)
	if ob.Timestamp.IsZero() {
		ob.Timestamp = time.Now()
	}
	p.books[ob.Symbol] = ob
}

// SetMarkPrice задаёт mark price для символа
func (p *Paper) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markPrices[symbol] = price
}

// SetMarketInfo задаёт торговые лимиты для символа
func (p *Paper) SetMarketInfo(info *MarketInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets[info.Symbol] = info
}

// SetPosition выставляет позицию напрямую (для сценариев реконсиляции)
func (p *Paper) SetPosition(symbol string, signedSize float64) {
	p.mu.Lock()
	p.positions[symbol] = signedSize
	p.mu.Unlock()
}

// PositionSize возвращает текущую signed позицию по символу
func (p *Paper) PositionSize(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions[symbol]
}

// FillOrder исполняет открытый ордер (частично или полностью), двигает
// позицию, пишет сделку в историю и рассылает position callback
func (p *Paper) FillOrder(orderID string, qty, price float64) error {
	p.mu.Lock()
	o, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("paper order %s not found", orderID)
	}

	o.avgPx = (o.avgPx*o.filled + price*qty) / (o.filled + qty)
	o.filled += qty
	if o.filled >= o.params.Size-1e-12 {
		o.status = OrderStatusFilled
	} else {
		o.status = OrderStatusPartiallyFilled
	}

	delta := qty
	if o.params.Side == SideSell {
		delta = -qty
	}
	p.positions[o.params.Symbol] += delta
	newPos := p.positions[o.params.Symbol]

	p.trades = append(p.trades, Trade{
		OrderID:   orderID,
		Symbol:    o.params.Symbol,
		Side:      o.params.Side,
		Qty:       qty,
		Price:     price,
		Timestamp: time.Now(),
	})
	symbol := o.params.Symbol
	p.mu.Unlock()

	p.emitPosition(symbol, newPos, price)
	return nil
}

// RemoveOrder удаляет ордер из книги без исполнения (имитация ghost fill:
// ордер исчез с биржи, но сделки остались в FetchMyTrades)
func (p *Paper) RemoveOrder(orderID string) {
	p.mu.Lock()
	delete(p.orders, orderID)
	p.mu.Unlock()
}

// AppendTrade добавляет сделку в историю напрямую
func (p *Paper) AppendTrade(t Trade) {
	p.mu.Lock()
	p.trades = append(p.trades, t)
	p.mu.Unlock()
}

func (p *Paper) emitPosition(symbol string, signedSize, markPrice float64) {
	p.callbackMu.RLock()
	cb := p.posCb
	p.callbackMu.RUnlock()
	if cb != nil {
		cb(&Position{
			Symbol:     symbol,
			SignedSize: signedSize,
			MarkPrice:  markPrice,
			UpdatedAt:  time.Now(),
		})
	}
}

// ============================================================
// Venue
// ============================================================

func (p *Paper) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResult, error) {
	if p.OnPlace != nil {
		if res, err, handled := p.OnPlace(params); handled {
			return res, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("%s-%d", p.name, p.nextID)

	o := &paperOrder{
		id:     id,
		params: params,
		status: OrderStatusNew,
	}
	p.orders[id] = o

	book := p.books[params.Symbol]

	switch params.Kind {
	case KindMarketIOC:
		price := p.markPrices[params.Symbol]
		if book != nil {
			if params.Side == SideBuy && len(book.Asks) > 0 {
				price = book.Asks[0].Price
			} else if params.Side == SideSell && len(book.Bids) > 0 {
				price = book.Bids[0].Price
			}
		}
		o.status = OrderStatusFilled
		o.filled = params.Size
		o.avgPx = price

		delta := params.Size
		if params.Side == SideSell {
			delta = -params.Size
		}
		p.positions[params.Symbol] += delta
		newPos := p.positions[params.Symbol]

		p.trades = append(p.trades, Trade{
			OrderID:   id,
			Symbol:    params.Symbol,
			Side:      params.Side,
			Qty:       params.Size,
			Price:     price,
			Timestamp: time.Now(),
		})
		p.mu.Unlock()

		p.emitPosition(params.Symbol, newPos, price)
		return &OrderResult{
			Success:      true,
			OrderID:      id,
			FilledSize:   params.Size,
			AvgFillPrice: price,
		}, nil

	case KindLimitPostOnly:
		// отклоняем если лимитник пересёк бы стакан
		if book != nil {
			if params.Side == SideBuy && len(book.Asks) > 0 && params.Price >= book.Asks[0].Price {
				delete(p.orders, id)
				p.mu.Unlock()
				return &OrderResult{
					Success:      false,
					ErrorKind:    KindCrossedBook,
					ErrorMessage: "post-only order would cross the book",
				}, nil
			}
			if params.Side == SideSell && len(book.Bids) > 0 && params.Price <= book.Bids[0].Price {
				delete(p.orders, id)
				p.mu.Unlock()
				return &OrderResult{
					Success:      false,
					ErrorKind:    KindCrossedBook,
					ErrorMessage: "post-only order would cross the book",
				}, nil
			}
		}
		p.mu.Unlock()
		return &OrderResult{Success: true, OrderID: id}, nil

	default: // KindLimit
		p.mu.Unlock()
		return &OrderResult{Success: true, OrderID: id}, nil
	}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	if p.OnCancel != nil {
		if ok, err, handled := p.OnCancel(symbol, orderID); handled {
			return ok, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return false, nil
	}
	if o.status == OrderStatusFilled {
		return false, nil
	}
	if o.status == OrderStatusNew {
		o.status = OrderStatusCancelled
	}
	// частично исполненный остаётся partially_filled для GetOrderStatus
	return true, nil
}

func (p *Paper) CancelAllOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.orders {
		if o.params.Symbol == symbol && (o.status == OrderStatusNew || o.status == OrderStatusPartiallyFilled) {
			o.status = OrderStatusCancelled
		}
	}
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	if p.OnGetOrderStatus != nil {
		if st, err, handled := p.OnGetOrderStatus(symbol, orderID); handled {
			return st, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, NewError(p.name, KindNotFound, 0, "order "+orderID+" not found", ErrNotFound)
	}
	return &OrderStatus{
		OrderID:      o.id,
		Status:       o.status,
		FilledAmount: o.filled,
		AvgFillPrice: o.avgPx,
	}, nil
}

func (p *Paper) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := make([]OpenOrder, 0)
	for _, o := range p.orders {
		if o.params.Symbol != symbol {
			continue
		}
		if o.status != OrderStatusNew && o.status != OrderStatusPartiallyFilled {
			continue
		}
		orders = append(orders, OpenOrder{
			ID:    o.id,
			Side:  o.params.Side,
			Price: o.params.Price,
			Size:  o.params.Size - o.filled,
		})
	}
	return orders, nil
}

func (p *Paper) FetchOpenPositions(ctx context.Context) ([]*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]*Position, 0)
	for symbol, size := range p.positions {
		if size == 0 {
			continue
		}
		positions = append(positions, &Position{
			Symbol:     symbol,
			SignedSize: size,
			MarkPrice:  p.markPrices[symbol],
			UpdatedAt:  time.Now(),
		})
	}
	return positions, nil
}

func (p *Paper) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.markPrices[symbol]
	if !ok {
		return 0, NewError(p.name, KindNotFound, 0, "mark price not set for "+symbol, nil)
	}
	return price, nil
}

func (p *Paper) FetchOrderbook(ctx context.Context, symbol string, depth int) (*OrderbookSnapshot, error) {
	if p.OnFetchOrderbook != nil {
		if ob, err, handled := p.OnFetchOrderbook(symbol); handled {
			return ob, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ob, ok := p.books[symbol]
	if !ok {
		return nil, NewError(p.name, KindNotFound, 0, "orderbook not set for "+symbol, nil)
	}
	return ob, nil
}

func (p *Paper) FetchMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	trades := make([]Trade, 0)
	for i := len(p.trades) - 1; i >= 0 && (limit <= 0 || len(trades) < limit); i-- {
		if p.trades[i].Symbol == symbol {
			trades = append(trades, p.trades[i])
		}
	}
	return trades, nil
}

func (p *Paper) GetMarketInfo(ctx context.Context, symbol string) (*MarketInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.markets[symbol]
	if !ok {
		return nil, NewError(p.name, KindNotFound, 0, "market info not set for "+symbol, nil)
	}
	return info, nil
}

func (p *Paper) RegisterPositionCallback(cb PositionCallback) {
	p.callbackMu.Lock()
	p.posCb = cb
	p.callbackMu.Unlock()
}

func (p *Paper) ClosePosition(ctx context.Context, symbol string, originalSide Side, sizeCoins float64) (*OrderResult, error) {
	return p.PlaceOrder(ctx, OrderParams{
		Symbol:     symbol,
		Side:       originalSide.Opposite(),
		Kind:       KindMarketIOC,
		Size:       sizeCoins,
		ReduceOnly: true,
	})
}

func (p *Paper) Shutdown() error {
	return nil
}
