package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/store"
	"fundarb/internal/venue"
)

// ============================================================
// In-memory TradeStore
// ============================================================

type memStore struct {
	mu     sync.Mutex
	trades map[string]*models.TradeRecord
	events map[string][]*models.TradeEvent
}

func newMemStore() *memStore {
	return &memStore{
		trades: make(map[string]*models.TradeRecord),
		events: make(map[string][]*models.TradeEvent),
	}
}

func (s *memStore) CreateTrade(ctx context.Context, trade *models.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.trades[cp.ID] = &cp
	return nil
}

func (s *memStore) UpdateTradeState(ctx context.Context, tradeID, fromState, toState, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok || trade.State != fromState {
		return store.ErrTradeNotFound
	}
	trade.State = toState
	trade.UpdatedAt = time.Now()
	s.events[tradeID] = append(s.events[tradeID], &models.TradeEvent{
		TradeID:   tradeID,
		FromState: fromState,
		ToState:   toState,
		Details:   details,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) UpdateLegFills(ctx context.Context, tradeID string, makerFilled, makerAvg, hedgeFilled, hedgeAvg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return store.ErrTradeNotFound
	}
	trade.MakerFilled = makerFilled
	trade.MakerAvgPrice = makerAvg
	trade.HedgeFilled = hedgeFilled
	trade.HedgeAvgPrice = hedgeAvg
	trade.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) SetOrderIDs(ctx context.Context, tradeID, makerOrderID, hedgeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return store.ErrTradeNotFound
	}
	trade.MakerOrderID = makerOrderID
	trade.HedgeOrderID = hedgeOrderID
	return nil
}

func (s *memStore) SetFailureReason(ctx context.Context, tradeID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return store.ErrTradeNotFound
	}
	trade.FailureReason = reason
	return nil
}

func (s *memStore) MarkCompleted(ctx context.Context, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return store.ErrTradeNotFound
	}
	now := time.Now()
	trade.CompletedAt = &now
	return nil
}

func (s *memStore) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return nil, store.ErrTradeNotFound
	}
	cp := *trade
	return &cp, nil
}

func (s *memStore) GetTradesByState(ctx context.Context, state string, limit int) ([]*models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TradeRecord, 0)
	for _, trade := range s.trades {
		if trade.State == state {
			cp := *trade
			out = append(out, &cp)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.TradeRecord, 0, len(s.trades))
	for _, trade := range s.trades {
		cp := *trade
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) GetEvents(ctx context.Context, tradeID string) ([]*models.TradeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.TradeEvent(nil), s.events[tradeID]...), nil
}

func (s *memStore) CountByState(ctx context.Context, state string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, trade := range s.trades {
		if trade.State == state {
			n++
		}
	}
	return n, nil
}

// ============================================================
// Харнесс
// ============================================================

const testSymbol = "BTCUSDT"

type harness struct {
	maker    *venue.Paper
	hedge    *venue.Paper
	store    *memStore
	notifier *Notifier
	rb       *RollbackEngine
	mgr      *ExecutionManager
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		FillTimeoutBase:     200 * time.Millisecond,
		FillTimeoutMin:      100 * time.Millisecond,
		FillTimeoutMax:      400 * time.Millisecond,
		ShutdownFillCeiling: 20 * time.Millisecond,
		FillPollInterval:    10 * time.Millisecond,
		MaxLeg1Retries:      1,
		ChaseIncrement:      0.001,
		MaxEntrySpreadPct:   0.3,
		AutoCloseBadEntries: true,
		ComplianceCacheTTL:  time.Second,
		GracefulTimeout:     300 * time.Millisecond,
	}
}

func seedVenue(p *venue.Paper, lotSize, minOrder float64) {
	p.SetOrderbook(&venue.OrderbookSnapshot{
		Symbol: testSymbol,
		Bids: []venue.PriceLevel{
			{Price: 49990, Size: 2},
			{Price: 49980, Size: 2},
			{Price: 49970, Size: 2},
		},
		Asks: []venue.PriceLevel{
			{Price: 50000, Size: 2},
			{Price: 50010, Size: 2},
			{Price: 50020, Size: 2},
		},
	})
	p.SetMarkPrice(testSymbol, 49995)
	p.SetMarketInfo(&venue.MarketInfo{
		Symbol:            testSymbol,
		LotSize:           lotSize,
		TickSize:          0.5,
		MinOrderSizeCoins: minOrder,
	})
}

func newHarness(t *testing.T, mutate func(*config.ExecutionConfig)) *harness {
	t.Helper()

	maker := venue.NewPaper("paper-maker")
	hedge := venue.NewPaper("paper-hedge")
	seedVenue(maker, 0.0001, 0.0001)
	seedVenue(hedge, 0.001, 0.001)

	cfg := testExecConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	st := newMemStore()
	log := zap.NewNop()
	notifier := NewNotifier(100, log)
	rb := NewRollbackEngine(config.RollbackConfig{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		SettleDelay: 5 * time.Millisecond,
		VerifyDelay: 5 * time.Millisecond,
		QueueSize:   10,
	}, maker, hedge, st, notifier, log)

	validator := NewBookValidator(validatorPolicy(), nil, log)
	mgr := NewExecutionManager(cfg, maker, hedge, validator, rb, st, notifier, log)
	mgr.Start(context.Background())
	t.Cleanup(func() { mgr.Stop(true) })

	return &harness{maker: maker, hedge: hedge, store: st, notifier: notifier, rb: rb, mgr: mgr}
}

// fillMakerOrder дожидается появления maker ордера и исполняет его
func (h *harness) fillMakerOrder(t *testing.T, qty, price float64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		orders, err := h.maker.GetOpenOrders(context.Background(), testSymbol)
		if err == nil && len(orders) > 0 {
			require.NoError(t, h.maker.FillOrder(orders[0].ID, qty, price))
			return
		}
		select {
		case <-deadline:
			t.Error("maker order never appeared")
			return
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (h *harness) entryStates(t *testing.T, tradeID string) []string {
	t.Helper()
	events, err := h.store.GetEvents(context.Background(), tradeID)
	require.NoError(t, err)
	states := make([]string, 0, len(events))
	for _, ev := range events {
		states = append(states, ev.ToState)
	}
	return states
}

// ============================================================
// Сценарии входа
// ============================================================

func TestHedgedEntryHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	go h.fillMakerOrder(t, 0.02, 49995)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.InDelta(t, 0.02, res.FilledCoins, 1e-9)
	require.InDelta(t, 49995, res.MakerPrice, 1e-9)
	require.InDelta(t, 49990, res.HedgePrice, 1e-9) // market sell об лучший bid

	// дельта-нейтральность: ноги противоположны и равны
	require.InDelta(t, 0.02, h.maker.PositionSize(testSymbol), 1e-9)
	require.InDelta(t, -0.02, h.hedge.PositionSize(testSymbol), 1e-9)

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateComplete, trade.State)
	require.InDelta(t, 0.02, trade.MakerFilled, 1e-9)
	require.NotNil(t, trade.CompletedAt)

	require.Equal(t,
		[]string{StateLeg1Sent, StateLeg1Filled, StateLeg2Sent, StateComplete},
		h.entryStates(t, res.TradeID))

	stats := h.mgr.GetExecutionStats()
	require.EqualValues(t, 1, stats.Total)
	require.EqualValues(t, 1, stats.Successful)
	require.EqualValues(t, 0, stats.Failed)
}

func TestHedgedEntryBusySymbol(t *testing.T) {
	h := newHarness(t, nil)

	require.True(t, h.mgr.tryLockSymbol(testSymbol))
	defer h.mgr.unlockSymbol(testSymbol)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, ReasonBusy, res.Reason)
}

func TestHedgedEntryInvalidOrderbook(t *testing.T) {
	h := newHarness(t, nil)

	h.maker.SetOrderbook(&venue.OrderbookSnapshot{
		Symbol: testSymbol,
		Bids:   []venue.PriceLevel{{Price: 50005, Size: 2}},
		Asks:   []venue.PriceLevel{{Price: 50000, Size: 2}},
	})

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.Error(t, err)
	require.Equal(t, ReasonOrderbookInvalid, res.Reason)
	require.Equal(t, ReasonOrderbookInvalid, ReasonOf(err))

	// ордера не размещались
	orders, err := h.maker.GetOpenOrders(context.Background(), testSymbol)
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestHedgedEntryLeg2FailureTriggersRollback(t *testing.T) {
	h := newHarness(t, nil)

	// hedge биржа недоступна для новых ордеров, reduce-only закрытия проходят
	h.hedge.OnPlace = func(p venue.OrderParams) (*venue.OrderResult, error, bool) {
		if p.Kind == venue.KindMarketIOC && !p.ReduceOnly {
			return nil, venue.NewError("paper-hedge", venue.KindNetwork, 0, "simulated outage", nil), true
		}
		return nil, nil, false
	}

	go h.fillMakerOrder(t, 0.02, 49995)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, ReasonLeg2PlaceFailed, res.Reason)

	// откат закрывает осиротевшую maker ногу
	require.Eventually(t, func() bool {
		return h.rb.Successful() == 1 && h.maker.PositionSize(testSymbol) == 0
	}, 2*time.Second, 10*time.Millisecond, "orphaned maker leg not rolled back")

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateRollbackDone, trade.State)
	require.Equal(t, float64(0), h.hedge.PositionSize(testSymbol))
}

func TestHedgedEntryGhostFill(t *testing.T) {
	h := newHarness(t, nil)

	// отмена проигрывает гонку: ордер исполняется и исчезает с биржи,
	// сделки остаются только в истории
	h.maker.OnCancel = func(symbol, orderID string) (bool, error, bool) {
		_ = h.maker.FillOrder(orderID, 0.02, 49995)
		h.maker.RemoveOrder(orderID)
		return false, nil, true
	}

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success, "ghost fill must complete the hedge, not abandon the leg")
	require.InDelta(t, 0.02, res.FilledCoins, 1e-9)

	require.InDelta(t, 0.02, h.maker.PositionSize(testSymbol), 1e-9)
	require.InDelta(t, -0.02, h.hedge.PositionSize(testSymbol), 1e-9)

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateComplete, trade.State)
}

func TestHedgedEntryMicroPartialFillAborts(t *testing.T) {
	h := newHarness(t, nil)

	// 0.0005 меньше минимума hedge биржи 0.001: хеджировать нечем
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.fillMakerOrder(t, 0.0005, 49995)
	}()

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, ReasonLeg1Unfilled, res.Reason)

	// микро-позиция закрыта, хедж не размещался
	require.InDelta(t, 0, h.maker.PositionSize(testSymbol), 1e-9)
	require.Equal(t, float64(0), h.hedge.PositionSize(testSymbol))

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, trade.State)
}

func TestHedgedEntryUnfilledTimeout(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.Error(t, err)
	require.Equal(t, ReasonLeg1Unfilled, res.Reason)

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, trade.State)
	require.NotEmpty(t, trade.FailureReason)

	require.Equal(t, float64(0), h.maker.PositionSize(testSymbol))
	require.Equal(t, float64(0), h.hedge.PositionSize(testSymbol))
}

func TestHedgedEntryBadSpreadAutoCloses(t *testing.T) {
	h := newHarness(t, func(cfg *config.ExecutionConfig) {
		cfg.MaxEntrySpreadPct = 0.001 // реальный спред ног ~0.01%
	})

	go h.fillMakerOrder(t, 0.02, 49995)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.Error(t, err)
	require.Equal(t, ReasonBadEntrySpread, res.Reason)

	// обе ноги закрыты откатом
	require.Eventually(t, func() bool {
		return h.maker.PositionSize(testSymbol) == 0 && h.hedge.PositionSize(testSymbol) == 0 &&
			h.rb.Successful() == 1
	}, 2*time.Second, 10*time.Millisecond, "bad entry not flattened")
	require.EqualValues(t, 1, h.rb.Successful())
}

func TestHedgedEntryRejectedDuringShutdown(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Stop(false)

	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Equal(t, ReasonShuttingDown, res.Reason)
}

// Остановка будит ожидание maker филла: ордер снимается сразу, вход
// завершается как неисполненный, и поздний филл после остановки
// невозможен - голой ноги не остаётся
func TestStopPreemptsMakerFillWait(t *testing.T) {
	h := newHarness(t, func(cfg *config.ExecutionConfig) {
		cfg.FillTimeoutBase = 2 * time.Second
		cfg.FillTimeoutMin = 2 * time.Second
		cfg.FillTimeoutMax = 2 * time.Second
		cfg.GracefulTimeout = 50 * time.Millisecond
	})

	type entryReturn struct {
		res *EntryResult
		err error
	}
	done := make(chan entryReturn, 1)
	go func() {
		res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
			Symbol:    testSymbol,
			MakerSide: venue.SideBuy,
			TargetUSD: 1000,
		})
		done <- entryReturn{res: res, err: err}
	}()

	require.Eventually(t, func() bool {
		orders, err := h.maker.GetOpenOrders(context.Background(), testSymbol)
		return err == nil && len(orders) == 1
	}, 2*time.Second, 5*time.Millisecond, "maker order never placed")

	started := time.Now()
	h.mgr.Stop(false)
	require.Less(t, time.Since(started), time.Second,
		"Stop sat out the full fill timeout")

	var ret entryReturn
	select {
	case ret = <-done:
	case <-time.After(time.Second):
		t.Fatal("entry did not return after Stop")
	}
	require.Error(t, ret.err)
	require.False(t, ret.res.Success)
	require.Equal(t, ReasonLeg1Unfilled, ret.res.Reason)

	// ордер снят при остановке: доисполниться ему не на чем
	orders, err := h.maker.GetOpenOrders(context.Background(), testSymbol)
	require.NoError(t, err)
	require.Empty(t, orders)

	// хедж не размещался, позиций нет
	require.Equal(t, float64(0), h.maker.PositionSize(testSymbol))
	require.Equal(t, float64(0), h.hedge.PositionSize(testSymbol))

	trade, err := h.store.GetTrade(context.Background(), ret.res.TradeID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, trade.State)
}

func TestComplianceRejectsOpposingOrder(t *testing.T) {
	h := newHarness(t, nil)

	// встречный sell на maker бирже против нашего buy maker
	_, err := h.maker.PlaceOrder(context.Background(), venue.OrderParams{
		Symbol: testSymbol,
		Side:   venue.SideSell,
		Kind:   venue.KindLimit,
		Size:   0.01,
		Price:  50100,
	})
	require.NoError(t, err)

	err = h.mgr.checkCompliance(context.Background(), testSymbol, venue.SideBuy)
	require.Error(t, err)
	require.Equal(t, ReasonSelfMatchRisk, ReasonOf(err))

	// одноимённая сторона не мешает
	err = h.mgr.checkCompliance(context.Background(), testSymbol, venue.SideSell)
	require.NoError(t, err)

	// положительный результат кэшируется: встречный ордер в окне TTL не виден
	_, err = h.maker.PlaceOrder(context.Background(), venue.OrderParams{
		Symbol: testSymbol,
		Side:   venue.SideBuy,
		Kind:   venue.KindLimit,
		Size:   0.01,
		Price:  49000,
	})
	require.NoError(t, err)
	require.NoError(t, h.mgr.checkCompliance(context.Background(), testSymbol, venue.SideSell))
}

// ============================================================
// Хеджированный выход
// ============================================================

func TestHedgedExitClosesBothLegs(t *testing.T) {
	h := newHarness(t, nil)

	go h.fillMakerOrder(t, 0.02, 49995)
	res, err := h.mgr.ExecuteHedgedEntry(context.Background(), EntryRequest{
		Symbol:    testSymbol,
		MakerSide: venue.SideBuy,
		TargetUSD: 1000,
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NoError(t, h.mgr.ExecuteHedgedExit(context.Background(), res.TradeID, "funding flip"))

	require.Equal(t, float64(0), h.maker.PositionSize(testSymbol))
	require.Equal(t, float64(0), h.hedge.PositionSize(testSymbol))

	trade, err := h.store.GetTrade(context.Background(), res.TradeID)
	require.NoError(t, err)
	require.Equal(t, TradeStatusClosed, trade.State)
}

func TestHedgedExitUnknownTrade(t *testing.T) {
	h := newHarness(t, nil)
	err := h.mgr.ExecuteHedgedExit(context.Background(), "nope", "test")
	require.Error(t, err)
	require.True(t, errors.Is(err, store.ErrTradeNotFound))
}
