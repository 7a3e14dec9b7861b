package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/store"
	"fundarb/internal/venue"
	"fundarb/pkg/utils"
)

// EntryRequest параметры хеджированного входа
type EntryRequest struct {
	Symbol    string
	MakerSide venue.Side // направление maker ноги; hedge противоположна
	TargetUSD float64

	// Опциональные подсказки цены; 0 = вычислить от стакана
	MakerPrice float64
	HedgePrice float64

	// Волатильность от внешнего монитора: LOW, NORMAL, HIGH
	Volatility string
}

// EntryResult итог хеджированного входа
type EntryResult struct {
	Success      bool
	TradeID      string
	MakerOrderID string
	HedgeOrderID string
	FilledCoins  float64
	MakerPrice   float64
	HedgePrice   float64
	Reason       string // классификация исхода при неуспехе
}

// ExecutionStats счётчики исполнений
type ExecutionStats struct {
	Total               int64          `json:"total"`
	Successful          int64          `json:"successful"`
	Failed              int64          `json:"failed"`
	RollbacksTriggered  int64          `json:"rollbacks_triggered"`
	RollbacksSuccessful int64          `json:"rollbacks_successful"`
	RollbacksFailed     int64          `json:"rollbacks_failed"`
	ActiveExecutions    int            `json:"active_executions"`
	PendingRollbacks    int            `json:"pending_rollbacks"`
	PerStateCounts      map[string]int `json:"per_state_counts"`
}

// ExecutionManager управляет хеджированными входами и выходами.
//
// Один активный вход на символ (эксклюзивный лок), maker-first стратегия:
// post-only лимитник на maker бирже, после его исполнения market IOC хедж
// на второй бирже. Любая осиротевшая нога уходит в RollbackEngine
type ExecutionManager struct {
	cfg config.ExecutionConfig

	maker venue.Venue
	hedge venue.Venue

	validator *BookValidator
	fills     *FillTracker
	rollback  *RollbackEngine
	store     store.TradeStore
	notifier  *Notifier
	log       *zap.Logger

	// эксклюзивные локи по символам
	locksMu sync.Mutex
	locks   map[string]bool

	// активные исполнения для stats и shutdown
	activeMu sync.Mutex
	active   map[string]*TradeExecution

	// положительные результаты compliance проверки, короткий TTL
	complianceMu    sync.Mutex
	complianceCache map[string]time.Time

	// счётчики
	total      int64
	successful int64
	failed     int64

	shutdown   int32 // atomic
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewExecutionManager создаёт менеджер исполнений
func NewExecutionManager(
	cfg config.ExecutionConfig,
	maker, hedge venue.Venue,
	validator *BookValidator,
	rollback *RollbackEngine,
	st store.TradeStore,
	notifier *Notifier,
	log *zap.Logger,
) *ExecutionManager {
	m := &ExecutionManager{
		cfg:             cfg,
		maker:           maker,
		hedge:           hedge,
		validator:       validator,
		fills:           NewFillTracker(),
		rollback:        rollback,
		store:           st,
		notifier:        notifier,
		log:             log.Named("execution"),
		locks:           make(map[string]bool),
		active:          make(map[string]*TradeExecution),
		complianceCache: make(map[string]time.Time),
		shutdownCh:      make(chan struct{}),
	}

	// push-обновления позиций maker биржи питают детект филлов
	maker.RegisterPositionCallback(m.fills.HandlePositionUpdate)

	return m
}

// Start запускает rollback worker
func (m *ExecutionManager) Start(ctx context.Context) {
	m.rollback.Start(ctx)
}

// Stop останавливает менеджер. force=false даёт активным исполнениям
// GracefulTimeout на достижение терминального состояния; закрытие
// shutdownCh будит ожидающие филла горутины, остатки откатываются тем же
// протоколом, что и обычные неудачи
func (m *ExecutionManager) Stop(force bool) {
	if !atomic.CompareAndSwapInt32(&m.shutdown, 0, 1) {
		return
	}
	close(m.shutdownCh)

	if !force {
		deadline := time.After(m.cfg.GracefulTimeout)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

	waitLoop:
		for {
			m.activeMu.Lock()
			remaining := len(m.active)
			m.activeMu.Unlock()
			if remaining == 0 {
				break
			}
			select {
			case <-deadline:
				break waitLoop
			case <-ticker.C:
			}
		}
	}

	// принудительный откат не должен гоняться с ещё живым владельцем:
	// сначала дожидаемся выхода горутин исполнения
	m.wg.Wait()

	m.activeMu.Lock()
	stuck := make([]*TradeExecution, 0, len(m.active))
	for _, exec := range m.active {
		stuck = append(stuck, exec)
	}
	m.activeMu.Unlock()

	for _, exec := range stuck {
		from := exec.State()
		if !exec.SetState(StateRollbackQueued) {
			// владелец довёл исполнение до терминала или сам поставил откат
			continue
		}
		m.log.Warn("forcing rollback of unfinished execution on shutdown",
			zap.String("symbol", exec.Symbol),
			zap.String("from", from))
		m.appendEvent(context.Background(), exec, from, StateRollbackQueued, nil)
		m.rollback.Enqueue(exec, exec.MakerFilled, exec.HedgeFilled)
	}

	m.rollback.Stop()
}

// IsShuttingDown true после вызова Stop
func (m *ExecutionManager) IsShuttingDown() bool {
	return atomic.LoadInt32(&m.shutdown) == 1
}

// GetExecutionStats возвращает снимок счётчиков
func (m *ExecutionManager) GetExecutionStats() *ExecutionStats {
	stats := &ExecutionStats{
		Total:               atomic.LoadInt64(&m.total),
		Successful:          atomic.LoadInt64(&m.successful),
		Failed:              atomic.LoadInt64(&m.failed),
		RollbacksTriggered:  m.rollback.Triggered(),
		RollbacksSuccessful: m.rollback.Successful(),
		RollbacksFailed:     m.rollback.FailedCount(),
		PendingRollbacks:    m.rollback.Pending(),
		PerStateCounts:      make(map[string]int),
	}

	m.activeMu.Lock()
	stats.ActiveExecutions = len(m.active)
	for _, exec := range m.active {
		stats.PerStateCounts[exec.State()]++
	}
	m.activeMu.Unlock()

	return stats
}

// ============================================================
// Локи символов и compliance
// ============================================================

// tryLockSymbol неблокирующий захват эксклюзивного лока символа
func (m *ExecutionManager) tryLockSymbol(symbol string) bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if m.locks[symbol] {
		return false
	}
	m.locks[symbol] = true
	return true
}

func (m *ExecutionManager) unlockSymbol(symbol string) {
	m.locksMu.Lock()
	delete(m.locks, symbol)
	m.locksMu.Unlock()
}

// checkCompliance отклоняет вход при встречном открытом ордере на любой
// из бирж (риск self-match). Положительный результат кэшируется на TTL
func (m *ExecutionManager) checkCompliance(ctx context.Context, symbol string, makerSide venue.Side) error {
	m.complianceMu.Lock()
	if passedAt, ok := m.complianceCache[symbol]; ok && time.Since(passedAt) < m.cfg.ComplianceCacheTTL {
		m.complianceMu.Unlock()
		return nil
	}
	m.complianceMu.Unlock()

	type venueCheck struct {
		v    venue.Venue
		side venue.Side // наша сторона на этой бирже
	}
	checks := []venueCheck{
		{m.maker, makerSide},
		{m.hedge, makerSide.Opposite()},
	}

	for _, c := range checks {
		orders, err := c.v.GetOpenOrders(ctx, symbol)
		if err != nil {
			return newExecError(ReasonInternal, symbol, "compliance open-orders fetch failed on "+c.v.Name(), err)
		}
		for _, o := range orders {
			if o.Side == c.side.Opposite() {
				return newExecError(ReasonSelfMatchRisk, symbol,
					fmt.Sprintf("open %s order %s on %s opposes intended %s", o.Side, o.ID, c.v.Name(), c.side), nil)
			}
		}
	}

	m.complianceMu.Lock()
	m.complianceCache[symbol] = time.Now()
	m.complianceMu.Unlock()
	return nil
}

// ============================================================
// Хеджированный вход
// ============================================================

// ExecuteHedgedEntry выполняет хеджированный вход: maker нога post-only,
// после её исполнения market IOC хедж на второй бирже
func (m *ExecutionManager) ExecuteHedgedEntry(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	if m.IsShuttingDown() {
		return &EntryResult{Reason: ReasonShuttingDown}, ErrShuttingDown
	}

	if !m.tryLockSymbol(req.Symbol) {
		return &EntryResult{Reason: ReasonBusy}, ErrBusy
	}
	defer m.unlockSymbol(req.Symbol)

	m.wg.Add(1)
	defer m.wg.Done()

	// pre-clean: зависшие ордера прошлых запусков, best-effort
	if err := m.maker.CancelAllOrders(ctx, req.Symbol); err != nil {
		m.log.Warn("pre-clean cancel failed on maker venue", zap.String("symbol", req.Symbol), zap.Error(err))
	}
	if err := m.hedge.CancelAllOrders(ctx, req.Symbol); err != nil {
		m.log.Warn("pre-clean cancel failed on hedge venue", zap.String("symbol", req.Symbol), zap.Error(err))
	}

	if err := m.checkCompliance(ctx, req.Symbol, req.MakerSide); err != nil {
		return &EntryResult{Reason: ReasonOf(err)}, err
	}

	makerInfo, err := m.maker.GetMarketInfo(ctx, req.Symbol)
	if err != nil {
		return &EntryResult{Reason: ReasonInternal}, newExecError(ReasonInternal, req.Symbol, "maker market info", err)
	}
	hedgeInfo, err := m.hedge.GetMarketInfo(ctx, req.Symbol)
	if err != nil {
		return &EntryResult{Reason: ReasonInternal}, newExecError(ReasonInternal, req.Symbol, "hedge market info", err)
	}

	book, err := m.maker.FetchOrderbook(ctx, req.Symbol, 25)
	if err != nil {
		return &EntryResult{Reason: ReasonOrderbookInvalid},
			newExecError(ReasonOrderbookInvalid, req.Symbol, "orderbook fetch failed", err)
	}

	validation := m.validator.Validate(ctx, req.Symbol, req.MakerSide, req.TargetUSD, book, time.Now())
	if !validation.Valid {
		return &EntryResult{Reason: ReasonOrderbookInvalid},
			newExecError(ReasonOrderbookInvalid, req.Symbol,
				fmt.Sprintf("%s: %s (action %s)", validation.Quality, validation.Reason, validation.RecommendedAction), nil)
	}

	refPrice := req.MakerPrice
	if refPrice <= 0 {
		refPrice = (validation.BestBid + validation.BestAsk) / 2
	}

	aligned, err := AlignSize(req.TargetUSD, refPrice, makerInfo.LotSize, hedgeInfo.LotSize)
	if err != nil {
		return &EntryResult{Reason: ReasonInternal}, newExecError(ReasonInternal, req.Symbol, "size alignment", err)
	}
	if aligned.Coins < makerInfo.MinOrderSizeCoins || aligned.Coins < hedgeInfo.MinOrderSizeCoins {
		return &EntryResult{Reason: ReasonOrderbookInvalid},
			newExecError(ReasonOrderbookInvalid, req.Symbol,
				fmt.Sprintf("aligned size %.8g below venue minimum (%g / %g)",
					aligned.Coins, makerInfo.MinOrderSizeCoins, hedgeInfo.MinOrderSizeCoins), nil)
	}

	exec := NewTradeExecution(uuid.NewString(), req.Symbol, req.MakerSide, req.TargetUSD, aligned.Coins)

	m.registerExecution(exec)
	defer m.unregisterExecution(exec)

	record := &models.TradeRecord{
		ID:           exec.TradeID,
		Symbol:       req.Symbol,
		Direction:    directionOf(req.MakerSide),
		MakerVenue:   m.maker.Name(),
		HedgeVenue:   m.hedge.Name(),
		State:        StatePending,
		TargetUSD:    req.TargetUSD,
		PlannedCoins: aligned.Coins,
	}
	if err := m.store.CreateTrade(ctx, record); err != nil {
		return &EntryResult{Reason: ReasonInternal}, newExecError(ReasonInternal, req.Symbol, "persist trade", err)
	}

	result := m.runEntry(ctx, exec, req, validation, makerInfo, hedgeInfo)

	atomic.AddInt64(&m.total, 1)
	if result.Success {
		atomic.AddInt64(&m.successful, 1)
		executionsTotal.WithLabelValues(req.Symbol, "complete").Inc()
	} else if result.Reason == ReasonLeg2PlaceFailed || result.Reason == ReasonBadEntrySpread {
		executionsTotal.WithLabelValues(req.Symbol, "rollback").Inc()
	} else {
		atomic.AddInt64(&m.failed, 1)
		executionsTotal.WithLabelValues(req.Symbol, "failed").Inc()
		executionFailures.WithLabelValues(result.Reason).Inc()
	}

	result.TradeID = exec.TradeID
	if !result.Success {
		return result, newExecError(result.Reason, req.Symbol, exec.Err, nil)
	}
	return result, nil
}

func directionOf(makerSide venue.Side) string {
	if makerSide == venue.SideBuy {
		return models.DirectionLongMaker
	}
	return models.DirectionShortMaker
}

// runEntry гонит исполнение через машину состояний; результат терминален
func (m *ExecutionManager) runEntry(
	ctx context.Context,
	exec *TradeExecution,
	req EntryRequest,
	validation *BookValidation,
	makerInfo, hedgeInfo *venue.MarketInfo,
) *EntryResult {
	symbol := exec.Symbol

	// -------- Leg1: maker post-only --------
	makerPrice := req.MakerPrice
	if makerPrice <= 0 {
		makerPrice = RecommendedPrice(req.MakerSide, validation.BestBid, validation.BestAsk, makerInfo.TickSize)
	}

	filledQty, avgPrice, res := m.placeAndFillMakerLeg(ctx, exec, req, validation, makerInfo, hedgeInfo, makerPrice)
	if res != nil {
		return res
	}

	exec.MakerFilled = true
	exec.ActualFilled = filledQty
	exec.MakerFillPrice = avgPrice
	m.transition(ctx, exec, StateLeg1Filled, map[string]interface{}{
		"filled": filledQty, "avg_price": avgPrice,
	})

	// -------- Leg2: market IOC хедж на реально исполненный объём --------
	m.transition(ctx, exec, StateLeg2Sent, nil)

	hedgeStart := time.Now()
	hedgeRes, err := m.hedge.PlaceOrder(ctx, venue.OrderParams{
		Symbol: symbol,
		Side:   exec.HedgeSide,
		Kind:   venue.KindMarketIOC,
		Size:   filledQty,
	})
	legLatency.WithLabelValues(m.hedge.Name(), "hedge").Observe(float64(time.Since(hedgeStart).Milliseconds()))

	if err != nil || hedgeRes == nil || !hedgeRes.Success {
		msg := "hedge placement failed"
		if err != nil {
			msg = err.Error()
		} else if hedgeRes != nil {
			msg = hedgeRes.ErrorMessage
		}
		exec.Err = msg
		m.log.Error("hedge leg failed, queueing rollback",
			zap.String("symbol", symbol), zap.String("error", msg))

		m.enqueueRollback(ctx, exec, true, false)
		return &EntryResult{
			Success:      false,
			MakerOrderID: exec.MakerOrderID,
			FilledCoins:  filledQty,
			MakerPrice:   avgPrice,
			Reason:       ReasonLeg2PlaceFailed,
		}
	}

	exec.HedgeOrderID = hedgeRes.OrderID
	exec.HedgeFilled = true
	exec.HedgeFillPrice = hedgeRes.AvgFillPrice

	// даём позиции отразиться и уточняем цену хеджа
	if hedgeRes.AvgFillPrice <= 0 {
		time.Sleep(500 * time.Millisecond)
		if st, err := m.hedge.GetOrderStatus(ctx, symbol, hedgeRes.OrderID); err == nil && st.AvgFillPrice > 0 {
			exec.HedgeFillPrice = st.AvgFillPrice
		}
	}

	if err := m.store.SetOrderIDs(ctx, exec.TradeID, exec.MakerOrderID, exec.HedgeOrderID); err != nil {
		m.log.Warn("failed to persist order ids", zap.String("trade_id", exec.TradeID), zap.Error(err))
	}
	if err := m.store.UpdateLegFills(ctx, exec.TradeID, exec.ActualFilled, exec.MakerFillPrice, exec.ActualFilled, exec.HedgeFillPrice); err != nil {
		m.log.Warn("failed to persist leg fills", zap.String("trade_id", exec.TradeID), zap.Error(err))
	}

	// -------- Гейт спреда входа --------
	entrySpread := utils.SpreadPct(exec.MakerFillPrice, exec.HedgeFillPrice)
	if entrySpread > m.cfg.MaxEntrySpreadPct {
		m.log.Warn("entry spread above threshold",
			zap.String("symbol", symbol),
			zap.Float64("spread_pct", entrySpread),
			zap.Float64("max_pct", m.cfg.MaxEntrySpreadPct))

		if m.cfg.AutoCloseBadEntries {
			exec.Err = fmt.Sprintf("entry spread %.4f%% above %.4f%%", entrySpread, m.cfg.MaxEntrySpreadPct)
			m.enqueueRollback(ctx, exec, true, true)
			return &EntryResult{
				Success:      false,
				MakerOrderID: exec.MakerOrderID,
				HedgeOrderID: exec.HedgeOrderID,
				FilledCoins:  filledQty,
				MakerPrice:   exec.MakerFillPrice,
				HedgePrice:   exec.HedgeFillPrice,
				Reason:       ReasonBadEntrySpread,
			}
		}
	}

	// -------- COMPLETE --------
	m.transition(ctx, exec, StateComplete, map[string]interface{}{
		"maker_price": exec.MakerFillPrice,
		"hedge_price": exec.HedgeFillPrice,
		"entry_spread_pct": entrySpread,
	})
	if err := m.store.MarkCompleted(ctx, exec.TradeID); err != nil {
		m.log.Warn("failed to mark trade completed", zap.String("trade_id", exec.TradeID), zap.Error(err))
	}

	m.notifier.Publish(models.Notification{
		Type:    models.NotifyTradeOpened,
		Level:   models.NotifyInfo,
		Symbol:  symbol,
		TradeID: exec.TradeID,
		Message: fmt.Sprintf("hedged entry complete: %.8g coins, maker %.8g / hedge %.8g",
			filledQty, exec.MakerFillPrice, exec.HedgeFillPrice),
	})

	m.log.Info("hedged entry complete",
		zap.String("symbol", symbol),
		zap.String("trade_id", exec.TradeID),
		zap.Float64("filled_coins", filledQty),
		zap.Float64("maker_price", exec.MakerFillPrice),
		zap.Float64("hedge_price", exec.HedgeFillPrice),
		zap.Float64("entry_spread_pct", entrySpread))

	return &EntryResult{
		Success:      true,
		MakerOrderID: exec.MakerOrderID,
		HedgeOrderID: exec.HedgeOrderID,
		FilledCoins:  filledQty,
		MakerPrice:   exec.MakerFillPrice,
		HedgePrice:   exec.HedgeFillPrice,
	}
}

// placeAndFillMakerLeg размещает maker ногу и доводит её до филла
// (с ретраями и протоколом ghost fill). Возвращает (qty, price, nil)
// при успехе или (0, 0, терминальный результат)
func (m *ExecutionManager) placeAndFillMakerLeg(
	ctx context.Context,
	exec *TradeExecution,
	req EntryRequest,
	validation *BookValidation,
	makerInfo, hedgeInfo *venue.MarketInfo,
	initialPrice float64,
) (float64, float64, *EntryResult) {
	symbol := exec.Symbol
	price := initialPrice

	for attempt := 0; ; attempt++ {
		if m.IsShuttingDown() && attempt > 0 {
			exec.Err = "shutdown preempted maker retry"
			m.transition(ctx, exec, StateFailed, nil)
			m.markRecordFailed(ctx, exec, ReasonShuttingDown)
			return 0, 0, &EntryResult{Reason: ReasonShuttingDown}
		}

		placeStart := time.Now()
		orderRes, err := m.maker.PlaceOrder(ctx, venue.OrderParams{
			Symbol: symbol,
			Side:   req.MakerSide,
			Kind:   venue.KindLimitPostOnly,
			Size:   exec.PlannedCoins,
			Price:  price,
		})
		legLatency.WithLabelValues(m.maker.Name(), "maker").Observe(float64(time.Since(placeStart).Milliseconds()))

		if err != nil || orderRes == nil || !orderRes.Success {
			msg := "maker placement failed"
			if err != nil {
				msg = err.Error()
			} else if orderRes != nil {
				msg = orderRes.ErrorMessage
			}
			exec.Err = msg
			m.transition(ctx, exec, StateFailed, map[string]interface{}{"error": msg})
			m.markRecordFailed(ctx, exec, ReasonLeg1PlaceFailed)
			return 0, 0, &EntryResult{Reason: ReasonLeg1PlaceFailed}
		}

		exec.MakerOrderID = orderRes.OrderID
		if attempt == 0 {
			m.transition(ctx, exec, StateLeg1Sent, map[string]interface{}{
				"order_id": orderRes.OrderID, "price": price,
			})
		}

		timeout := dynamicFillTimeout(m.cfg, validation.SameSideDepthUSD, req.TargetUSD, req.Volatility, m.IsShuttingDown())
		outcome := m.waitForMakerFill(ctx, exec, hedgeInfo, timeout)

		switch outcome.kind {
		case fillComplete:
			fillWaitDuration.WithLabelValues(symbol, "filled").Observe(time.Since(exec.StartTime).Seconds())
			return outcome.filledQty, outcome.avgPrice, nil

		case fillGhost:
			ghostFillsDetected.Inc()
			fillWaitDuration.WithLabelValues(symbol, "ghost").Observe(time.Since(exec.StartTime).Seconds())
			m.log.Info("ghost fill detected, proceeding to hedge",
				zap.String("symbol", symbol), zap.String("order_id", exec.MakerOrderID))
			return outcome.filledQty, outcome.avgPrice, nil

		case fillAborted:
			// микро-филл закрыт, терминальный FAILED
			exec.Err = outcome.reason
			m.transition(ctx, exec, StateFailed, map[string]interface{}{"error": outcome.reason})
			m.markRecordFailed(ctx, exec, ReasonLeg1Unfilled)
			return 0, 0, &EntryResult{Reason: ReasonLeg1Unfilled}

		case fillUnfilled:
			fillWaitDuration.WithLabelValues(symbol, "timeout").Observe(time.Since(exec.StartTime).Seconds())
			if attempt >= m.cfg.MaxLeg1Retries || m.IsShuttingDown() {
				exec.Err = "maker leg unfilled after retries"
				m.transition(ctx, exec, StateFailed, nil)
				m.markRecordFailed(ctx, exec, ReasonLeg1Unfilled)
				return 0, 0, &EntryResult{Reason: ReasonLeg1Unfilled}
			}
			if !outcome.cancelConfirmed {
				// retry при неподтверждённой отмене = риск двойного ордера
				exec.Err = "cancel unconfirmed, retry forbidden"
				m.transition(ctx, exec, StateFailed, nil)
				m.markRecordFailed(ctx, exec, ReasonLeg1Unfilled)
				return 0, 0, &EntryResult{Reason: ReasonLeg1Unfilled}
			}

			// ещё одно окно гонки: позиция могла появиться после отмены
			if pos := m.positionOnMaker(ctx, symbol); math.Abs(pos) > positionEpsilon {
				avg := price
				if st, err := m.maker.GetOrderStatus(ctx, symbol, exec.MakerOrderID); err == nil && st.AvgFillPrice > 0 {
					avg = st.AvgFillPrice
				}
				return math.Abs(pos), avg, nil
			}

			// подтягиваем цену к рынку и пробуем снова; свежий стакан
			// нужен чтобы chased цена не пересекла встречную сторону
			price = m.chasedPrice(ctx, symbol, req.MakerSide, initialPrice, makerInfo.TickSize, attempt+1)
			m.log.Info("retrying maker leg with chased price",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt+1),
				zap.Float64("price", price))
			continue

		case fillFatal:
			exec.Err = outcome.reason
			m.transition(ctx, exec, StateFailed, map[string]interface{}{"error": outcome.reason})
			m.markRecordFailed(ctx, exec, ReasonInternal)
			return 0, 0, &EntryResult{Reason: ReasonInternal}
		}
	}
}

// chasedPrice цена повторного maker размещения: агрессивнее на
// k*attempt, но всегда внутри спреда свежего стакана
func (m *ExecutionManager) chasedPrice(ctx context.Context, symbol string, side venue.Side, initialPrice, tickSize float64, attempt int) float64 {
	k := m.cfg.ChaseIncrement
	chased := initialPrice * (1 + k*float64(attempt))
	if side == venue.SideSell {
		chased = initialPrice * (1 - k*float64(attempt))
	}

	book, err := m.maker.FetchOrderbook(ctx, symbol, 5)
	if err != nil || book == nil || book.IsCrossed() {
		return chased
	}
	if tickSize <= 0 {
		tickSize = book.BestAsk() * 1e-6
	}

	if side == venue.SideBuy {
		if ceiling := book.BestAsk() - tickSize; chased > ceiling {
			chased = ceiling
		}
	} else {
		if floor := book.BestBid() + tickSize; chased < floor {
			chased = floor
		}
	}
	return chased
}

// ============================================================
// Ожидание maker филла
// ============================================================

type fillOutcomeKind int

const (
	fillComplete fillOutcomeKind = iota
	fillGhost
	fillUnfilled
	fillAborted
	fillFatal
)

type fillOutcome struct {
	kind            fillOutcomeKind
	filledQty       float64
	avgPrice        float64
	cancelConfirmed bool
	reason          string
}

// waitForMakerFill ждёт исполнения maker ордера до таймаута, затем
// отрабатывает протокол отмены с разбором гонки cancel/fill
func (m *ExecutionManager) waitForMakerFill(ctx context.Context, exec *TradeExecution, hedgeInfo *venue.MarketInfo, timeout time.Duration) fillOutcome {
	symbol := exec.Symbol

	sub := m.fills.Subscribe(symbol)
	defer m.fills.Unsubscribe(symbol, sub)

	poll := time.NewTicker(m.cfg.FillPollInterval)
	defer poll.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return fillOutcome{kind: fillFatal, reason: "context cancelled while waiting for fill"}
		case <-m.shutdownCh:
			// shutdown не ждёт истечения таймаута, взятого до остановки:
			// сразу отрабатываем протокол отмены
			return m.handleMakerTimeout(ctx, exec, hedgeInfo)
		case <-deadline.C:
			return m.handleMakerTimeout(ctx, exec, hedgeInfo)
		case <-sub:
			// позиция двинулась: проверяем авторитетный статус ордера
		case <-poll.C:
		}

		st, err := m.maker.GetOrderStatus(ctx, symbol, exec.MakerOrderID)
		if err != nil {
			if venue.IsNotFound(err) {
				// ордер исчез до таймаута: либо ghost fill, либо внешняя отмена
				return m.resolveVanishedOrder(ctx, exec)
			}
			m.log.Warn("order status poll failed", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		switch st.Status {
		case venue.OrderStatusFilled:
			return fillOutcome{kind: fillComplete, filledQty: st.FilledAmount, avgPrice: st.AvgFillPrice}
		case venue.OrderStatusPartiallyFilled:
			// частичный филл не прерывает ожидание до таймаута
			exec.mu.Lock()
			exec.ActualFilled = st.FilledAmount
			exec.mu.Unlock()
		case venue.OrderStatusCancelled, venue.OrderStatusRejected:
			if st.FilledAmount > positionEpsilon {
				return fillOutcome{kind: fillComplete, filledQty: st.FilledAmount, avgPrice: st.AvgFillPrice}
			}
			return fillOutcome{kind: fillUnfilled, cancelConfirmed: true}
		}
	}
}

// handleMakerTimeout протокол таймаута maker ноги: позиция прежде отмены,
// микро-филлы не отменяем, после отмены ищем ghost fill опросом
func (m *ExecutionManager) handleMakerTimeout(ctx context.Context, exec *TradeExecution, hedgeInfo *venue.MarketInfo) fillOutcome {
	symbol := exec.Symbol

	// 1. сначала позиция: если почти вся заполнена - это филл
	pos := math.Abs(m.positionOnMaker(ctx, symbol))
	if pos >= 0.95*exec.PlannedCoins {
		if _, err := m.maker.CancelOrder(ctx, symbol, exec.MakerOrderID); err != nil {
			m.log.Warn("residual cancel after near-full fill failed", zap.String("symbol", symbol), zap.Error(err))
		}
		avg := m.makerAvgPrice(ctx, exec, pos)
		return fillOutcome{kind: fillComplete, filledQty: pos, avgPrice: avg}
	}

	// 2. микро-филл меньше минимума hedge биржи: не отменяем, ждём ещё
	if pos > positionEpsilon && pos < hedgeInfo.MinOrderSizeCoins {
		if exec.SetState(StatePartialFill) {
			m.appendEvent(ctx, exec, StateLeg1Sent, StatePartialFill, map[string]interface{}{"partial": pos})
		}
		outcome := m.waitForMicroFill(ctx, exec, hedgeInfo)
		return outcome
	}

	// 3. отменяем
	cancelled, err := m.maker.CancelOrder(ctx, symbol, exec.MakerOrderID)
	if err != nil {
		if venue.IsNotFound(err) {
			return m.resolveVanishedOrder(ctx, exec)
		}
		return fillOutcome{kind: fillUnfilled, cancelConfirmed: false,
			reason: fmt.Sprintf("cancel failed: %v", err)}
	}
	if !cancelled {
		// адаптер сообщил not-found без ошибки - та же гонка
		return m.resolveVanishedOrder(ctx, exec)
	}

	// отмена подтверждена; опрашиваем позицию на предмет ghost fill
	for attempt := 0; attempt < ghostPollMaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fillOutcome{kind: fillFatal, reason: "context cancelled during ghost poll"}
		case <-time.After(ghostPollDelay(attempt)):
		}

		pos = math.Abs(m.positionOnMaker(ctx, symbol))
		if pos > positionEpsilon {
			if pos < hedgeInfo.MinOrderSizeCoins {
				return m.abortAndFlatten(ctx, exec, pos)
			}
			avg := m.makerAvgPrice(ctx, exec, pos)
			return fillOutcome{kind: fillGhost, filledQty: pos, avgPrice: avg}
		}

		// авторитетная проверка статуса после отмены
		st, err := m.maker.GetOrderStatus(ctx, symbol, exec.MakerOrderID)
		if err != nil {
			if venue.IsNotFound(err) {
				continue // позиция пока не видна, даём ещё попытку
			}
			continue
		}
		if st.Status == venue.OrderStatusFilled || st.FilledAmount > positionEpsilon {
			if st.FilledAmount < hedgeInfo.MinOrderSizeCoins {
				return m.abortAndFlatten(ctx, exec, st.FilledAmount)
			}
			return fillOutcome{kind: fillGhost, filledQty: st.FilledAmount, avgPrice: st.AvgFillPrice}
		}
		if st.Status == venue.OrderStatusCancelled && st.FilledAmount <= positionEpsilon {
			return fillOutcome{kind: fillUnfilled, cancelConfirmed: true}
		}
	}

	return fillOutcome{kind: fillUnfilled, cancelConfirmed: true}
}

// resolveVanishedOrder ордер пропал с биржи (NOT_FOUND): прежде чем
// объявить "не исполнен", сверяемся с историей сделок и позицией
func (m *ExecutionManager) resolveVanishedOrder(ctx context.Context, exec *TradeExecution) fillOutcome {
	symbol := exec.Symbol

	var filled, notional float64
	trades, err := m.maker.FetchMyTrades(ctx, symbol, 50)
	if err == nil {
		for _, t := range trades {
			if t.OrderID == exec.MakerOrderID {
				filled += t.Qty
				notional += t.Qty * t.Price
			}
		}
	}

	if filled > positionEpsilon {
		avg := notional / filled
		return fillOutcome{kind: fillGhost, filledQty: filled, avgPrice: avg}
	}

	// история пуста - последний шанс: кэш позиции
	if pos := math.Abs(m.positionOnMaker(ctx, symbol)); pos > positionEpsilon {
		avg := m.makerAvgPrice(ctx, exec, pos)
		return fillOutcome{kind: fillGhost, filledQty: pos, avgPrice: avg}
	}

	return fillOutcome{kind: fillUnfilled, cancelConfirmed: true}
}

// waitForMicroFill даёт микро-филлу ещё одно окно дорасти до минимума
// hedge биржи; не дорос - abort-and-flatten
func (m *ExecutionManager) waitForMicroFill(ctx context.Context, exec *TradeExecution, hedgeInfo *venue.MarketInfo) fillOutcome {
	symbol := exec.Symbol

	window := time.NewTimer(dynamicFillTimeout(m.cfg, 0, 1, "", m.IsShuttingDown()))
	defer window.Stop()
	poll := time.NewTicker(m.cfg.FillPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return fillOutcome{kind: fillFatal, reason: "context cancelled in micro-fill wait"}
		case <-m.shutdownCh:
			pos := math.Abs(m.positionOnMaker(ctx, symbol))
			if pos >= hedgeInfo.MinOrderSizeCoins {
				avg := m.makerAvgPrice(ctx, exec, pos)
				return fillOutcome{kind: fillComplete, filledQty: pos, avgPrice: avg}
			}
			return m.abortAndFlatten(ctx, exec, pos)
		case <-window.C:
			pos := math.Abs(m.positionOnMaker(ctx, symbol))
			if pos >= hedgeInfo.MinOrderSizeCoins {
				avg := m.makerAvgPrice(ctx, exec, pos)
				return fillOutcome{kind: fillComplete, filledQty: pos, avgPrice: avg}
			}
			return m.abortAndFlatten(ctx, exec, pos)
		case <-poll.C:
			st, err := m.maker.GetOrderStatus(ctx, symbol, exec.MakerOrderID)
			if err != nil {
				continue
			}
			if st.Status == venue.OrderStatusFilled {
				return fillOutcome{kind: fillComplete, filledQty: st.FilledAmount, avgPrice: st.AvgFillPrice}
			}
			if st.FilledAmount >= hedgeInfo.MinOrderSizeCoins {
				// дорос до хеджируемого размера: отменяем остаток и идём дальше
				if _, err := m.maker.CancelOrder(ctx, symbol, exec.MakerOrderID); err != nil {
					m.log.Warn("residual cancel failed", zap.String("symbol", symbol), zap.Error(err))
				}
				return fillOutcome{kind: fillComplete, filledQty: st.FilledAmount, avgPrice: st.AvgFillPrice}
			}
		}
	}
}

// abortAndFlatten микро-филл ниже минимума hedge биржи хеджировать
// нельзя: отменяем остатки ордера и немедленно закрываем частичную
// позицию на maker бирже
func (m *ExecutionManager) abortAndFlatten(ctx context.Context, exec *TradeExecution, partial float64) fillOutcome {
	symbol := exec.Symbol

	if _, err := m.maker.CancelOrder(ctx, symbol, exec.MakerOrderID); err != nil && !venue.IsNotFound(err) {
		m.log.Warn("abort-flatten cancel failed", zap.String("symbol", symbol), zap.Error(err))
	}

	if partial > positionEpsilon {
		if _, err := m.maker.ClosePosition(ctx, symbol, exec.MakerSide, partial); err != nil {
			m.log.Error("abort-flatten close failed, queueing rollback",
				zap.String("symbol", symbol), zap.Float64("partial", partial), zap.Error(err))
			exec.MakerFilled = true
			exec.ActualFilled = partial
			m.enqueueRollback(ctx, exec, true, false)
			return fillOutcome{kind: fillAborted,
				reason: fmt.Sprintf("micro partial fill %.8g, flatten failed, rollback queued", partial)}
		}
	}

	return fillOutcome{kind: fillAborted,
		reason: fmt.Sprintf("micro partial fill %.8g below hedge minimum, flattened", partial)}
}

// ============================================================
// Хеджированный выход
// ============================================================

// ExecuteHedgedExit закрывает обе ноги сделки reduce-only рыночными
// ордерами с верификацией по позициям
func (m *ExecutionManager) ExecuteHedgedExit(ctx context.Context, tradeID, reason string) error {
	if m.IsShuttingDown() {
		return ErrShuttingDown
	}

	record, err := m.store.GetTrade(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("load trade %s: %w", tradeID, err)
	}

	if !m.tryLockSymbol(record.Symbol) {
		return ErrBusy
	}
	defer m.unlockSymbol(record.Symbol)

	makerSide := venue.SideBuy
	if record.Direction == models.DirectionShortMaker {
		makerSide = venue.SideSell
	}

	m.log.Info("hedged exit started",
		zap.String("trade_id", tradeID),
		zap.String("symbol", record.Symbol),
		zap.String("reason", reason))

	var firstErr error
	if err := m.closeVenueSide(ctx, m.maker, record.Symbol, makerSide); err != nil {
		firstErr = fmt.Errorf("maker close: %w", err)
	}
	if err := m.closeVenueSide(ctx, m.hedge, record.Symbol, makerSide.Opposite()); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("hedge close: %w", err)
	}

	if firstErr != nil {
		m.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  record.Symbol,
			TradeID: tradeID,
			Message: "hedged exit left residual position: " + firstErr.Error(),
		})
		return firstErr
	}

	if err := m.store.UpdateTradeState(ctx, tradeID, record.State, TradeStatusClosed,
		store.EncodeDetails(map[string]interface{}{"close_reason": reason})); err != nil {
		m.log.Warn("failed to persist closed state", zap.String("trade_id", tradeID), zap.Error(err))
	}
	if err := m.store.MarkCompleted(ctx, tradeID); err != nil {
		m.log.Warn("failed to mark exit completion", zap.String("trade_id", tradeID), zap.Error(err))
	}

	m.notifier.Publish(models.Notification{
		Type:    models.NotifyTradeClosed,
		Level:   models.NotifyInfo,
		Symbol:  record.Symbol,
		TradeID: tradeID,
		Message: "hedged exit complete: " + reason,
	})
	return nil
}

// closeVenueSide закрывает позицию символа на бирже с проверкой результата
func (m *ExecutionManager) closeVenueSide(ctx context.Context, v venue.Venue, symbol string, openSide venue.Side) error {
	positions, err := v.FetchOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions on %s: %w", v.Name(), err)
	}

	var size float64
	for _, p := range positions {
		if p.Symbol == symbol {
			size = math.Abs(p.SignedSize)
			break
		}
	}
	if size <= positionEpsilon {
		return nil // уже плоско
	}

	if _, err := v.ClosePosition(ctx, symbol, openSide, size); err != nil {
		return fmt.Errorf("close on %s: %w", v.Name(), err)
	}

	// верификация: позиция должна обнулиться
	time.Sleep(500 * time.Millisecond)
	positions, err = v.FetchOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("verify positions on %s: %w", v.Name(), err)
	}
	for _, p := range positions {
		if p.Symbol == symbol && math.Abs(p.SignedSize) > positionEpsilon {
			return fmt.Errorf("position %.8g remains on %s after close", p.SignedSize, v.Name())
		}
	}
	return nil
}

// ============================================================
// Вспомогательное
// ============================================================

func (m *ExecutionManager) registerExecution(exec *TradeExecution) {
	m.activeMu.Lock()
	m.active[exec.Symbol] = exec
	m.activeMu.Unlock()
	activeExecutions.Inc()
}

func (m *ExecutionManager) unregisterExecution(exec *TradeExecution) {
	m.activeMu.Lock()
	if m.active[exec.Symbol] == exec {
		delete(m.active, exec.Symbol)
	}
	m.activeMu.Unlock()
	activeExecutions.Dec()
}

// positionOnMaker signed size позиции на maker бирже; сначала кэш
// push-обновлений, затем REST
func (m *ExecutionManager) positionOnMaker(ctx context.Context, symbol string) float64 {
	if size, at, ok := m.fills.LastPosition(symbol); ok && time.Since(at) < 2*time.Second {
		return size
	}

	positions, err := m.maker.FetchOpenPositions(ctx)
	if err != nil {
		m.log.Warn("position fetch failed", zap.String("symbol", symbol), zap.Error(err))
		if size, _, ok := m.fills.LastPosition(symbol); ok {
			return size
		}
		return 0
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.SignedSize
		}
	}
	return 0
}

// makerAvgPrice уточняет среднюю цену филла; при недоступности статуса
// берём mark price
func (m *ExecutionManager) makerAvgPrice(ctx context.Context, exec *TradeExecution, fallbackQty float64) float64 {
	if st, err := m.maker.GetOrderStatus(ctx, exec.Symbol, exec.MakerOrderID); err == nil && st.AvgFillPrice > 0 {
		return st.AvgFillPrice
	}
	if mark, err := m.maker.FetchMarkPrice(ctx, exec.Symbol); err == nil {
		return mark
	}
	return 0
}

// transition переводит исполнение в новое состояние и персистит событие.
// Событие пишется до любого блокирующего I/O с биржами
func (m *ExecutionManager) transition(ctx context.Context, exec *TradeExecution, to string, details map[string]interface{}) {
	from := exec.State()
	if !exec.SetState(to) {
		m.log.Error("invalid state transition attempted",
			zap.String("symbol", exec.Symbol),
			zap.String("from", from),
			zap.String("to", to))
		return
	}
	m.appendEvent(ctx, exec, from, to, details)
}

func (m *ExecutionManager) appendEvent(ctx context.Context, exec *TradeExecution, from, to string, details map[string]interface{}) {
	if err := m.store.UpdateTradeState(ctx, exec.TradeID, from, to, store.EncodeDetails(details)); err != nil {
		m.log.Warn("failed to persist state transition",
			zap.String("trade_id", exec.TradeID),
			zap.String("to", to),
			zap.Error(err))
	}
}

func (m *ExecutionManager) markRecordFailed(ctx context.Context, exec *TradeExecution, reason string) {
	if err := m.store.SetFailureReason(ctx, exec.TradeID, reason+": "+exec.Err); err != nil {
		m.log.Warn("failed to persist failure reason", zap.String("trade_id", exec.TradeID), zap.Error(err))
	}
}

// enqueueRollback ставит исполнение в очередь отката
func (m *ExecutionManager) enqueueRollback(ctx context.Context, exec *TradeExecution, closeMaker, closeHedge bool) {
	m.transition(ctx, exec, StateRollbackQueued, map[string]interface{}{
		"close_maker": closeMaker, "close_hedge": closeHedge,
	})
	if !m.rollback.Enqueue(exec, closeMaker, closeHedge) {
		m.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  exec.Symbol,
			TradeID: exec.TradeID,
			Message: "rollback queue full, manual intervention required",
		})
	}
}
