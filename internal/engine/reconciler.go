package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/store"
	"fundarb/internal/venue"
)

// позиции меньше этого объёма в монетах - пыль, сверка их игнорирует
const reconcileDustSize = 1e-4

// Reconciler сверяет записи хранилища с реальными позициями бирж.
//
// Биржа авторитетна по позициям, хранилище - по намерениям. Расхождения
// трёх видов: зомби (запись есть, позиций нет), призрак (позиция есть,
// записи нет) и конфликт (размеры разошлись сверх допусков). Каждое
// корректирующее действие логируется и попадает в события
type Reconciler struct {
	cfg config.ReconcilerConfig

	maker venue.Venue
	hedge venue.Venue

	store    store.TradeStore
	notifier *Notifier
	log      *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReconciler создаёт сверщик
func NewReconciler(cfg config.ReconcilerConfig, maker, hedge venue.Venue, st store.TradeStore, notifier *Notifier, log *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		maker:    maker,
		hedge:    hedge,
		store:    st,
		notifier: notifier,
		log:      log.Named("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start выполняет стартовую сверку и запускает периодические проходы.
// Стартовый проход сверяет промежуточные записи без оглядки на возраст:
// после рестарта ни одно исполнение не может быть живым
func (r *Reconciler) Start(ctx context.Context) {
	if err := r.runPass(ctx, true); err != nil {
		r.log.Error("startup reconciliation failed", zap.Error(err))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.RunPass(ctx); err != nil {
					r.log.Error("reconciliation pass failed", zap.Error(err))
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop останавливает периодические проходы
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// venueLeg позиция одной биржи, участвующая в сверке
type venueLeg struct {
	venue venue.Venue
	side  venue.Side // сторона открытия по знаку позиции
	size  float64    // абсолютный размер
	mark  float64
}

// RunPass выполняет один полный проход сверки
func (r *Reconciler) RunPass(ctx context.Context) error {
	return r.runPass(ctx, false)
}

func (r *Reconciler) runPass(ctx context.Context, startup bool) error {
	start := time.Now()
	defer func() {
		reconcilerPassDuration.Observe(time.Since(start).Seconds())
	}()

	makerPositions, err := r.fetchPositions(ctx, r.maker)
	if err != nil {
		return fmt.Errorf("maker positions: %w", err)
	}
	hedgePositions, err := r.fetchPositions(ctx, r.hedge)
	if err != nil {
		return fmt.Errorf("hedge positions: %w", err)
	}

	openTrades, err := r.store.GetTradesByState(ctx, StateComplete, 500)
	if err != nil {
		return fmt.Errorf("open trades: %w", err)
	}

	// symbol -> открытая запись; символы, сошедшиеся с записью, выбывают
	// из карт позиций, остаток после цикла - призраки
	for _, trade := range openTrades {
		r.reconcileTrade(ctx, trade, makerPositions, hedgePositions)
	}

	r.sweepStaleOpenings(ctx, makerPositions, hedgePositions, startup)

	lateFillSymbols := r.recentFailureSymbols(ctx)
	r.reconcileGhosts(ctx, makerPositions, hedgePositions, lateFillSymbols)

	r.log.Debug("reconciliation pass complete",
		zap.Duration("took", time.Since(start)),
		zap.Int("open_trades", len(openTrades)))
	return nil
}

func (r *Reconciler) fetchPositions(ctx context.Context, v venue.Venue) (map[string]*venueLeg, error) {
	positions, err := v.FetchOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*venueLeg, len(positions))
	for _, p := range positions {
		size := math.Abs(p.SignedSize)
		if size < reconcileDustSize {
			continue // пыль не сверяем
		}
		side := venue.SideBuy
		if p.SignedSize < 0 {
			side = venue.SideSell
		}
		out[p.Symbol] = &venueLeg{venue: v, side: side, size: size, mark: p.MarkPrice}
	}
	return out, nil
}

// reconcileTrade сверяет одну открытую запись с позициями обеих бирж
func (r *Reconciler) reconcileTrade(ctx context.Context, trade *models.TradeRecord, makerPositions, hedgePositions map[string]*venueLeg) {
	makerLeg, makerOK := makerPositions[trade.Symbol]
	hedgeLeg, hedgeOK := hedgePositions[trade.Symbol]

	// сошедшиеся символы выбывают из поиска призраков
	delete(makerPositions, trade.Symbol)
	delete(hedgePositions, trade.Symbol)

	// зомби: запись открыта, на биржах пусто
	if !makerOK && !hedgeOK {
		r.log.Warn("zombie trade: open record with no exchange positions",
			zap.String("trade_id", trade.ID),
			zap.String("symbol", trade.Symbol))

		reconcilerActions.WithLabelValues("zombie_closed").Inc()
		r.closeRecord(ctx, trade, "positions closed externally")
		return
	}

	expected := trade.MakerFilled
	if expected <= 0 {
		expected = trade.PlannedCoins
	}

	mark := r.markOf(makerLeg, hedgeLeg)

	// направления ног фиксированы записью: long_maker = купленный maker,
	// проданный hedge. Позиция не той стороны - не наша сделка
	expMakerSide := venue.SideBuy
	if trade.Direction == models.DirectionShortMaker {
		expMakerSide = venue.SideSell
	}
	expHedgeSide := expMakerSide.Opposite()

	sideMismatch := (makerOK && makerLeg.side != expMakerSide) ||
		(hedgeOK && hedgeLeg.side != expHedgeSide)

	makerMatches := makerOK && makerLeg.side == expMakerSide && r.sizesMatch(makerLeg.size, expected, mark)
	hedgeMatches := hedgeOK && hedgeLeg.side == expHedgeSide && r.sizesMatch(hedgeLeg.size, expected, mark)

	if makerMatches && hedgeMatches {
		return // всё сходится
	}

	// конфликт: нога пропала, перевернулась или размеры разошлись сверх
	// допусков. Верная дельта-нейтральность недоказуема - выравниваем в ноль
	closeReason := "reconciliation_quantity_mismatch"
	if sideMismatch {
		closeReason = "reconciliation_side_mismatch"
	}

	r.log.Warn("position conflict, flattening both legs",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("reason", closeReason),
		zap.Float64("expected", expected),
		zap.Float64("maker_size", legSize(makerLeg)),
		zap.Float64("hedge_size", legSize(hedgeLeg)))

	var firstErr error
	if makerOK {
		if err := r.closePosition(ctx, makerLeg, trade.Symbol); err != nil {
			firstErr = err
		}
	}
	if hedgeOK {
		if err := r.closePosition(ctx, hedgeLeg, trade.Symbol); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		r.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  trade.Symbol,
			TradeID: trade.ID,
			Message: "conflict flatten failed: " + firstErr.Error(),
		})
		return
	}

	reconcilerActions.WithLabelValues("conflict_flattened").Inc()
	if err := r.store.UpdateTradeState(ctx, trade.ID, trade.State, TradeStatusClosed,
		store.EncodeDetails(map[string]interface{}{
			"close_reason": closeReason,
			"expected":     expected,
			"maker_size":   legSize(makerLeg),
			"hedge_size":   legSize(hedgeLeg),
		})); err != nil {
		r.log.Warn("failed to persist conflict closure", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	r.notifier.Publish(models.Notification{
		Type:    models.NotifyPositionReconciled,
		Level:   models.NotifyWarning,
		Symbol:  trade.Symbol,
		TradeID: trade.ID,
		Message: fmt.Sprintf("%s flattened: expected %.8g, maker %.8g, hedge %.8g",
			closeReason, expected, legSize(makerLeg), legSize(hedgeLeg)),
	})
}

// sweepStaleOpenings переводит зависшие в промежуточных состояниях записи
// в FAILED, если на биржах по ним пусто. На стартовом проходе возраст
// не проверяется: владелец записи не пережил рестарт
func (r *Reconciler) sweepStaleOpenings(ctx context.Context, makerPositions, hedgePositions map[string]*venueLeg, startup bool) {
	type staleRule struct {
		state string
		after time.Duration
	}
	rules := []staleRule{
		{StatePending, r.cfg.PendingStaleAfter},
		{StateLeg1Sent, r.cfg.OpeningStaleAfter},
		{StateLeg2Sent, r.cfg.OpeningStaleAfter},
	}

	for _, rule := range rules {
		trades, err := r.store.GetTradesByState(ctx, rule.state, 100)
		if err != nil {
			r.log.Warn("stale sweep query failed", zap.String("state", rule.state), zap.Error(err))
			continue
		}
		for _, trade := range trades {
			if !startup && time.Since(trade.UpdatedAt) < rule.after {
				continue
			}
			// позиция на любой из бирж означает живое исполнение, не трогаем
			if _, ok := makerPositions[trade.Symbol]; ok {
				continue
			}
			if _, ok := hedgePositions[trade.Symbol]; ok {
				continue
			}

			r.log.Warn("stale opening record, marking failed",
				zap.String("trade_id", trade.ID),
				zap.String("state", trade.State),
				zap.Duration("age", time.Since(trade.UpdatedAt)))

			reconcilerActions.WithLabelValues("zombie_closed").Inc()
			if err := r.store.UpdateTradeState(ctx, trade.ID, trade.State, StateFailed,
				store.EncodeDetails(map[string]interface{}{"close_reason": "stale_opening_reconciled"})); err != nil {
				r.log.Warn("failed to persist stale closure", zap.String("trade_id", trade.ID), zap.Error(err))
			}
			if err := r.store.SetFailureReason(ctx, trade.ID, "reconciler: stale opening with no exchange position"); err != nil {
				r.log.Warn("failed to persist stale reason", zap.String("trade_id", trade.ID), zap.Error(err))
			}
		}
	}
}

// recentFailureSymbols символы недавних FAILED/rollback записей: позиция
// по такому символу - поздний филл, а не обычный призрак
func (r *Reconciler) recentFailureSymbols(ctx context.Context) map[string]string {
	out := make(map[string]string)
	for _, state := range []string{StateFailed, StateRollbackDone, StateRollbackFailed} {
		trades, err := r.store.GetTradesByState(ctx, state, 100)
		if err != nil {
			r.log.Warn("late-fill sweep query failed", zap.String("state", state), zap.Error(err))
			continue
		}
		for _, trade := range trades {
			if time.Since(trade.UpdatedAt) > r.cfg.LateFillWindow {
				continue
			}
			out[trade.Symbol] = trade.ID
		}
	}
	return out
}

// reconcileGhosts обрабатывает позиции без записи в хранилище
func (r *Reconciler) reconcileGhosts(ctx context.Context, makerPositions, hedgePositions map[string]*venueLeg, lateFillSymbols map[string]string) {
	for symbol, makerLeg := range makerPositions {
		hedgeLeg, paired := hedgePositions[symbol]

		// поздний филл после неудавшегося входа закрываем сразу
		if tradeID, late := lateFillSymbols[symbol]; late {
			r.closeLateFill(ctx, symbol, tradeID, makerLeg)
			if paired {
				r.closeLateFill(ctx, symbol, tradeID, hedgeLeg)
				delete(hedgePositions, symbol)
			}
			continue
		}

		// пара противоположных ног с сошедшимися размерами импортируется
		// как внешне открытая сделка (если включено)
		if paired && r.cfg.AutoImportGhosts &&
			makerLeg.side == hedgeLeg.side.Opposite() &&
			r.sizesMatch(makerLeg.size, hedgeLeg.size, r.markOf(makerLeg, hedgeLeg)) {
			r.importGhostPair(ctx, symbol, makerLeg, hedgeLeg)
			delete(hedgePositions, symbol)
			continue
		}

		r.closeGhost(ctx, symbol, makerLeg)
		if paired {
			r.closeGhost(ctx, symbol, hedgeLeg)
			delete(hedgePositions, symbol)
		}
	}

	for symbol, hedgeLeg := range hedgePositions {
		if tradeID, late := lateFillSymbols[symbol]; late {
			r.closeLateFill(ctx, symbol, tradeID, hedgeLeg)
			continue
		}
		r.closeGhost(ctx, symbol, hedgeLeg)
	}
}

func (r *Reconciler) importGhostPair(ctx context.Context, symbol string, makerLeg, hedgeLeg *venueLeg) {
	direction := models.DirectionLongMaker
	if makerLeg.side == venue.SideSell {
		direction = models.DirectionShortMaker
	}

	mark := r.markOf(makerLeg, hedgeLeg)
	trade := &models.TradeRecord{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Direction:    direction,
		MakerVenue:   makerLeg.venue.Name(),
		HedgeVenue:   hedgeLeg.venue.Name(),
		State:        StateComplete,
		TargetUSD:    makerLeg.size * mark,
		PlannedCoins: makerLeg.size,
		MakerFilled:  makerLeg.size,
		HedgeFilled:  hedgeLeg.size,
	}
	if err := r.store.CreateTrade(ctx, trade); err != nil {
		r.log.Error("ghost pair import failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if err := r.store.UpdateTradeState(ctx, trade.ID, StateComplete, StateComplete,
		store.EncodeDetails(map[string]interface{}{"imported_as_ghost": true})); err != nil {
		r.log.Warn("failed to record ghost import event", zap.String("trade_id", trade.ID), zap.Error(err))
	}

	reconcilerActions.WithLabelValues("ghost_imported").Inc()
	r.log.Info("ghost position pair imported",
		zap.String("symbol", symbol),
		zap.String("trade_id", trade.ID),
		zap.Float64("maker_size", makerLeg.size),
		zap.Float64("hedge_size", hedgeLeg.size))

	r.notifier.Publish(models.Notification{
		Type:    models.NotifyPositionReconciled,
		Level:   models.NotifyWarning,
		Symbol:  symbol,
		TradeID: trade.ID,
		Message: "unmatched hedged pair imported from exchanges",
	})
}

func (r *Reconciler) closeGhost(ctx context.Context, symbol string, leg *venueLeg) {
	r.log.Warn("ghost position, closing",
		zap.String("symbol", symbol),
		zap.String("venue", leg.venue.Name()),
		zap.Float64("size", leg.size))

	if err := r.closePosition(ctx, leg, symbol); err != nil {
		r.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  symbol,
			Message: fmt.Sprintf("ghost close failed on %s: %v", leg.venue.Name(), err),
		})
		return
	}

	reconcilerActions.WithLabelValues("ghost_closed").Inc()
	r.notifier.Publish(models.Notification{
		Type:    models.NotifyPositionReconciled,
		Level:   models.NotifyWarning,
		Symbol:  symbol,
		Message: fmt.Sprintf("ghost position %.8g closed on %s", leg.size, leg.venue.Name()),
	})
}

func (r *Reconciler) closeLateFill(ctx context.Context, symbol, tradeID string, leg *venueLeg) {
	r.log.Warn("late fill after failed execution, closing",
		zap.String("symbol", symbol),
		zap.String("trade_id", tradeID),
		zap.String("venue", leg.venue.Name()),
		zap.Float64("size", leg.size))

	if err := r.closePosition(ctx, leg, symbol); err != nil {
		r.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  symbol,
			TradeID: tradeID,
			Message: fmt.Sprintf("late-fill close failed on %s: %v", leg.venue.Name(), err),
		})
		return
	}

	reconcilerActions.WithLabelValues("late_fill_closed").Inc()
	r.notifier.Publish(models.Notification{
		Type:    models.NotifyPositionReconciled,
		Level:   models.NotifyWarning,
		Symbol:  symbol,
		TradeID: tradeID,
		Message: fmt.Sprintf("late fill %.8g closed on %s", leg.size, leg.venue.Name()),
	})
}

// closePosition закрывает позицию; при включённом soft close сначала
// пробует пассивный post-only reduce-only ордер, и только по таймауту
// переходит к рыночному
func (r *Reconciler) closePosition(ctx context.Context, leg *venueLeg, symbol string) error {
	if r.cfg.SoftCloseEnabled {
		if done := r.trySoftClose(ctx, leg, symbol); done {
			return nil
		}
	}

	res, err := leg.venue.ClosePosition(ctx, symbol, leg.side, leg.size)
	if err != nil {
		return err
	}
	if res != nil && !res.Success {
		return fmt.Errorf("close rejected: %s", res.ErrorMessage)
	}
	return nil
}

// trySoftClose пассивная попытка закрытия maker ордером. true = позиция
// закрыта, рыночный fallback не нужен
func (r *Reconciler) trySoftClose(ctx context.Context, leg *venueLeg, symbol string) bool {
	book, err := leg.venue.FetchOrderbook(ctx, symbol, 5)
	if err != nil || book == nil || book.IsCrossed() || book.BestBid() <= 0 || book.BestAsk() <= 0 {
		return false
	}

	closeSide := leg.side.Opposite()
	price := book.BestAsk()
	if closeSide == venue.SideBuy {
		price = book.BestBid()
	}

	res, err := leg.venue.PlaceOrder(ctx, venue.OrderParams{
		Symbol:     symbol,
		Side:       closeSide,
		Kind:       venue.KindLimitPostOnly,
		Size:       leg.size,
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil || res == nil || !res.Success {
		return false
	}

	deadline := time.NewTimer(r.cfg.SoftCloseTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			if _, err := leg.venue.CancelOrder(ctx, symbol, res.OrderID); err != nil && !venue.IsNotFound(err) {
				r.log.Warn("soft close cancel failed", zap.String("symbol", symbol), zap.Error(err))
			}
			// частичный пассивный филл уменьшает остаток для market fallback
			if st, err := leg.venue.GetOrderStatus(ctx, symbol, res.OrderID); err == nil && st.FilledAmount > 0 {
				leg.size -= st.FilledAmount
				if leg.size <= positionEpsilon {
					return true
				}
			}
			return false
		case <-poll.C:
			st, err := leg.venue.GetOrderStatus(ctx, symbol, res.OrderID)
			if err != nil {
				continue
			}
			if st.Status == venue.OrderStatusFilled {
				return true
			}
			if st.Status == venue.OrderStatusCancelled || st.Status == venue.OrderStatusRejected {
				return false
			}
		}
	}
}

// closeRecord помечает запись закрытой. Позиций на биржах нет, но
// рабочие ордера могли остаться - снимаем их, иначе поздний филл
// воскресит закрытую сделку
func (r *Reconciler) closeRecord(ctx context.Context, trade *models.TradeRecord, reason string) {
	for _, v := range []venue.Venue{r.maker, r.hedge} {
		if err := v.CancelAllOrders(ctx, trade.Symbol); err != nil {
			r.log.Warn("residual order cancel failed",
				zap.String("symbol", trade.Symbol),
				zap.String("venue", v.Name()),
				zap.Error(err))
		}
	}

	if err := r.store.UpdateTradeState(ctx, trade.ID, trade.State, TradeStatusClosed,
		store.EncodeDetails(map[string]interface{}{"close_reason": reason})); err != nil {
		r.log.Warn("failed to persist record closure", zap.String("trade_id", trade.ID), zap.Error(err))
	}
	r.notifier.Publish(models.Notification{
		Type:    models.NotifyPositionReconciled,
		Level:   models.NotifyWarning,
		Symbol:  trade.Symbol,
		TradeID: trade.ID,
		Message: "open record closed: " + reason,
	})
}

// sizesMatch размеры сходятся, если разница укладывается хотя бы в один
// из допусков: процентный от большей стороны или абсолютный в USD
func (r *Reconciler) sizesMatch(a, b, markPrice float64) bool {
	diff := math.Abs(a - b)
	if diff < reconcileDustSize {
		return true
	}

	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger > 0 && diff/larger*100 <= r.cfg.SizeTolerancePct {
		return true
	}
	if markPrice > 0 && diff*markPrice <= r.cfg.SizeToleranceAbsUSD {
		return true
	}
	return false
}

func (r *Reconciler) markOf(legs ...*venueLeg) float64 {
	for _, l := range legs {
		if l != nil && l.mark > 0 {
			return l.mark
		}
	}
	return 0
}

func legSize(l *venueLeg) float64 {
	if l == nil {
		return 0
	}
	return l.size
}
