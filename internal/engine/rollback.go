package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/models"
	"fundarb/internal/store"
	"fundarb/internal/venue"
	"fundarb/pkg/retry"
)

// rollbackItem задание на откат осиротевших ног исполнения
type rollbackItem struct {
	exec       *TradeExecution
	closeMaker bool
	closeHedge bool
	enqueuedAt time.Time
}

// RollbackEngine закрывает осиротевшие ноги неудавшихся исполнений.
//
// Очередь ограничена, потребитель один: откаты сериализованы FIFO, чтобы
// два отката не дрались за одну позицию. Переполненная очередь - признак
// системной деградации, новые задания отклоняются с критичным алертом
type RollbackEngine struct {
	cfg config.RollbackConfig

	maker venue.Venue
	hedge venue.Venue

	store    store.TradeStore
	notifier *Notifier
	log      *zap.Logger

	queue chan *rollbackItem

	triggered  int64
	successful int64
	failed     int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRollbackEngine создаёт движок отката
func NewRollbackEngine(cfg config.RollbackConfig, maker, hedge venue.Venue, st store.TradeStore, notifier *Notifier, log *zap.Logger) *RollbackEngine {
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	return &RollbackEngine{
		cfg:      cfg,
		maker:    maker,
		hedge:    hedge,
		store:    st,
		notifier: notifier,
		log:      log.Named("rollback"),
		queue:    make(chan *rollbackItem, size),
		stopCh:   make(chan struct{}),
	}
}

// Start запускает единственного потребителя очереди
func (r *RollbackEngine) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop дорабатывает очередь и останавливает потребителя.
// Уже начатый откат доводится до конца
func (r *RollbackEngine) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

// Enqueue ставит исполнение в очередь отката. false = очередь полна
func (r *RollbackEngine) Enqueue(exec *TradeExecution, closeMaker, closeHedge bool) bool {
	item := &rollbackItem{
		exec:       exec,
		closeMaker: closeMaker,
		closeHedge: closeHedge,
		enqueuedAt: time.Now(),
	}

	select {
	case r.queue <- item:
		atomic.AddInt64(&r.triggered, 1)
		rollbacksTotal.WithLabelValues("queued").Inc()
		rollbackQueueDepth.Set(float64(len(r.queue)))
		r.log.Info("rollback queued",
			zap.String("symbol", exec.Symbol),
			zap.String("trade_id", exec.TradeID),
			zap.Bool("close_maker", closeMaker),
			zap.Bool("close_hedge", closeHedge))
		return true
	default:
		rollbacksTotal.WithLabelValues("rejected").Inc()
		r.log.Error("rollback queue full, item rejected",
			zap.String("symbol", exec.Symbol),
			zap.String("trade_id", exec.TradeID))
		return false
	}
}

// Triggered всего поставлено в очередь
func (r *RollbackEngine) Triggered() int64 { return atomic.LoadInt64(&r.triggered) }

// Successful успешно завершённых откатов
func (r *RollbackEngine) Successful() int64 { return atomic.LoadInt64(&r.successful) }

// FailedCount откатов, исчерпавших попытки
func (r *RollbackEngine) FailedCount() int64 { return atomic.LoadInt64(&r.failed) }

// Pending текущая глубина очереди
func (r *RollbackEngine) Pending() int { return len(r.queue) }

func (r *RollbackEngine) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case item := <-r.queue:
			rollbackQueueDepth.Set(float64(len(r.queue)))
			r.process(ctx, item)
		case <-r.stopCh:
			// дорабатываем остаток очереди перед выходом
			for {
				select {
				case item := <-r.queue:
					rollbackQueueDepth.Set(float64(len(r.queue)))
					r.process(ctx, item)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// process выполняет один откат: settle пауза, затем попытки закрытия
// с экспоненциальным backoff и верификацией по свежим позициям
func (r *RollbackEngine) process(ctx context.Context, item *rollbackItem) {
	exec := item.exec
	symbol := exec.Symbol

	from := exec.State()
	if !exec.SetState(StateRollbackInProgress) {
		r.log.Error("rollback item in unexpected state",
			zap.String("symbol", symbol),
			zap.String("state", from))
		return
	}
	r.persistTransition(ctx, exec, from, StateRollbackInProgress, nil)

	// пауза на приземление in-flight ордеров и обновление позиций биржей
	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
	}

	// остатки maker ордера мешают reduce-only закрытию
	if item.closeMaker && exec.MakerOrderID != "" {
		if _, err := r.maker.CancelOrder(ctx, symbol, exec.MakerOrderID); err != nil && !venue.IsNotFound(err) {
			r.log.Warn("stale maker order cancel failed",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	err := retry.Do(ctx, func() error {
		exec.mu.Lock()
		exec.RollbackAttempts++
		attempt := exec.RollbackAttempts
		exec.mu.Unlock()

		r.log.Info("rollback attempt",
			zap.String("symbol", symbol),
			zap.String("trade_id", exec.TradeID),
			zap.Int("attempt", attempt))

		if item.closeMaker {
			if err := r.closeLeg(ctx, r.maker, symbol, exec.MakerSide); err != nil {
				return fmt.Errorf("maker leg: %w", err)
			}
		}
		if item.closeHedge {
			if err := r.closeLeg(ctx, r.hedge, symbol, exec.HedgeSide); err != nil {
				return fmt.Errorf("hedge leg: %w", err)
			}
		}
		return nil
	}, retry.Config{
		MaxRetries:   r.cfg.MaxAttempts,
		InitialDelay: r.cfg.BaseDelay,
		MaxDelay:     r.cfg.BaseDelay * 16,
		Multiplier:   2.0,
		JitterFactor: 0,
		RetryIf:      retry.RetryIfNotContext,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.log.Warn("rollback attempt failed, retrying",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})

	if err != nil {
		atomic.AddInt64(&r.failed, 1)
		rollbacksTotal.WithLabelValues("failed").Inc()
		exec.SetState(StateRollbackFailed)
		r.persistTransition(ctx, exec, StateRollbackInProgress, StateRollbackFailed,
			map[string]interface{}{"error": err.Error()})
		if perr := r.store.SetFailureReason(ctx, exec.TradeID, ReasonRollbackFailed+": "+err.Error()); perr != nil {
			r.log.Warn("failed to persist rollback failure", zap.String("trade_id", exec.TradeID), zap.Error(perr))
		}

		r.notifier.Publish(models.Notification{
			Type:    models.NotifyCriticalError,
			Level:   models.NotifyCritical,
			Symbol:  symbol,
			TradeID: exec.TradeID,
			Message: fmt.Sprintf("rollback failed after %d attempts, manual intervention required: %v",
				r.cfg.MaxAttempts, err),
		})
		return
	}

	atomic.AddInt64(&r.successful, 1)
	rollbacksTotal.WithLabelValues("done").Inc()
	exec.SetState(StateRollbackDone)
	r.persistTransition(ctx, exec, StateRollbackInProgress, StateRollbackDone, map[string]interface{}{
		"attempts":    exec.RollbackAttempts,
		"queued_wait": time.Since(item.enqueuedAt).String(),
	})

	r.notifier.Publish(models.Notification{
		Type:    models.NotifyRollbackDone,
		Level:   models.NotifyWarning,
		Symbol:  symbol,
		TradeID: exec.TradeID,
		Message: fmt.Sprintf("orphaned leg closed after %d attempt(s)", exec.RollbackAttempts),
	})

	r.log.Info("rollback complete",
		zap.String("symbol", symbol),
		zap.String("trade_id", exec.TradeID),
		zap.Int("attempts", exec.RollbackAttempts))
}

// closeLeg закрывает позицию символа на бирже с верификацией.
//
// Размер берётся из свежего REST запроса, а не из кэша или записей
// исполнения: только биржа знает реальный остаток. Отсутствующая позиция
// считается успехом - ногу мог закрыть кто-то ещё
func (r *RollbackEngine) closeLeg(ctx context.Context, v venue.Venue, symbol string, openSide venue.Side) error {
	size, err := r.freshPositionSize(ctx, v, symbol)
	if err != nil {
		return fmt.Errorf("position fetch on %s: %w", v.Name(), err)
	}
	if size <= positionEpsilon {
		return nil // уже плоско
	}

	res, err := v.ClosePosition(ctx, symbol, openSide, size)
	if err != nil {
		return fmt.Errorf("close %.8g on %s: %w", size, v.Name(), err)
	}
	if res != nil && !res.Success {
		return fmt.Errorf("close %.8g on %s rejected: %s", size, v.Name(), res.ErrorMessage)
	}

	select {
	case <-time.After(r.cfg.VerifyDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	residual, err := r.freshPositionSize(ctx, v, symbol)
	if err != nil {
		return fmt.Errorf("verification fetch on %s: %w", v.Name(), err)
	}
	if residual > positionEpsilon {
		return fmt.Errorf("position %.8g remains on %s after close", residual, v.Name())
	}
	return nil
}

func (r *RollbackEngine) freshPositionSize(ctx context.Context, v venue.Venue, symbol string) (float64, error) {
	positions, err := v.FetchOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return math.Abs(p.SignedSize), nil
		}
	}
	return 0, nil
}

func (r *RollbackEngine) persistTransition(ctx context.Context, exec *TradeExecution, from, to string, details map[string]interface{}) {
	if err := r.store.UpdateTradeState(ctx, exec.TradeID, from, to, store.EncodeDetails(details)); err != nil {
		r.log.Warn("failed to persist rollback transition",
			zap.String("trade_id", exec.TradeID),
			zap.String("to", to),
			zap.Error(err))
	}
}
