package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/venue"
)

// Качество стакана для предлагаемого maker ордера
const (
	QualityExcellent    = "EXCELLENT"
	QualityGood         = "GOOD"
	QualityMarginal     = "MARGINAL"
	QualityInsufficient = "INSUFFICIENT"
	QualityCrossed      = "CROSSED"
	QualityStale        = "STALE"
	QualityEmpty        = "EMPTY"
)

// Рекомендованное действие по результату валидации
const (
	ActionProceed        = "proceed"
	ActionWait           = "wait"
	ActionUseMarketOrder = "use_market_order"
	ActionSkip           = "skip"
)

// BookValidation результат валидации стакана
type BookValidation struct {
	Valid             bool
	Quality           string
	Reason            string
	BidDepthUSD       float64
	AskDepthUSD       float64
	SameSideDepthUSD  float64
	SpreadPercent     float64
	BestBid           float64
	BestAsk           float64
	BidLevels         int
	AskLevels         int
	StalenessSeconds  float64
	RecommendedAction string
}

// SnapshotRefresher запрашивает свежий снимок стакана в обход кэшей
type SnapshotRefresher func(ctx context.Context, symbol string, depth int) (*venue.OrderbookSnapshot, error)

// BookValidator решает, стоит ли размещать maker ордер при текущем
// состоянии стакана
type BookValidator struct {
	policy  config.OrderbookConfig
	refresh SnapshotRefresher
	log     *zap.Logger

	// момент последнего WS переподключения: в окне cooldown кэшу не доверяем
	reconnectMu   sync.Mutex
	lastReconnect time.Time

	// дедуп кэш подавляет только повторный лог, никогда не подменяет оценку
	dedupMu   sync.Mutex
	dedupSeen map[string]time.Time
}

// NewBookValidator создаёт валидатор. refresh может быть nil (без REST fallback)
func NewBookValidator(policy config.OrderbookConfig, refresh SnapshotRefresher, log *zap.Logger) *BookValidator {
	return &BookValidator{
		policy:    policy,
		refresh:   refresh,
		log:       log,
		dedupSeen: make(map[string]time.Time),
	}
}

// NoteReconnect отмечает переподключение источника данных
func (v *BookValidator) NoteReconnect() {
	v.reconnectMu.Lock()
	v.lastReconnect = time.Now()
	v.reconnectMu.Unlock()
}

func (v *BookValidator) inReconnectCooldown(now time.Time) bool {
	v.reconnectMu.Lock()
	defer v.reconnectMu.Unlock()
	if v.lastReconnect.IsZero() {
		return false
	}
	return now.Sub(v.lastReconnect).Seconds() < v.policy.PostReconnectCooldownSeconds
}

// Validate прогоняет снимок через цепочку проверок; первая неудача
// останавливает разбор
func (v *BookValidator) Validate(ctx context.Context, symbol string, side venue.Side, tradeSizeUSD float64, snapshot *venue.OrderbookSnapshot, now time.Time) *BookValidation {
	// после переподключения снимку из кэша не доверяем: одна попытка REST
	if v.inReconnectCooldown(now) && v.refresh != nil {
		fresh, err := v.refresh(ctx, symbol, 25)
		if err == nil && fresh != nil {
			snapshot = fresh
		}
		if snapshot == nil || snapshot.IsCrossed() {
			return v.finish(symbol, side, tradeSizeUSD, &BookValidation{
				Quality:           QualityCrossed,
				Reason:            "post-reconnect snapshot unavailable or crossed",
				RecommendedAction: ActionWait,
			})
		}
	}

	if snapshot == nil || (len(snapshot.Bids) == 0 && len(snapshot.Asks) == 0) {
		return v.finish(symbol, side, tradeSizeUSD, &BookValidation{
			Quality:           QualityEmpty,
			Reason:            "orderbook is empty",
			RecommendedAction: ActionSkip,
		})
	}

	result := &BookValidation{
		BestBid:   snapshot.BestBid(),
		BestAsk:   snapshot.BestAsk(),
		BidLevels: len(snapshot.Bids),
		AskLevels: len(snapshot.Asks),
	}

	// для SELL maker нужны bids (встречная сторона), для BUY - asks
	if side == venue.SideSell && len(snapshot.Bids) == 0 {
		result.Quality = QualityEmpty
		result.Reason = "no bids to fill against a sell maker"
		result.RecommendedAction = ActionSkip
		return v.finish(symbol, side, tradeSizeUSD, result)
	}
	if side == venue.SideBuy && len(snapshot.Asks) == 0 {
		result.Quality = QualityEmpty
		result.Reason = "no asks to fill against a buy maker"
		result.RecommendedAction = ActionSkip
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	if snapshot.IsCrossed() {
		result.Quality = QualityCrossed
		result.Reason = fmt.Sprintf("crossed book: bid %.8g >= ask %.8g", result.BestBid, result.BestAsk)
		result.RecommendedAction = ActionWait
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	result.StalenessSeconds = now.Sub(snapshot.Timestamp).Seconds()
	if result.StalenessSeconds > v.policy.MaxStalenessSeconds {
		result.Quality = QualityStale
		result.Reason = fmt.Sprintf("snapshot is %.1fs old (max %.1fs)", result.StalenessSeconds, v.policy.MaxStalenessSeconds)
		result.RecommendedAction = ActionWait
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	if result.BidLevels < v.policy.MinBidLevels || result.AskLevels < v.policy.MinAskLevels {
		result.Quality = QualityInsufficient
		result.Reason = fmt.Sprintf("level count %d/%d below minima %d/%d",
			result.BidLevels, result.AskLevels, v.policy.MinBidLevels, v.policy.MinAskLevels)
		result.RecommendedAction = ActionSkip
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	result.BidDepthUSD = depthUSD(snapshot.Bids)
	result.AskDepthUSD = depthUSD(snapshot.Asks)

	// глубина на стороне нашего resting ордера - та, об которую он исполнится
	sameSide, oppositeSide := result.AskDepthUSD, result.BidDepthUSD
	if side == venue.SideSell {
		sameSide, oppositeSide = result.BidDepthUSD, result.AskDepthUSD
	}
	result.SameSideDepthUSD = sameSide

	if sameSide < v.policy.MinDepthUSD {
		result.Quality = QualityInsufficient
		result.Reason = fmt.Sprintf("same-side depth $%.0f below minimum $%.0f", sameSide, v.policy.MinDepthUSD)
		result.RecommendedAction = ActionSkip
		return v.finish(symbol, side, tradeSizeUSD, result)
	}
	if oppositeSide < v.policy.MinOppositeDepthUSD {
		result.Quality = QualityInsufficient
		result.Reason = fmt.Sprintf("opposite-side depth $%.0f below minimum $%.0f", oppositeSide, v.policy.MinOppositeDepthUSD)
		result.RecommendedAction = ActionSkip
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	depthMultiple := math.Inf(1)
	if tradeSizeUSD > 0 {
		depthMultiple = sameSide / tradeSizeUSD
	}
	if depthMultiple < v.policy.MarginalDepthMultiple {
		result.Quality = QualityInsufficient
		result.Reason = fmt.Sprintf("depth multiple %.2f below marginal %.2f: order would walk the book",
			depthMultiple, v.policy.MarginalDepthMultiple)
		result.RecommendedAction = ActionUseMarketOrder
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	mid := (result.BestBid + result.BestAsk) / 2
	result.SpreadPercent = (result.BestAsk - result.BestBid) / mid * 100
	if result.SpreadPercent > v.policy.MaxSpreadPercent {
		result.Quality = QualityInsufficient
		result.Reason = fmt.Sprintf("spread %.3f%% above maximum %.3f%%", result.SpreadPercent, v.policy.MaxSpreadPercent)
		result.RecommendedAction = ActionWait
		return v.finish(symbol, side, tradeSizeUSD, result)
	}

	// классифицируем по худшему из бакетов
	result.Quality = worstQuality(
		v.depthBucket(depthMultiple),
		v.spreadBucket(result.SpreadPercent),
		v.stalenessBucket(result.StalenessSeconds),
	)
	result.Valid = true
	result.RecommendedAction = ActionProceed
	result.Reason = "ok"
	return v.finish(symbol, side, tradeSizeUSD, result)
}

func (v *BookValidator) depthBucket(multiple float64) string {
	switch {
	case multiple >= v.policy.ExcellentDepthMultiple:
		return QualityExcellent
	case multiple >= v.policy.GoodDepthMultiple:
		return QualityGood
	default:
		return QualityMarginal
	}
}

func (v *BookValidator) spreadBucket(spreadPct float64) string {
	switch {
	case spreadPct <= v.policy.WarnSpreadPercent/2:
		return QualityExcellent
	case spreadPct <= v.policy.WarnSpreadPercent:
		return QualityGood
	default:
		return QualityMarginal
	}
}

func (v *BookValidator) stalenessBucket(staleness float64) string {
	switch {
	case staleness <= v.policy.WarnStalenessSeconds/2:
		return QualityExcellent
	case staleness <= v.policy.WarnStalenessSeconds:
		return QualityGood
	default:
		return QualityMarginal
	}
}

var qualityRank = map[string]int{
	QualityExcellent: 0,
	QualityGood:      1,
	QualityMarginal:  2,
}

func worstQuality(qualities ...string) string {
	worst := QualityExcellent
	for _, q := range qualities {
		if qualityRank[q] > qualityRank[worst] {
			worst = q
		}
	}
	return worst
}

// depthUSD суммирует price*size по всем уровням
func depthUSD(levels []venue.PriceLevel) float64 {
	var total float64
	for _, l := range levels {
		total += l.Price * l.Size
	}
	return total
}

// RecommendedPrice цена post-only размещения: один тик внутрь лучшей цены
// нашей стороны, но строго не пересекая встречную
func RecommendedPrice(side venue.Side, bestBid, bestAsk, tickSize float64) float64 {
	if tickSize <= 0 {
		tickSize = bestAsk * 1e-6
	}
	if side == venue.SideBuy {
		price := bestBid + tickSize
		if price >= bestAsk {
			price = bestAsk - tickSize
		}
		if price <= bestBid && bestAsk-bestBid <= tickSize {
			price = bestBid
		}
		return price
	}
	price := bestAsk - tickSize
	if price <= bestBid {
		price = bestBid + tickSize
	}
	if price >= bestAsk && bestAsk-bestBid <= tickSize {
		price = bestAsk
	}
	return price
}

// finish логирует результат с дедупликацией повторов и возвращает его
func (v *BookValidator) finish(symbol string, side venue.Side, tradeSizeUSD float64, result *BookValidation) *BookValidation {
	if v.log == nil {
		return result
	}

	// размер бакетируется по сотням USD: одинаковые повторные оценки
	// не засоряют лог, но сама оценка выполняется всегда
	key := fmt.Sprintf("%s|%s|%d|%s|%s", symbol, side, int(tradeSizeUSD/100), result.Quality, result.RecommendedAction)

	v.dedupMu.Lock()
	last, seen := v.dedupSeen[key]
	now := time.Now()
	suppress := seen && now.Sub(last) < time.Second
	if !suppress {
		v.dedupSeen[key] = now
	}
	// не даём кэшу расти бесконечно
	if len(v.dedupSeen) > 1024 {
		v.dedupSeen = map[string]time.Time{key: now}
	}
	v.dedupMu.Unlock()

	if !suppress {
		v.log.Debug("orderbook validated",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("quality", result.Quality),
			zap.String("action", result.RecommendedAction),
			zap.String("reason", result.Reason),
			zap.Float64("same_side_depth_usd", result.SameSideDepthUSD),
			zap.Float64("spread_pct", result.SpreadPercent),
		)
	}
	return result
}
