package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/config"
	"fundarb/internal/venue"
)

func validatorPolicy() config.OrderbookConfig {
	return config.OrderbookConfig{
		MinDepthUSD:                  5000,
		MinOppositeDepthUSD:          2000,
		MinBidLevels:                 3,
		MinAskLevels:                 3,
		MaxSpreadPercent:             0.5,
		WarnSpreadPercent:            0.2,
		MaxStalenessSeconds:          5,
		WarnStalenessSeconds:         2,
		ExcellentDepthMultiple:       10,
		GoodDepthMultiple:            3,
		MarginalDepthMultiple:        1,
		PostReconnectCooldownSeconds: 10,
	}
}

func healthyBook(ts time.Time) *venue.OrderbookSnapshot {
	return &venue.OrderbookSnapshot{
		Symbol: "BTCUSDT",
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
		Timestamp: ts,
	}
}

func TestValidateHealthyBook(t *testing.T) {
	v := NewBookValidator(validatorPolicy(), nil, zap.NewNop())
	now := time.Now()

	res := v.Validate(context.Background(), "BTCUSDT", venue.SideBuy, 1000, healthyBook(now), now)
	if !res.Valid {
		t.Fatalf("healthy book rejected: %s (%s)", res.Reason, res.Quality)
	}
	if res.Quality != QualityExcellent {
		t.Errorf("quality = %s, want %s", res.Quality, QualityExcellent)
	}
	if res.RecommendedAction != ActionProceed {
		t.Errorf("action = %s, want %s", res.RecommendedAction, ActionProceed)
	}
	// для BUY maker наша сторона исполнения - asks
	wantDepth := 2*50000.0 + 2*50010 + 2*50020
	if math.Abs(res.SameSideDepthUSD-wantDepth) > 1 {
		t.Errorf("same-side depth = %.0f, want %.0f", res.SameSideDepthUSD, wantDepth)
	}
}

func TestValidateRejections(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		side        venue.Side
		tradeUSD    float64
		mutate      func(*venue.OrderbookSnapshot) *venue.OrderbookSnapshot
		wantQuality string
		wantAction  string
	}{
		{
			name:     "nil snapshot",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				return nil
			},
			wantQuality: QualityEmpty,
			wantAction:  ActionSkip,
		},
		{
			name:     "crossed book",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				ob.Bids[0].Price = 50005
				return ob
			},
			wantQuality: QualityCrossed,
			wantAction:  ActionWait,
		},
		{
			name:     "stale snapshot",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				ob.Timestamp = now.Add(-10 * time.Second)
				return ob
			},
			wantQuality: QualityStale,
			wantAction:  ActionWait,
		},
		{
			name:     "too few ask levels",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				ob.Asks = ob.Asks[:2]
				return ob
			},
			wantQuality: QualityInsufficient,
			wantAction:  ActionSkip,
		},
		{
			name:     "no bids against a sell maker",
			side:     venue.SideSell,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				ob.Bids = nil
				return ob
			},
			wantQuality: QualityEmpty,
			wantAction:  ActionSkip,
		},
		{
			name:     "same-side depth below minimum",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				for i := range ob.Asks {
					ob.Asks[i].Size = 0.00002 // ~1 USD на уровень
				}
				return ob
			},
			wantQuality: QualityInsufficient,
			wantAction:  ActionSkip,
		},
		{
			name:     "order would walk the book",
			side:     venue.SideBuy,
			tradeUSD: 400000, // depth multiple < 1 при глубине ~300k
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				return ob
			},
			wantQuality: QualityInsufficient,
			wantAction:  ActionUseMarketOrder,
		},
		{
			name:     "spread above maximum",
			side:     venue.SideBuy,
			tradeUSD: 1000,
			mutate: func(ob *venue.OrderbookSnapshot) *venue.OrderbookSnapshot {
				for i := range ob.Bids {
					ob.Bids[i].Price -= 500 // спред ~1%
				}
				return ob
			},
			wantQuality: QualityInsufficient,
			wantAction:  ActionWait,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewBookValidator(validatorPolicy(), nil, zap.NewNop())
			ob := tt.mutate(healthyBook(now))

			res := v.Validate(context.Background(), "BTCUSDT", tt.side, tt.tradeUSD, ob, now)
			if res.Valid {
				t.Fatalf("expected rejection, got valid (%s)", res.Quality)
			}
			if res.Quality != tt.wantQuality {
				t.Errorf("quality = %s, want %s", res.Quality, tt.wantQuality)
			}
			if res.RecommendedAction != tt.wantAction {
				t.Errorf("action = %s, want %s", res.RecommendedAction, tt.wantAction)
			}
		})
	}
}

// Отсечка по глубине строгая: стакан с глубиной ровно на пороге проходит
func TestValidateDepthExactlyAtMinimum(t *testing.T) {
	policy := validatorPolicy()
	// вся ask глубина healthyBook, до доллара
	policy.MinDepthUSD = 2*50000.0 + 2*50010 + 2*50020
	v := NewBookValidator(policy, nil, zap.NewNop())
	now := time.Now()

	res := v.Validate(context.Background(), "BTCUSDT", venue.SideBuy, 1000, healthyBook(now), now)
	if !res.Valid {
		t.Fatalf("depth equal to the minimum rejected: %s", res.Reason)
	}
}

// Скрещенность проверяется раньше глубины: скрещенный стакан с хорошей
// глубиной всё равно отклоняется как CROSSED
func TestValidateCrossedBeatsDepth(t *testing.T) {
	v := NewBookValidator(validatorPolicy(), nil, zap.NewNop())
	now := time.Now()

	ob := healthyBook(now)
	ob.Bids[0].Price = 50001

	res := v.Validate(context.Background(), "BTCUSDT", venue.SideBuy, 1000, ob, now)
	if res.Valid {
		t.Fatal("crossed book accepted")
	}
	if res.Quality != QualityCrossed {
		t.Errorf("quality = %s, want %s", res.Quality, QualityCrossed)
	}
}

func TestValidatePostReconnectRefreshes(t *testing.T) {
	now := time.Now()
	refreshed := false

	refresh := func(ctx context.Context, symbol string, depth int) (*venue.OrderbookSnapshot, error) {
		refreshed = true
		return healthyBook(now), nil
	}

	v := NewBookValidator(validatorPolicy(), refresh, zap.NewNop())
	v.NoteReconnect()

	// кэшированный снимок подозрителен, должен подмениться свежим
	stale := healthyBook(now.Add(-time.Minute))
	res := v.Validate(context.Background(), "BTCUSDT", venue.SideBuy, 1000, stale, now)

	if !refreshed {
		t.Fatal("post-reconnect validation did not request a fresh snapshot")
	}
	if !res.Valid {
		t.Fatalf("fresh snapshot rejected: %s", res.Reason)
	}
}

func TestRecommendedPrice(t *testing.T) {
	tests := []struct {
		name                     string
		side                     venue.Side
		bestBid, bestAsk, tick   float64
		want                     float64
	}{
		{"buy one tick above bid", venue.SideBuy, 49990, 50000, 0.5, 49990.5},
		{"sell one tick below ask", venue.SideSell, 49990, 50000, 0.5, 49999.5},
		{"buy in one-tick spread stays at bid", venue.SideBuy, 49999.5, 50000, 0.5, 49999.5},
		{"sell in one-tick spread stays at ask", venue.SideSell, 49999.5, 50000, 0.5, 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RecommendedPrice(tt.side, tt.bestBid, tt.bestAsk, tt.tick)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("RecommendedPrice() = %v, want %v", got, tt.want)
			}
		})
	}
}
