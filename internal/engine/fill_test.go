package engine

import (
	"testing"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/venue"
)

func timeoutConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		FillTimeoutBase:     30 * time.Second,
		FillTimeoutMin:      5 * time.Second,
		FillTimeoutMax:      90 * time.Second,
		ShutdownFillCeiling: 2 * time.Second,
	}
}

func TestDynamicFillTimeout(t *testing.T) {
	cfg := timeoutConfig()

	tests := []struct {
		name         string
		depthUSD     float64
		tradeUSD     float64
		volatility   string
		shuttingDown bool
		want         time.Duration
	}{
		{"deep book halves the base", 5000, 1000, VolatilityNormal, false, 15 * time.Second},
		{"exactly 2x depth still halves", 2000, 1000, VolatilityNormal, false, 15 * time.Second},
		{"adequate depth keeps the base", 1500, 1000, VolatilityNormal, false, 30 * time.Second},
		{"thin book stretches: ratio 0.5", 500, 1000, VolatilityNormal, false, 45 * time.Second},
		{"empty book doubles", 0, 1000, VolatilityNormal, false, 60 * time.Second},
		{"high volatility scales up", 1500, 1000, VolatilityHigh, false, 36 * time.Second},
		{"low volatility scales down", 1500, 1000, VolatilityLow, false, 27 * time.Second},
		{"empty book with high volatility", 0, 1000, VolatilityHigh, false, 72 * time.Second},
		{"shutdown caps the wait", 5000, 1000, VolatilityNormal, true, 2 * time.Second},
		{"zero trade size treated as infinite depth", 5000, 0, VolatilityNormal, false, 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dynamicFillTimeout(cfg, tt.depthUSD, tt.tradeUSD, tt.volatility, tt.shuttingDown)
			if got != tt.want {
				t.Errorf("dynamicFillTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDynamicFillTimeoutRespectsMin(t *testing.T) {
	cfg := timeoutConfig()
	cfg.FillTimeoutBase = 6 * time.Second

	// base*0.5 = 3s упёрлось бы в пол 5s
	got := dynamicFillTimeout(cfg, 10000, 1000, VolatilityNormal, false)
	if got != cfg.FillTimeoutMin {
		t.Errorf("dynamicFillTimeout() = %v, want floor %v", got, cfg.FillTimeoutMin)
	}
}

func TestDynamicFillTimeoutRespectsMax(t *testing.T) {
	cfg := timeoutConfig()
	cfg.FillTimeoutMax = 50 * time.Second

	// base*2 = 60s упирается в потолок 50s
	got := dynamicFillTimeout(cfg, 0, 1000, VolatilityNormal, false)
	if got != cfg.FillTimeoutMax {
		t.Errorf("dynamicFillTimeout() = %v, want ceiling %v", got, cfg.FillTimeoutMax)
	}
}

func TestGhostPollDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 300 * time.Millisecond},
		{1, 350 * time.Millisecond},
		{5, 550 * time.Millisecond},
		{14, 1000 * time.Millisecond},
		{19, 1000 * time.Millisecond}, // потолок
	}
	for _, tt := range tests {
		if got := ghostPollDelay(tt.attempt); got != tt.want {
			t.Errorf("ghostPollDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestFillTrackerNotifiesSubscribers(t *testing.T) {
	tracker := NewFillTracker()

	sub := tracker.Subscribe("BTCUSDT")
	defer tracker.Unsubscribe("BTCUSDT", sub)

	tracker.HandlePositionUpdate(&venue.Position{Symbol: "BTCUSDT", SignedSize: 0.02})

	select {
	case size := <-sub:
		if size != 0.02 {
			t.Errorf("notified size = %v, want 0.02", size)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}

	size, at, ok := tracker.LastPosition("BTCUSDT")
	if !ok || size != 0.02 {
		t.Errorf("LastPosition = (%v, %v), want (0.02, true)", size, ok)
	}
	if at.IsZero() {
		t.Error("LastPosition timestamp not set")
	}
}

func TestFillTrackerDropsWhenSubscriberLags(t *testing.T) {
	tracker := NewFillTracker()
	sub := tracker.Subscribe("BTCUSDT")
	defer tracker.Unsubscribe("BTCUSDT", sub)

	// второй апдейт не должен блокировать при непрочитанном первом
	done := make(chan struct{})
	go func() {
		tracker.HandlePositionUpdate(&venue.Position{Symbol: "BTCUSDT", SignedSize: 0.01})
		tracker.HandlePositionUpdate(&venue.Position{Symbol: "BTCUSDT", SignedSize: 0.02})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandlePositionUpdate blocked on lagging subscriber")
	}

	// кэш хранит последнее значение
	size, _, _ := tracker.LastPosition("BTCUSDT")
	if size != 0.02 {
		t.Errorf("LastPosition = %v, want 0.02", size)
	}
}

func TestFillTrackerUnsubscribe(t *testing.T) {
	tracker := NewFillTracker()
	sub := tracker.Subscribe("BTCUSDT")
	tracker.Unsubscribe("BTCUSDT", sub)

	tracker.HandlePositionUpdate(&venue.Position{Symbol: "BTCUSDT", SignedSize: 1})

	select {
	case <-sub:
		t.Error("unsubscribed channel received update")
	default:
	}
}
