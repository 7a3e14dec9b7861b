package engine

import (
	"math"
	"sync"
	"time"

	"fundarb/internal/config"
	"fundarb/internal/venue"
)

// позиция меньше ε считается отсутствующей
const positionEpsilon = 1e-8

// Волатильность рынка, масштабирующая таймаут ожидания филла
const (
	VolatilityLow    = "LOW"
	VolatilityNormal = "NORMAL"
	VolatilityHigh   = "HIGH"
)

// FillTracker принимает push-обновления позиций от адаптера maker биржи
// и будит ожидающие филла горутины. Адаптер не знает о движке: связь
// через узкий callback, зарегистрированный при старте
type FillTracker struct {
	mu        sync.Mutex
	positions map[string]float64        // последний известный signed size
	updatedAt map[string]time.Time
	waiters   map[string][]chan float64 // подписчики по символу
}

// NewFillTracker создаёт трекер филлов
func NewFillTracker() *FillTracker {
	return &FillTracker{
		positions: make(map[string]float64),
		updatedAt: make(map[string]time.Time),
		waiters:   make(map[string][]chan float64),
	}
}

// HandlePositionUpdate callback для venue.RegisterPositionCallback
func (t *FillTracker) HandlePositionUpdate(p *venue.Position) {
	if p == nil {
		return
	}

	t.mu.Lock()
	t.positions[p.Symbol] = p.SignedSize
	t.updatedAt[p.Symbol] = time.Now()
	waiters := t.waiters[p.Symbol]
	t.mu.Unlock()

	// неблокирующая побудка: отставший подписчик дочитает из positions
	for _, ch := range waiters {
		select {
		case ch <- p.SignedSize:
		default:
		}
	}
}

// LastPosition последний известный signed size и время обновления
func (t *FillTracker) LastPosition(symbol string) (float64, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	size, ok := t.positions[symbol]
	return size, t.updatedAt[symbol], ok
}

// Subscribe подписывает на обновления позиции символа.
// Канал буферизован на 1: важен факт обновления, не каждое значение
func (t *FillTracker) Subscribe(symbol string) chan float64 {
	ch := make(chan float64, 1)
	t.mu.Lock()
	t.waiters[symbol] = append(t.waiters[symbol], ch)
	t.mu.Unlock()
	return ch
}

// Unsubscribe снимает подписку
func (t *FillTracker) Unsubscribe(symbol string, ch chan float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.waiters[symbol]
	for i, c := range subs {
		if c == ch {
			t.waiters[symbol] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(t.waiters[symbol]) == 0 {
		delete(t.waiters, symbol)
	}
}

// dynamicFillTimeout вычисляет таймаут ожидания maker филла.
//
// Глубокий стакан на нашей стороне - филл придёт быстро, ждём меньше;
// тонкий - даём больше времени. Волатильность корректирует результат,
// границы [min, max] соблюдаются всегда. Во время shutdown потолок
// урезается до shutdownCeiling
func dynamicFillTimeout(cfg config.ExecutionConfig, sameSideDepthUSD, tradeSizeUSD float64, volatility string, shuttingDown bool) time.Duration {
	base := float64(cfg.FillTimeoutBase)

	depthRatio := math.Inf(1)
	if tradeSizeUSD > 0 {
		depthRatio = sameSideDepthUSD / tradeSizeUSD
	}

	var timeout float64
	switch {
	case depthRatio >= 2.0:
		timeout = base * 0.5
	case depthRatio >= 1.0:
		timeout = base
	default:
		timeout = base * (2 - depthRatio)
	}

	switch volatility {
	case VolatilityHigh:
		timeout *= 1.2
	case VolatilityLow:
		timeout *= 0.9
	}

	if timeout < float64(cfg.FillTimeoutMin) {
		timeout = float64(cfg.FillTimeoutMin)
	}
	if timeout > float64(cfg.FillTimeoutMax) {
		timeout = float64(cfg.FillTimeoutMax)
	}

	if shuttingDown && timeout > float64(cfg.ShutdownFillCeiling) {
		timeout = float64(cfg.ShutdownFillCeiling)
	}

	return time.Duration(timeout)
}

// ghostPollDelays задержки опроса позиции при поиске ghost fill после
// подтверждённой отмены: старт 0.3s, +0.05s за попытку, потолок 1.0s
func ghostPollDelay(attempt int) time.Duration {
	delay := 300*time.Millisecond + time.Duration(attempt)*50*time.Millisecond
	if delay > time.Second {
		delay = time.Second
	}
	return delay
}

const ghostPollMaxAttempts = 20
