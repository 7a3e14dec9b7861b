// Package retry - повторные попытки с экспоненциальным backoff
// для вызовов биржевых API.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config параметры повторных попыток.
//
// Задержка перед попыткой n: min(InitialDelay * Multiplier^n, MaxDelay),
// плюс-минус jitter. Jitter разводит по времени клиентов, проснувшихся
// одновременно после сбоя биржи
type Config struct {
	// MaxRetries всего попыток, включая первую. <= 0 - без ограничения
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier рост задержки, по умолчанию 2.0
	Multiplier float64

	// JitterFactor доля случайного разброса задержки, 0..1
	JitterFactor float64

	// RetryIf nil = повторять любую ошибку
	RetryIf func(error) bool

	// OnRetry вызывается перед каждой повторной попыткой
	OnRetry func(attempt int, err error, delay time.Duration)
}

func (c *Config) validate() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

func (c *Config) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.JitterFactor > 0 {
		d += d * c.JitterFactor * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do выполняет operation до первого успеха, исчерпания попыток или
// отмены контекста. Возвращается последняя ошибка операции; если
// контекст отменился раньше первой попытки - ошибка контекста
func Do(ctx context.Context, operation func() error, cfg Config) error {
	cfg.validate()

	var lastErr error
	for attempt := 0; cfg.MaxRetries <= 0 || attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if cfg.MaxRetries > 0 && attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.delay(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// RetryIfNotContext не повторяет отменённые и просроченные контексты:
// такие ошибки означают, что результата уже никто не ждёт
func RetryIfNotContext(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
