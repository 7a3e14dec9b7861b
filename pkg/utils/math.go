package utils

import (
	"math"
)

// math.go - математические утилиты торгового ядра
//
// Все функции чистые, без побочных эффектов.

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Округление вниз гарантирует, что объём не превысит запрошенный
// номинал или доступные средства.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// ApproxZero true если |value| не превышает tolerance.
//
// Используется для трактовки биржевых остатков: позиция меньше ε
// считается отсутствующей.
func ApproxZero(value, tolerance float64) bool {
	return math.Abs(value) <= tolerance
}

// ApproxEqual true если a и b совпадают в пределах tolerance
func ApproxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// SpreadPct спред между ценами двух ног в процентах от их середины.
//
// Формула:
//
//	spread (%) = |priceA - priceB| / ((priceA + priceB) / 2) × 100
//
// Возвращает 0 если какая-либо цена не положительна.
func SpreadPct(priceA, priceB float64) float64 {
	if priceA <= 0 || priceB <= 0 {
		return 0
	}
	mid := (priceA + priceB) / 2
	return math.Abs(priceA-priceB) / mid * 100
}

// Clamp ограничивает value диапазоном [min, max]
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
