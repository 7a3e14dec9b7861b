package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AlignedSize результат выравнивания размера под обе биржи
type AlignedSize struct {
	Coins      float64 // объём в монетах, кратный большему из lot size
	AlignedUSD float64 // обратно посчитанный номинал coins * referencePrice
	LotStep    float64 // шаг, по которому выравнивали (max двух lot size)
}

// AlignSize приводит целевой номинал USD к объёму в монетах, торгуемому
// на обеих биржах.
//
// coins = floor((targetUsd / referencePrice) / step) * step,
// где step = max(lotSizeA, lotSizeB). Округление всегда к нулю: никогда
// не превышаем запрошенный номинал. Вся арифметика в decimal.
func AlignSize(targetUSD, referencePrice, lotSizeA, lotSizeB float64) (*AlignedSize, error) {
	if targetUSD <= 0 {
		return nil, fmt.Errorf("target notional must be positive, got %v", targetUSD)
	}
	if referencePrice <= 0 {
		return nil, fmt.Errorf("reference price must be positive, got %v", referencePrice)
	}
	if lotSizeA <= 0 || lotSizeB <= 0 {
		return nil, fmt.Errorf("lot sizes must be positive, got %v and %v", lotSizeA, lotSizeB)
	}

	target := decimal.NewFromFloat(targetUSD)
	price := decimal.NewFromFloat(referencePrice)

	step := decimal.NewFromFloat(lotSizeA)
	if stepB := decimal.NewFromFloat(lotSizeB); stepB.GreaterThan(step) {
		step = stepB
	}

	// DivisionPrecision по умолчанию 16; для выравнивания нужно >= 18
	rawCoins := target.DivRound(price, 24)
	coins := rawCoins.Div(step).Floor().Mul(step)

	alignedUSD := coins.Mul(price)

	coinsF, _ := coins.Float64()
	alignedF, _ := alignedUSD.Float64()
	stepF, _ := step.Float64()

	return &AlignedSize{
		Coins:      coinsF,
		AlignedUSD: alignedF,
		LotStep:    stepF,
	}, nil
}
