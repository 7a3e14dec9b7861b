package engine

import (
	"math"
	"testing"
)

func TestAlignSize(t *testing.T) {
	tests := []struct {
		name      string
		targetUSD float64
		price     float64
		lotA      float64
		lotB      float64
		wantCoins float64
	}{
		{
			name:      "btc with mismatched lot sizes",
			targetUSD: 1000,
			price:     50000,
			lotA:      0.0001,
			lotB:      0.001,
			wantCoins: 0.02,
		},
		{
			name:      "rounds down to coarser step",
			targetUSD: 1234,
			price:     50000,
			lotA:      0.0001,
			lotB:      0.001,
			wantCoins: 0.024, // raw 0.02468 floored to 0.001
		},
		{
			name:      "equal lot sizes",
			targetUSD: 100,
			price:     2000,
			lotA:      0.01,
			lotB:      0.01,
			wantCoins: 0.05,
		},
		{
			name:      "target below one lot yields zero",
			targetUSD: 10,
			price:     50000,
			lotA:      0.001,
			lotB:      0.001,
			wantCoins: 0,
		},
		{
			name:      "tiny price does not lose precision",
			targetUSD: 1000,
			price:     0.00001234,
			lotA:      1,
			lotB:      10,
			wantCoins: 81037270, // floor(81037277.14/10)*10
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AlignSize(tt.targetUSD, tt.price, tt.lotA, tt.lotB)
			if err != nil {
				t.Fatalf("AlignSize() error = %v", err)
			}
			if math.Abs(got.Coins-tt.wantCoins) > 1e-12 {
				t.Errorf("Coins = %.12g, want %.12g", got.Coins, tt.wantCoins)
			}
			if got.Coins > 0 {
				wantUSD := tt.wantCoins * tt.price
				if math.Abs(got.AlignedUSD-wantUSD)/wantUSD > 1e-9 {
					t.Errorf("AlignedUSD = %.12g, want %.12g", got.AlignedUSD, wantUSD)
				}
				if got.AlignedUSD > tt.targetUSD+1e-9 {
					t.Errorf("AlignedUSD %.12g exceeds target %.12g", got.AlignedUSD, tt.targetUSD)
				}
			}
		})
	}
}

func TestAlignSizeNeverExceedsTarget(t *testing.T) {
	cases := []struct {
		targetUSD, price, lotA, lotB float64
	}{
		{1000, 50000, 0.0001, 0.001},
		{500, 3123.45, 0.01, 0.001},
		{99.99, 0.08765, 1, 10},
		{1_000_000, 50000.5, 0.001, 0.0001},
	}
	for _, c := range cases {
		got, err := AlignSize(c.targetUSD, c.price, c.lotA, c.lotB)
		if err != nil {
			t.Fatalf("AlignSize(%v): %v", c, err)
		}
		if got.AlignedUSD > c.targetUSD*(1+1e-12) {
			t.Errorf("AlignSize(%v): aligned notional %.12g exceeds target", c, got.AlignedUSD)
		}
		step := math.Max(c.lotA, c.lotB)
		ratio := got.Coins / step
		if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
			t.Errorf("AlignSize(%v): coins %.12g not a multiple of step %.12g", c, got.Coins, step)
		}
	}
}

func TestAlignSizeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name                         string
		targetUSD, price, lotA, lotB float64
	}{
		{"zero target", 0, 50000, 0.001, 0.001},
		{"negative target", -100, 50000, 0.001, 0.001},
		{"zero price", 1000, 0, 0.001, 0.001},
		{"zero lot", 1000, 50000, 0, 0.001},
		{"negative lot", 1000, 50000, 0.001, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AlignSize(tt.targetUSD, tt.price, tt.lotA, tt.lotB); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
