package utils

import (
	"math"
	"testing"
)

func TestRoundToLotSize(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		lotSize  float64
		expected float64
	}{
		{"rounds down", 0.123456, 0.001, 0.123},
		{"already aligned", 0.02, 0.001, 0.02},
		{"rounds down not up", 1.999, 0.01, 1.99},
		{"whole lot", 100.5, 1.0, 100.0},
		{"zero lot size returns value", 0.5, 0, 0.5},
		{"negative lot size returns value", 0.5, -1, 0.5},
		{"value smaller than lot", 0.0005, 0.001, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundToLotSize(tt.value, tt.lotSize)
			if math.Abs(got-tt.expected) > 1e-12 {
				t.Errorf("RoundToLotSize(%v, %v) = %v, want %v", tt.value, tt.lotSize, got, tt.expected)
			}
		})
	}
}

func TestApproxZero(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		tolerance float64
		expected  bool
	}{
		{"exact zero", 0, 1e-8, true},
		{"below tolerance", 5e-9, 1e-8, true},
		{"negative below tolerance", -5e-9, 1e-8, true},
		{"at tolerance", 1e-8, 1e-8, true},
		{"above tolerance", 2e-8, 1e-8, false},
		{"dust below reconciler threshold", 5e-5, 1e-4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApproxZero(tt.value, tt.tolerance); got != tt.expected {
				t.Errorf("ApproxZero(%v, %v) = %v, want %v", tt.value, tt.tolerance, got, tt.expected)
			}
		})
	}
}

func TestSpreadPct(t *testing.T) {
	tests := []struct {
		name     string
		priceA   float64
		priceB   float64
		expected float64
	}{
		{"symmetric around 50000", 49995, 50005, 0.02},
		{"equal prices", 50000, 50000, 0},
		{"zero price", 0, 50000, 0},
		{"order independent", 50005, 49995, 0.02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SpreadPct(tt.priceA, tt.priceB)
			if math.Abs(got-tt.expected) > 1e-9 {
				t.Errorf("SpreadPct(%v, %v) = %v, want %v", tt.priceA, tt.priceB, got, tt.expected)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 1, 10); got != 5 {
		t.Errorf("expected 5, got %v", got)
	}
	if got := Clamp(-1, 1, 10); got != 1 {
		t.Errorf("expected 1, got %v", got)
	}
	if got := Clamp(15, 1, 10); got != 10 {
		t.Errorf("expected 10, got %v", got)
	}
}
