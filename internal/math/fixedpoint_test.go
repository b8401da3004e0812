package math_test

import (
	fpmath "EUSDEngine/internal/math"
	"testing"
)

const unit = 100_000_000 // 1.0 at amount/price scale

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 10, 10, 4, fpmath.RoundDown, 25},
		{"down truncates", 10, 1, 3, fpmath.RoundDown, 3},
		{"up bumps remainder", 10, 1, 3, fpmath.RoundUp, 4},
		{"up exact stays", 9, 1, 3, fpmath.RoundUp, 3},
		{"half even rounds to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds up odd", 7, 1, 2, fpmath.RoundHalfEven, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fpmath.MulDiv(tt.a, tt.b, tt.c, tt.mode); got != tt.want {
				t.Errorf("MulDiv(%d, %d, %d) = %d, want %d", tt.a, tt.b, tt.c, got, tt.want)
			}
		})
	}
}

func TestMulDiv_SaturatesOnOverflow(t *testing.T) {
	got := fpmath.MulDiv(1<<62, 1<<62, 1, fpmath.RoundDown)
	if got != 1<<63-1 {
		t.Errorf("expected saturation at MaxInt64, got %d", got)
	}
}

func TestComputeCollateralRatio_Exact150(t *testing.T) {
	// 150 ETH at 1.0 against 100 EUSD is exactly 150%
	ratio := fpmath.ComputeCollateralRatio(150*unit, unit, 100*unit)
	if ratio != 1_500_000 {
		t.Errorf("ratio: got %d, want 1_500_000", ratio)
	}
}

func TestComputeCollateralRatio_RoundsDown(t *testing.T) {
	// 150 / 100.01 = 1.49985001... -> 1_499_850 at ratio scale
	ratio := fpmath.ComputeCollateralRatio(150*unit, unit, 100*unit+1_000_000)
	if ratio != 1_499_850 {
		t.Errorf("ratio: got %d, want 1_499_850", ratio)
	}
}

func TestComputeCollateralRatio_ZeroDebt(t *testing.T) {
	if got := fpmath.ComputeCollateralRatio(unit, unit, 0); got != 1<<63-1 {
		t.Errorf("zero debt should yield MaxInt64, got %d", got)
	}
}

func TestComputeCollateralValue(t *testing.T) {
	// 2.5 ETH at 1800.00 = 4500 EUSD
	value := fpmath.ComputeCollateralValue(250_000_000, 1800*unit)
	if value != 4500*unit {
		t.Errorf("value: got %d, want %d", value, int64(4500*unit))
	}
}

func TestComputeSeizeQuantity_RoundsUp(t *testing.T) {
	// debt 100, penalty 10%, price 3.0 -> 110 / 3 = 36.666666666... -> rounds up
	qty := fpmath.ComputeSeizeQuantity(100*unit, 100_000, 3*unit)
	if qty != 3_666_666_667 {
		t.Errorf("seize qty: got %d, want 3_666_666_667", qty)
	}
}

func TestComputePenalizedDebt(t *testing.T) {
	if got := fpmath.ComputePenalizedDebt(100*unit, 100_000); got != 110*unit {
		t.Errorf("penalized debt: got %d, want %d", got, int64(110*unit))
	}
}

func TestParseDecimal(t *testing.T) {
	got, err := fpmath.ParseDecimal("100.01", fpmath.AmountConfig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 10_001_000_000 {
		t.Errorf("got %d, want 10_001_000_000", got)
	}

	if _, err := fpmath.ParseDecimal("0.000000001", fpmath.AmountConfig); err == nil {
		t.Error("expected error for excess fractional digits")
	}
	if _, err := fpmath.ParseDecimal("abc", fpmath.AmountConfig); err == nil {
		t.Error("expected error for non-numeric input")
	}
	if _, err := fpmath.ParseDecimal("100000000000000", fpmath.AmountConfig); err == nil {
		t.Error("expected error for out of range input")
	}
}

func TestFormatDecimal(t *testing.T) {
	if got := fpmath.FormatDecimal(150*unit, fpmath.AmountConfig); got != "150" {
		t.Errorf("got %q, want %q", got, "150")
	}
	if got := fpmath.FormatDecimal(1_500_000, fpmath.RatioConfig); got != "1.5" {
		t.Errorf("got %q, want %q", got, "1.5")
	}
}
