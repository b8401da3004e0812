// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // 0.00000001 ETH / EUSD
	PriceConfig  = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000} // EUSD per ETH
	RatioConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}   // 1_000_000 = 100%
)

const maxInt64 = 1<<63 - 1

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

// MulDiv computes a * b / c for non-negative operands without intermediate
// overflow. The result saturates at MaxInt64. c must be positive.
func MulDiv(a, b, c int64, mode RoundingMode) int64 {
	num := getInt128()
	num.Mul(big.NewInt(a), big.NewInt(b))
	result := divide(num, big.NewInt(c), mode)
	putInt128(num)
	return result
}

// divide performs numerator / denominator with rounding, saturating at MaxInt64.
func divide(numerator, denominator *big.Int, roundingMode RoundingMode) int64 {
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.QuoRem(numerator, denominator, remainder)

	if remainder.Sign() != 0 {
		switch roundingMode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			// Compare 2*remainder against the denominator
			twice := new(big.Int).Lsh(remainder, 1)
			cmp := twice.Cmp(denominator)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return maxInt64
	}
	return quotient.Int64()
}

// ComputeCollateralValue returns floor(collateral * price / priceScale), the
// EUSD value of a collateral quantity.
func ComputeCollateralValue(collateral, price int64) int64 {
	return MulDiv(collateral, price, PriceConfig.Scale, RoundDown)
}

// ComputeCollateralRatio returns value(collateral) / debt at ratio scale,
// rounded down. A zero debt yields MaxInt64 (ratio undefined / infinite).
func ComputeCollateralRatio(collateral, price, debt int64) int64 {
	if debt <= 0 {
		return maxInt64
	}

	// ratio = collateral * price * ratioScale / (priceScale * debt)
	num := getInt128()
	num.Mul(big.NewInt(collateral), big.NewInt(price))
	num.Mul(num, big.NewInt(RatioConfig.Scale))

	den := getInt128()
	den.Mul(big.NewInt(PriceConfig.Scale), big.NewInt(debt))

	result := divide(num, den, RoundDown)

	putInt128(num)
	putInt128(den)

	return result
}

// ComputePenalizedDebt returns ceil(debt * (1 + penalty)) where penalty is
// a fraction at ratio scale.
func ComputePenalizedDebt(debt, penalty int64) int64 {
	return MulDiv(debt, RatioConfig.Scale+penalty, RatioConfig.Scale, RoundUp)
}

// ComputeSeizeQuantity returns the collateral quantity worth
// debt * (1 + penalty) at price, rounded up. Callers cap it at the
// available collateral.
func ComputeSeizeQuantity(debt, penalty, price int64) int64 {
	// qty = debt * (ratioScale + penalty) * priceScale / (ratioScale * price)
	num := getInt128()
	num.Mul(big.NewInt(debt), big.NewInt(RatioConfig.Scale+penalty))
	num.Mul(num, big.NewInt(PriceConfig.Scale))

	den := getInt128()
	den.Mul(big.NewInt(RatioConfig.Scale), big.NewInt(price))

	result := divide(num, den, RoundUp)

	putInt128(num)
	putInt128(den)

	return result
}

// ParseDecimal converts a decimal string ("1.5") into a fixed-point integer
// at cfg's precision. Inputs with more fractional digits than the precision
// allows, or that do not fit in int64, are rejected.
func ParseDecimal(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}

	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("decimal %q exceeds %d fractional digits", s, cfg.DecimalPrecision)
	}

	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("decimal %q out of range", s)
	}
	return bi.Int64(), nil
}

// FormatDecimal renders a fixed-point integer as a decimal string without
// trailing zeros.
func FormatDecimal(v int64, cfg DecimalConfig) string {
	return decimal.New(v, -int32(cfg.DecimalPrecision)).String()
}
