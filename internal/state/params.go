package state

import (
	"fmt"
	"time"

	fpmath "EUSDEngine/internal/math"
)

// Params defines the collateral policy of one engine instance.
// Ratios and fractions use ratio scale (decimal_precision=6, 1_000_000 = 100%).
type Params struct {
	MinCollateralRatio        int64         // Required after every mint/withdraw
	LiquidationThresholdRatio int64         // Below this a position is liquidatable
	LiquidationPenalty        int64         // Extra collateral seized on liquidation
	MaxOracleAge              time.Duration // Freshness bound for price readings
}

// DefaultParams mirrors a standard over-collateralized stablecoin: 150% to
// mint, liquidation below 120%, 10% penalty, 5 minute oracle freshness.
var DefaultParams = Params{
	MinCollateralRatio:        1_500_000,
	LiquidationThresholdRatio: 1_200_000,
	LiquidationPenalty:        100_000,
	MaxOracleAge:              5 * time.Minute,
}

// ValidateParams checks that parameters are within valid ranges:
// 100% < threshold <= mcr, 0 <= penalty < 100%, max_oracle_age > 0.
func ValidateParams(p Params) error {
	scale := fpmath.RatioConfig.Scale

	if p.LiquidationThresholdRatio <= scale {
		return fmt.Errorf("liquidation_threshold_ratio must be > %d, got %d", scale, p.LiquidationThresholdRatio)
	}
	if p.MinCollateralRatio < p.LiquidationThresholdRatio {
		return fmt.Errorf("min_collateral_ratio (%d) must be >= liquidation_threshold_ratio (%d)",
			p.MinCollateralRatio, p.LiquidationThresholdRatio)
	}
	if p.LiquidationPenalty < 0 || p.LiquidationPenalty >= scale {
		return fmt.Errorf("liquidation_penalty must be in [0, %d), got %d", scale, p.LiquidationPenalty)
	}
	if p.MaxOracleAge <= 0 {
		return fmt.Errorf("max_oracle_age must be > 0, got %s", p.MaxOracleAge)
	}
	return nil
}
