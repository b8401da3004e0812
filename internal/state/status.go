package state

import fpmath "EUSDEngine/internal/math"

// PositionStatus represents a position's liquidation eligibility.
// It is derived from one oracle reading and never stored.
type PositionStatus int

const (
	StatusHealthy PositionStatus = iota
	StatusLiquidatable
)

func (s PositionStatus) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// ComputeStatus returns the status of a position at price.
// Debt-free positions are always healthy.
func ComputeStatus(collateral, debt, price, thresholdRatio int64) PositionStatus {
	if debt == 0 {
		return StatusHealthy
	}
	if fpmath.ComputeCollateralRatio(collateral, price, debt) < thresholdRatio {
		return StatusLiquidatable
	}
	return StatusHealthy
}
