package state_test

import (
	"EUSDEngine/internal/state"
	"testing"
	"time"
)

const unit = 100_000_000

func TestValidateParams_Defaults(t *testing.T) {
	if err := state.ValidateParams(state.DefaultParams); err != nil {
		t.Fatalf("default params should be valid: %v", err)
	}
}

func TestValidateParams_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *state.Params)
	}{
		{"threshold at 100%", func(p *state.Params) { p.LiquidationThresholdRatio = 1_000_000 }},
		{"mcr below threshold", func(p *state.Params) { p.MinCollateralRatio = 1_100_000 }},
		{"negative penalty", func(p *state.Params) { p.LiquidationPenalty = -1 }},
		{"penalty at 100%", func(p *state.Params) { p.LiquidationPenalty = 1_000_000 }},
		{"zero oracle age", func(p *state.Params) { p.MaxOracleAge = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := state.DefaultParams
			tt.mutate(&p)
			if err := state.ValidateParams(p); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidateParams_ThresholdEqualsMCR(t *testing.T) {
	p := state.Params{
		MinCollateralRatio:        1_300_000,
		LiquidationThresholdRatio: 1_300_000,
		MaxOracleAge:              time.Minute,
	}
	if err := state.ValidateParams(p); err != nil {
		t.Errorf("threshold == mcr should be allowed: %v", err)
	}
}

func TestComputeStatus(t *testing.T) {
	threshold := int64(1_200_000)

	if s := state.ComputeStatus(100*unit, 0, unit, threshold); s != state.StatusHealthy {
		t.Errorf("debt-free: got %s, want Healthy", s)
	}
	// 110%
	if s := state.ComputeStatus(100*unit, 100*unit, 110_000_000, threshold); s != state.StatusLiquidatable {
		t.Errorf("110%%: got %s, want Liquidatable", s)
	}
	// exactly 120% is not below threshold
	if s := state.ComputeStatus(120*unit, 100*unit, unit, threshold); s != state.StatusHealthy {
		t.Errorf("120%%: got %s, want Healthy", s)
	}
}

func TestPositionStatus_String(t *testing.T) {
	if state.StatusLiquidatable.String() != "Liquidatable" {
		t.Errorf("unexpected string: %s", state.StatusLiquidatable)
	}
	if state.PositionStatus(42).String() != "Unknown" {
		t.Errorf("unexpected string for unknown status")
	}
}

func TestBackstopFund_Absorb(t *testing.T) {
	fund := state.NewBackstopFund(10 * unit)

	covered, remaining := fund.Absorb(4 * unit)
	if covered != 4*unit || remaining != 0 {
		t.Fatalf("first absorb: covered=%d remaining=%d", covered, remaining)
	}

	covered, remaining = fund.Absorb(10 * unit)
	if covered != 6*unit || remaining != 4*unit {
		t.Fatalf("second absorb: covered=%d remaining=%d", covered, remaining)
	}

	if fund.Balance() != 0 {
		t.Errorf("balance: got %d, want 0", fund.Balance())
	}

	totalCovered, totalUncovered := fund.Totals()
	if totalCovered != 10*unit || totalUncovered != 4*unit {
		t.Errorf("totals: covered=%d uncovered=%d", totalCovered, totalUncovered)
	}
}

func TestBackstopFund_IgnoresNonPositive(t *testing.T) {
	fund := state.NewBackstopFund(unit)
	if c, r := fund.Absorb(0); c != 0 || r != 0 {
		t.Errorf("zero shortfall should be a no-op, got %d/%d", c, r)
	}
}
