package liquidation

import (
	"context"
	"fmt"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/ledger"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/state"

	"github.com/rs/zerolog"
)

// Outcome is the result of one committed liquidation.
type Outcome struct {
	LiquidationID string
	Account       ledger.Account
	Liquidator    ledger.Account
	Price         int64
	RatioBefore   int64
	Seized        int64
	DebtCovered   int64
	Shortfall     int64
	BadDebt       int64

	// Split of Shortfall between the backstop fund and bad debt.
	BackstopCovered int64
	Uncovered       int64

	Position ledger.Position
	Sequence int64
}

// Module liquidates positions through the engine and accounts for
// shortfalls against the backstop fund.
type Module struct {
	engine   *core.Engine
	backstop *state.BackstopFund
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewModule(engine *core.Engine, backstop *state.BackstopFund, logger zerolog.Logger, metrics *observability.Metrics) *Module {
	if backstop == nil {
		backstop = state.NewBackstopFund(0)
	}
	return &Module{
		engine:   engine,
		backstop: backstop,
		logger:   logger,
		metrics:  metrics,
	}
}

// Liquidate seizes collateral from account if it is liquidatable at a fresh
// price. Healthy positions fail with core.ErrNotLiquidatable and are left
// untouched.
func (m *Module) Liquidate(ctx context.Context, account, liquidator ledger.Account) (Outcome, error) {
	s, err := m.engine.Seize(ctx, account, liquidator)
	if err != nil {
		if m.metrics != nil {
			m.metrics.LiquidationsTotal.WithLabelValues(core.ErrorCode(err)).Inc()
		}
		return Outcome{}, fmt.Errorf("liquidation: %w", err)
	}

	out := Outcome{
		LiquidationID: s.LiquidationID,
		Account:       account,
		Liquidator:    liquidator,
		Price:         s.Price,
		RatioBefore:   s.RatioBefore,
		Seized:        s.Seized,
		DebtCovered:   s.DebtCovered,
		Shortfall:     s.Shortfall,
		BadDebt:       s.BadDebt,
		Position:      s.Position,
		Sequence:      s.Sequence,
	}

	if s.Shortfall > 0 {
		out.BackstopCovered, out.Uncovered = m.backstop.Absorb(s.Shortfall)
		m.logger.Warn().
			Str("account", string(account)).
			Str("liquidation_id", s.LiquidationID).
			Int64("shortfall", s.Shortfall).
			Int64("bad_debt", s.BadDebt).
			Int64("backstop_covered", out.BackstopCovered).
			Int64("uncovered", out.Uncovered).
			Int64("backstop_balance", m.backstop.Balance()).
			Msg("underwater shortfall")
	}

	if m.metrics != nil {
		m.metrics.LiquidationsTotal.WithLabelValues("ok").Inc()
		m.metrics.LiquidationSeized.Add(float64(s.Seized) / float64(fpmath.AmountConfig.Scale))
		if s.Shortfall > 0 {
			m.metrics.ShortfallTotal.Add(float64(s.Shortfall) / float64(fpmath.AmountConfig.Scale))
			m.metrics.ShortfallUncovered.Add(float64(out.Uncovered) / float64(fpmath.AmountConfig.Scale))
		}
		m.metrics.BackstopBalance.Set(float64(m.backstop.Balance()) / float64(fpmath.AmountConfig.Scale))
	}

	return out, nil
}

// Backstop exposes the fund for reporting.
func (m *Module) Backstop() *state.BackstopFund {
	return m.backstop
}
