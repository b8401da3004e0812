package liquidation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/ledger"

	"github.com/rs/zerolog"
)

// ExecutorStats counts executor outcomes.
type ExecutorStats struct {
	Liquidated int64
	Recovered  int64
	Failed     int64
}

// Executor drains scanner candidates with a fixed pool of workers and
// liquidates them on behalf of the keeper account. Per-account ordering is
// guaranteed by the engine's account lock, not by the pool.
type Executor struct {
	module  *Module
	scanner *Scanner
	keeper  ledger.Account
	workers int
	logger  zerolog.Logger

	liquidated atomic.Int64
	recovered  atomic.Int64
	failed     atomic.Int64
}

func NewExecutor(module *Module, scanner *Scanner, keeper ledger.Account, workers int, logger zerolog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	return &Executor{
		module:  module,
		scanner: scanner,
		keeper:  keeper,
		workers: workers,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled and all workers have exited.
func (e *Executor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx)
		}()
	}

	e.logger.Info().Int("workers", e.workers).Str("keeper", string(e.keeper)).Msg("liquidation executor started")
	wg.Wait()
	e.logger.Info().Msg("liquidation executor stopped")
	return nil
}

func (e *Executor) work(ctx context.Context) {
	candidates := e.scanner.Candidates()
	for {
		select {
		case <-ctx.Done():
			return
		case account := <-candidates:
			e.Execute(ctx, account)
		}
	}
}

// Execute liquidates one candidate. A candidate that recovered between scan
// and execution counts as recovered, not as a failure.
func (e *Executor) Execute(ctx context.Context, account ledger.Account) {
	defer e.scanner.Done(account)

	out, err := e.module.Liquidate(ctx, account, e.keeper)
	switch {
	case err == nil:
		e.liquidated.Add(1)
		e.logger.Debug().
			Str("account", string(account)).
			Str("liquidation_id", out.LiquidationID).
			Msg("candidate liquidated")
	case errors.Is(err, core.ErrNotLiquidatable):
		e.recovered.Add(1)
		e.logger.Debug().Str("account", string(account)).Msg("candidate recovered before execution")
	default:
		e.failed.Add(1)
		e.logger.Error().Err(err).Str("account", string(account)).Msg("liquidation failed")
	}
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Liquidated: e.liquidated.Load(),
		Recovered:  e.recovered.Load(),
		Failed:     e.failed.Load(),
	}
}
