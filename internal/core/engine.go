package core

import (
	"context"
	"fmt"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine validates and commits position operations. It holds no position
// state of its own: balances live in the ledger, history in the sink.
type Engine struct {
	params      state.Params
	oracle      oracle.Adapter
	ledger      *ledger.Ledger
	sink        event.Sink
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *observability.Metrics
	idempotency *IdempotencyChecker
}

// Result is returned by every successful mutation.
type Result struct {
	Collateral int64
	Debt       int64
	Ratio      int64
	HasRatio   bool
	Sequence   int64
}

// View is a read-only position summary with its derived status.
type View struct {
	Account    ledger.Account
	Collateral int64
	Debt       int64
	Ratio      int64
	HasRatio   bool
	Status     state.PositionStatus
	Price      int64
	PriceAsOf  time.Time
}

// Seizure describes one committed liquidation.
type Seizure struct {
	LiquidationID string
	Liquidator    ledger.Account
	Price         int64
	RatioBefore   int64
	Seized        int64
	DebtCovered   int64
	PenalizedDebt int64
	Shortfall     int64
	// BadDebt is the part of Shortfall owed on principal, excluding penalty.
	BadDebt  int64
	Position ledger.Position

	Sequence          int64
	ShortfallSequence int64
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithIdempotency(ic *IdempotencyChecker) Option {
	return func(e *Engine) { e.idempotency = ic }
}

func NewEngine(params state.Params, o oracle.Adapter, l *ledger.Ledger, sink event.Sink, opts ...Option) (*Engine, error) {
	if err := state.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if o == nil || l == nil || sink == nil {
		return nil, fmt.Errorf("engine requires oracle, ledger and sink")
	}

	e := &Engine{
		params: params,
		oracle: o,
		ledger: l,
		sink:   sink,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Params() state.Params {
	return e.params
}

// Deposit adds collateral. It never needs the oracle.
func (e *Engine) Deposit(ctx context.Context, account ledger.Account, amount int64) (Result, error) {
	return e.mutate(ctx, event.KindDeposited, account, amount, func(pos ledger.Position) (int64, int64, *oracle.Reading, error) {
		return amount, 0, nil, nil
	})
}

// Mint issues EUSD debt against the position's collateral.
func (e *Engine) Mint(ctx context.Context, account ledger.Account, amount int64) (Result, error) {
	return e.mutate(ctx, event.KindMinted, account, amount, func(pos ledger.Position) (int64, int64, *oracle.Reading, error) {
		reading, err := e.readFresh(ctx)
		if err != nil {
			return 0, 0, nil, err
		}

		newDebt := pos.Debt + amount
		if newDebt < pos.Debt {
			return 0, 0, nil, ErrInvalidAmount
		}
		ratio := fpmath.ComputeCollateralRatio(pos.Collateral, reading.Price, newDebt)
		if ratio < e.params.MinCollateralRatio {
			return 0, 0, nil, fmt.Errorf("%w: ratio %d below minimum %d",
				ErrInsufficientCollateral, ratio, e.params.MinCollateralRatio)
		}
		return 0, amount, &reading, nil
	})
}

// Burn repays debt. It never needs the oracle.
func (e *Engine) Burn(ctx context.Context, account ledger.Account, amount int64) (Result, error) {
	return e.mutate(ctx, event.KindBurned, account, amount, func(pos ledger.Position) (int64, int64, *oracle.Reading, error) {
		if amount > pos.Debt {
			return 0, 0, nil, fmt.Errorf("%w: burn %d, debt %d", ErrExcessBurn, amount, pos.Debt)
		}
		return 0, -amount, nil, nil
	})
}

// Withdraw removes collateral. A fresh reading is always required, even for
// debt-free positions.
func (e *Engine) Withdraw(ctx context.Context, account ledger.Account, amount int64) (Result, error) {
	return e.mutate(ctx, event.KindWithdrawn, account, amount, func(pos ledger.Position) (int64, int64, *oracle.Reading, error) {
		if amount > pos.Collateral {
			return 0, 0, nil, fmt.Errorf("%w: withdraw %d, collateral %d", ErrInvalidAmount, amount, pos.Collateral)
		}
		reading, err := e.readFresh(ctx)
		if err != nil {
			return 0, 0, nil, err
		}
		if pos.Debt > 0 {
			ratio := fpmath.ComputeCollateralRatio(pos.Collateral-amount, reading.Price, pos.Debt)
			if ratio < e.params.MinCollateralRatio {
				return 0, 0, nil, fmt.Errorf("%w: ratio %d below minimum %d",
					ErrInsufficientCollateral, ratio, e.params.MinCollateralRatio)
			}
		}
		return -amount, 0, &reading, nil
	})
}

// Ratio returns the current collateral ratio. ok is false for debt-free
// positions, which need no reading.
func (e *Engine) Ratio(ctx context.Context, account ledger.Account) (int64, bool, error) {
	pos := e.ledger.Get(account)
	if pos.Debt == 0 {
		return 0, false, nil
	}
	reading, err := e.readFresh(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("ratio %s: %w", account, err)
	}
	return fpmath.ComputeCollateralRatio(pos.Collateral, reading.Price, pos.Debt), true, nil
}

// Position returns balances with the ratio and status at the current price.
// On oracle failure the view still carries balances alongside the error.
func (e *Engine) Position(ctx context.Context, account ledger.Account) (View, error) {
	pos := e.ledger.Get(account)
	view := View{
		Account:    account,
		Collateral: pos.Collateral,
		Debt:       pos.Debt,
		Status:     state.StatusHealthy,
	}

	reading, err := e.readFresh(ctx)
	if err != nil {
		if pos.Debt == 0 {
			return view, nil
		}
		return view, fmt.Errorf("position %s: %w", account, err)
	}

	view.Price = reading.Price
	view.PriceAsOf = reading.AsOf
	if pos.Debt > 0 {
		view.Ratio = fpmath.ComputeCollateralRatio(pos.Collateral, reading.Price, pos.Debt)
		view.HasRatio = true
	}
	view.Status = state.ComputeStatus(pos.Collateral, pos.Debt, reading.Price, e.params.LiquidationThresholdRatio)
	return view, nil
}

// Seize liquidates an under-collateralized position on behalf of liquidator.
// Status is re-derived under the account lock from a fresh reading.
func (e *Engine) Seize(ctx context.Context, account, liquidator ledger.Account) (Seizure, error) {
	start := e.now()
	if account.IsZero() || liquidator.IsZero() {
		err := fmt.Errorf("liquidate: %w", ErrInvalidAccount)
		e.observe("liquidate", start, err)
		return Seizure{}, err
	}

	unlock := e.ledger.Lock(account)
	defer unlock()

	pos := e.ledger.Get(account)
	reading, err := e.readFresh(ctx)
	if err != nil {
		err = fmt.Errorf("liquidate %s: %w", account, err)
		e.observe("liquidate", start, err)
		return Seizure{}, err
	}

	if state.ComputeStatus(pos.Collateral, pos.Debt, reading.Price, e.params.LiquidationThresholdRatio) != state.StatusLiquidatable {
		err := fmt.Errorf("liquidate %s: %w", account, ErrNotLiquidatable)
		e.observe("liquidate", start, err)
		return Seizure{}, err
	}

	penalty := e.params.LiquidationPenalty
	s := Seizure{
		LiquidationID: uuid.NewString(),
		Liquidator:    liquidator,
		Price:         reading.Price,
		RatioBefore:   fpmath.ComputeCollateralRatio(pos.Collateral, reading.Price, pos.Debt),
		DebtCovered:   pos.Debt,
		PenalizedDebt: fpmath.ComputePenalizedDebt(pos.Debt, penalty),
	}

	target := fpmath.ComputeSeizeQuantity(pos.Debt, penalty, reading.Price)
	s.Seized = target
	if target > pos.Collateral {
		s.Seized = pos.Collateral
		value := fpmath.ComputeCollateralValue(pos.Collateral, reading.Price)
		s.Shortfall = max(s.PenalizedDebt-value, 0)
		s.BadDebt = max(pos.Debt-value, 0)
	}

	after, err := e.ledger.Apply(account, -s.Seized, -pos.Debt)
	if err != nil {
		err = fmt.Errorf("liquidate %s: apply: %w", account, err)
		e.observe("liquidate", start, err)
		return Seizure{}, err
	}
	s.Position = after

	ts := e.now()
	liquidated := e.sink.Append(event.Event{
		Kind:            event.KindLiquidated,
		Account:         account,
		CollateralDelta: -s.Seized,
		DebtDelta:       -pos.Debt,
		Collateral:      after.Collateral,
		Debt:            after.Debt,
		Price:           reading.Price,
		Liquidator:      liquidator,
		Seized:          s.Seized,
		DebtCovered:     s.DebtCovered,
		Shortfall:       s.Shortfall,
		LiquidationID:   s.LiquidationID,
		Timestamp:       ts,
	})
	s.Sequence = liquidated.Sequence

	if s.Shortfall > 0 {
		shortfall := e.sink.Append(event.Event{
			Kind:          event.KindUnderwaterShortfall,
			Account:       account,
			Collateral:    after.Collateral,
			Debt:          after.Debt,
			Price:         reading.Price,
			Liquidator:    liquidator,
			Shortfall:     s.Shortfall,
			LiquidationID: s.LiquidationID,
			Timestamp:     ts,
		})
		s.ShortfallSequence = shortfall.Sequence
	}

	e.logger.Warn().
		Str("account", string(account)).
		Str("liquidator", string(liquidator)).
		Str("liquidation_id", s.LiquidationID).
		Int64("seized", s.Seized).
		Int64("debt_covered", s.DebtCovered).
		Int64("shortfall", s.Shortfall).
		Int64("bad_debt", s.BadDebt).
		Int64("price", reading.Price).
		Int64("sequence", s.Sequence).
		Msg("position liquidated")

	e.observe("liquidate", start, nil)
	e.recordSequence(s.Sequence, s.ShortfallSequence)
	return s, nil
}

// planFunc validates an operation against the locked position and returns
// the deltas to apply plus the reading it was checked against, if any.
type planFunc func(pos ledger.Position) (dCollateral, dDebt int64, reading *oracle.Reading, err error)

func (e *Engine) mutate(ctx context.Context, kind event.Kind, account ledger.Account, amount int64, plan planFunc) (Result, error) {
	start := e.now()
	op := opName(kind)

	if account.IsZero() {
		err := fmt.Errorf("%s: %w", op, ErrInvalidAccount)
		e.reject(op, account, amount, start, err)
		return Result{}, err
	}
	if amount <= 0 {
		err := fmt.Errorf("%s %s: %w: %d", op, account, ErrInvalidAmount, amount)
		e.reject(op, account, amount, start, err)
		return Result{}, err
	}

	unlock := e.ledger.Lock(account)
	defer unlock()

	var idemKey string
	if key := idempotencyKeyFrom(ctx); key != "" && e.idempotency != nil {
		idemKey = compositeKey(kind, account, key)
		if res, tier, ok := e.idempotency.Lookup(ctx, idemKey); ok {
			if e.metrics != nil {
				e.metrics.IdempotentReplays.WithLabelValues(tier).Inc()
			}
			e.logger.Debug().Str("op", op).Str("account", string(account)).Str("tier", tier).Msg("idempotent replay")
			return res, nil
		}
	}

	pos := e.ledger.Get(account)
	dC, dD, reading, err := plan(pos)
	if err != nil {
		err = fmt.Errorf("%s %s: %w", op, account, err)
		e.reject(op, account, amount, start, err)
		return Result{}, err
	}

	after, err := e.ledger.Apply(account, dC, dD)
	if err != nil {
		err = fmt.Errorf("%s %s: apply: %w", op, account, err)
		e.reject(op, account, amount, start, err)
		return Result{}, err
	}

	// Deposits and burns report the ratio opportunistically.
	if reading == nil && after.Debt > 0 {
		if r, rerr := e.readFresh(ctx); rerr == nil {
			reading = &r
		}
	}

	res := Result{Collateral: after.Collateral, Debt: after.Debt}
	var price int64
	if reading != nil {
		price = reading.Price
		if after.Debt > 0 {
			res.Ratio = fpmath.ComputeCollateralRatio(after.Collateral, reading.Price, after.Debt)
			res.HasRatio = true
		}
	}

	ev := e.sink.Append(event.Event{
		Kind:            kind,
		Account:         account,
		IdempotencyKey:  idemKey,
		CollateralDelta: dC,
		DebtDelta:       dD,
		Collateral:      after.Collateral,
		Debt:            after.Debt,
		Ratio:           res.Ratio,
		HasRatio:        res.HasRatio,
		Price:           price,
		Timestamp:       e.now(),
	})
	res.Sequence = ev.Sequence

	if idemKey != "" {
		e.idempotency.Record(idemKey, res)
	}

	e.logger.Info().
		Str("op", op).
		Str("account", string(account)).
		Int64("amount", amount).
		Int64("collateral", after.Collateral).
		Int64("debt", after.Debt).
		Int64("sequence", ev.Sequence).
		Msg("position updated")

	e.observe(op, start, nil)
	e.recordSequence(ev.Sequence, 0)
	return res, nil
}

func (e *Engine) readFresh(ctx context.Context) (oracle.Reading, error) {
	now := e.now()
	reading, err := oracle.ReadFresh(ctx, e.oracle, now, e.params.MaxOracleAge)
	if e.metrics != nil {
		e.metrics.OracleReads.WithLabelValues(ErrorCode(err)).Inc()
		if reading.Price > 0 {
			e.metrics.OraclePrice.Set(float64(reading.Price) / float64(fpmath.PriceConfig.Scale))
			e.metrics.OracleAge.Set(reading.Age(now).Seconds())
		}
	}
	return reading, err
}

func (e *Engine) reject(op string, account ledger.Account, amount int64, start time.Time, err error) {
	e.logger.Debug().
		Err(err).
		Str("op", op).
		Str("account", string(account)).
		Int64("amount", amount).
		Msg("operation rejected")
	e.observe(op, start, err)
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.EngineOps.WithLabelValues(op, ErrorCode(err)).Inc()
	e.metrics.EngineOpDuration.WithLabelValues(op).Observe(e.now().Sub(start).Seconds())
}

func (e *Engine) recordSequence(seqs ...int64) {
	if e.metrics == nil {
		return
	}
	var last int64
	for _, s := range seqs {
		if s > last {
			last = s
		}
	}
	e.metrics.EventSequence.Set(float64(last))
	e.metrics.OpenPositions.Set(float64(e.ledger.Len()))
}

func opName(kind event.Kind) string {
	switch kind {
	case event.KindDeposited:
		return "deposit"
	case event.KindMinted:
		return "mint"
	case event.KindBurned:
		return "burn"
	case event.KindWithdrawn:
		return "withdraw"
	case event.KindLiquidated:
		return "liquidate"
	default:
		return "unknown"
	}
}
