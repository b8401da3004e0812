package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/ledger"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/state"

	"github.com/rs/zerolog"
)

// Candidate is a position found liquidatable by a scan.
type Candidate struct {
	Account    ledger.Account
	Collateral int64
	Debt       int64
	Ratio      int64
}

// ScanResult is the outcome of the most recent scan cycle.
type ScanResult struct {
	At         time.Time
	Price      int64
	Scanned    int
	Candidates []Candidate
	Err        error
}

// Scanner periodically evaluates a ledger snapshot against one oracle
// reading and queues liquidatable accounts for the executors. It never
// mutates positions; executors re-validate before seizing.
type Scanner struct {
	ledger   *ledger.Ledger
	oracle   oracle.Adapter
	params   state.Params
	interval time.Duration
	now      func() time.Time

	candidates chan ledger.Account

	mu     sync.Mutex
	queued map[ledger.Account]struct{}
	last   ScanResult

	logger  zerolog.Logger
	metrics *observability.Metrics
}

type ScannerConfig struct {
	Interval  time.Duration
	QueueSize int
	Now       func() time.Time
}

func NewScanner(l *ledger.Ledger, o oracle.Adapter, params state.Params, cfg ScannerConfig, logger zerolog.Logger, metrics *observability.Metrics) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scanner{
		ledger:     l,
		oracle:     o,
		params:     params,
		interval:   cfg.Interval,
		now:        cfg.Now,
		candidates: make(chan ledger.Account, cfg.QueueSize),
		queued:     make(map[ledger.Account]struct{}),
		logger:     logger,
		metrics:    metrics,
	}
}

// Candidates is the queue drained by executors.
func (s *Scanner) Candidates() <-chan ledger.Account {
	return s.candidates
}

// Run scans every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("liquidation scanner started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("liquidation scanner stopped")
			return nil
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle performs one scan and enqueues new candidates. A stale or
// unavailable oracle skips the cycle.
func (s *Scanner) RunCycle(ctx context.Context) ScanResult {
	start := s.now()
	result := ScanResult{At: start}

	reading, err := oracle.ReadFresh(ctx, s.oracle, start, s.params.MaxOracleAge)
	if err != nil {
		result.Err = err
		s.logger.Warn().Err(err).Msg("scan skipped: oracle not fresh")
		s.finish(result, core.ErrorCode(err))
		return result
	}
	result.Price = reading.Price

	positions := s.ledger.Snapshot()
	result.Scanned = len(positions)
	result.Candidates = Evaluate(positions, reading.Price, s.params.LiquidationThresholdRatio)

	enqueued := 0
	for _, c := range result.Candidates {
		if s.enqueue(c.Account) {
			enqueued++
		}
	}

	if len(result.Candidates) > 0 {
		s.logger.Info().
			Int("scanned", result.Scanned).
			Int("liquidatable", len(result.Candidates)).
			Int("enqueued", enqueued).
			Int64("price", reading.Price).
			Msg("scan cycle complete")
	}

	if s.metrics != nil {
		s.metrics.ScannerCandidates.Set(float64(len(result.Candidates)))
		s.metrics.ScannerDuration.Observe(s.now().Sub(start).Seconds())
	}
	s.finish(result, "ok")
	return result
}

// Evaluate returns the liquidatable positions at price, lowest ratio first.
func Evaluate(positions []ledger.Position, price, thresholdRatio int64) []Candidate {
	var out []Candidate
	for _, p := range positions {
		if state.ComputeStatus(p.Collateral, p.Debt, price, thresholdRatio) != state.StatusLiquidatable {
			continue
		}
		out = append(out, Candidate{
			Account:    p.Account,
			Collateral: p.Collateral,
			Debt:       p.Debt,
			Ratio:      fpmath.ComputeCollateralRatio(p.Collateral, price, p.Debt),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ratio < out[j].Ratio })
	return out
}

// enqueue pushes account unless it is already queued or the queue is full.
func (s *Scanner) enqueue(account ledger.Account) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queued[account]; ok {
		return false
	}
	select {
	case s.candidates <- account:
		s.queued[account] = struct{}{}
		if s.metrics != nil {
			s.metrics.CandidateQueueDepth.Set(float64(len(s.candidates)))
		}
		return true
	default:
		s.logger.Warn().Str("account", string(account)).Msg("candidate queue full")
		return false
	}
}

// Done releases account so later scans may queue it again.
func (s *Scanner) Done(account ledger.Account) {
	s.mu.Lock()
	delete(s.queued, account)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.CandidateQueueDepth.Set(float64(len(s.candidates)))
	}
}

// Last returns the result of the most recent cycle.
func (s *Scanner) Last() ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scanner) finish(result ScanResult, label string) {
	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ScannerCycles.WithLabelValues(label).Inc()
	}
}
