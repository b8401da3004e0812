package state

import "sync"

// BackstopFund tracks losses absorbed when a liquidation cannot recover the
// full penalized debt. The fund balance is configured by the operator; the
// tracker records how much of each shortfall it covered and what remained
// uncovered (bad debt).
type BackstopFund struct {
	mu        sync.Mutex
	balance   int64
	covered   int64
	uncovered int64
}

func NewBackstopFund(balance int64) *BackstopFund {
	return &BackstopFund{balance: balance}
}

// ComputeCoverage returns how much of a deficit a fund balance can cover.
// If the fund is insufficient, returns the partial amount and the remaining deficit.
func ComputeCoverage(fundBalance int64, deficit int64) (covered int64, remaining int64) {
	if fundBalance >= deficit {
		return deficit, 0
	}
	return fundBalance, deficit - fundBalance
}

// Absorb draws a shortfall from the fund and returns the covered and
// uncovered parts.
func (f *BackstopFund) Absorb(shortfall int64) (covered int64, remaining int64) {
	if shortfall <= 0 {
		return 0, 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	covered, remaining = ComputeCoverage(f.balance, shortfall)
	f.balance -= covered
	f.covered += covered
	f.uncovered += remaining
	return covered, remaining
}

// Balance returns the remaining fund balance.
func (f *BackstopFund) Balance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// Totals returns the cumulative covered and uncovered shortfall.
func (f *BackstopFund) Totals() (covered int64, uncovered int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.covered, f.uncovered
}
