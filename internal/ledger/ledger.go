package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNegativeBalance is returned when a mutation would leave collateral or
// debt below zero (or overflow). The position is left untouched.
var ErrNegativeBalance = errors.New("ledger: negative or overflowing balance")

// Ledger stores every account's position. It owns all Position records and
// does not check collateralization; callers serialize per-account
// read-modify-write sequences with Lock.
type Ledger struct {
	mu        sync.RWMutex
	positions map[Account]*Position
	locks     *accountLocks
}

func NewLedger() *Ledger {
	return &Ledger{
		positions: make(map[Account]*Position),
		locks:     newAccountLocks(),
	}
}

// Lock acquires the per-account mutex and returns its release function.
// Operations on different accounts never contend on it.
func (l *Ledger) Lock(account Account) func() {
	return l.locks.lock(account)
}

// Get returns a copy of the account's position, zeroed if absent.
func (l *Ledger) Get(account Account) Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if pos, ok := l.positions[account]; ok {
		return *pos
	}
	return Position{Account: account}
}

// Apply atomically adds the deltas to both fields and returns the new state.
// It never partially applies: if either resulting field would be negative,
// nothing changes and ErrNegativeBalance is returned.
func (l *Ledger) Apply(account Account, deltaCollateral, deltaDebt int64) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := Position{Account: account}
	if pos, ok := l.positions[account]; ok {
		current = *pos
	}

	collateral, ok := addChecked(current.Collateral, deltaCollateral)
	if !ok || collateral < 0 {
		return current, fmt.Errorf("%w: collateral %d%+d for %s", ErrNegativeBalance, current.Collateral, deltaCollateral, account)
	}
	debt, ok := addChecked(current.Debt, deltaDebt)
	if !ok || debt < 0 {
		return current, fmt.Errorf("%w: debt %d%+d for %s", ErrNegativeBalance, current.Debt, deltaDebt, account)
	}

	next := Position{
		Account:    account,
		Collateral: collateral,
		Debt:       debt,
		Version:    current.Version + 1,
	}

	if next.IsClosed() {
		delete(l.positions, account)
	} else {
		l.positions[account] = &next
	}

	return next, nil
}

// Snapshot returns a consistent copy of all open positions sorted by account.
func (l *Ledger) Snapshot() []Position {
	l.mu.RLock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Account < out[j].Account
	})
	return out
}

// Restore replaces the ledger contents with the given positions.
// Used on startup before any operation runs.
func (l *Ledger) Restore(positions []Position) error {
	restored := make(map[Account]*Position, len(positions))
	for i := range positions {
		pos := positions[i]
		if err := ValidatePosition(pos); err != nil {
			return fmt.Errorf("restore %s: %w", pos.Account, err)
		}
		if pos.IsClosed() {
			continue
		}
		restored[pos.Account] = &pos
	}

	l.mu.Lock()
	l.positions = restored
	l.mu.Unlock()
	return nil
}

// Len returns the number of open positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// ComputeTotals returns the sum of collateral and debt across all positions.
func (l *Ledger) ComputeTotals() (collateral int64, debt int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, pos := range l.positions {
		collateral += pos.Collateral
		debt += pos.Debt
	}
	return collateral, debt
}

func addChecked(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
