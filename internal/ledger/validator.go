package ledger

import "fmt"

// ValidatePosition checks position invariants (collateral >= 0, debt >= 0).
func ValidatePosition(pos Position) error {
	if pos.Account.IsZero() {
		return fmt.Errorf("empty account key")
	}
	if pos.Collateral < 0 {
		return fmt.Errorf("%w: collateral %d", ErrNegativeBalance, pos.Collateral)
	}
	if pos.Debt < 0 {
		return fmt.Errorf("%w: debt %d", ErrNegativeBalance, pos.Debt)
	}
	return nil
}

// ValidateAll verifies every stored position. Intended for startup checks
// after a restore.
func (l *Ledger) ValidateAll() error {
	for _, pos := range l.Snapshot() {
		if err := ValidatePosition(pos); err != nil {
			return fmt.Errorf("position %s: %w", pos.Account, err)
		}
	}
	return nil
}
