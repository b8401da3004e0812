package ledger

import "strings"

// Account is the opaque key identifying a position owner.
type Account string

// String implements fmt.Stringer
func (a Account) String() string {
	return string(a)
}

// IsZero reports whether the account key is empty.
func (a Account) IsZero() bool {
	return strings.TrimSpace(string(a)) == ""
}

// Position is one account's collateral and debt pair.
type Position struct {
	Account    Account
	Collateral int64 // Fixed-point: ETH * 1e8
	Debt       int64 // Fixed-point: EUSD * 1e8
	Version    int64 // Incremented on every applied mutation
}

// IsClosed returns true when both collateral and debt are zero.
func (p Position) IsClosed() bool {
	return p.Collateral == 0 && p.Debt == 0
}
