package query

import "time"

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryEntry is one row of an account's transaction history.
type HistoryEntry struct {
	Sequence      int64     `json:"sequence"`
	Account       string    `json:"account"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Collateral    int64     `json:"collateral"`
	Debt          int64     `json:"debt"`
	Price         int64     `json:"price"`
	LiquidationID string    `json:"liquidation_id,omitempty"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// HistoryPage is a newest-first page of history. NextBefore is the cursor
// for the following page, 0 when there is none.
type HistoryPage struct {
	Entries      []HistoryEntry `json:"entries"`
	NextBefore   int64          `json:"next_before,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// Summary aggregates the live ledger.
type Summary struct {
	Positions       int   `json:"positions"`
	TotalCollateral int64 `json:"total_collateral"`
	TotalDebt       int64 `json:"total_debt"`
	AsOfSequence    int64 `json:"as_of_sequence"`
}

// ProjectedPosition is the projection row of one account.
type ProjectedPosition struct {
	Account      string    `json:"account"`
	Collateral   int64     `json:"collateral"`
	Debt         int64     `json:"debt"`
	Liquidations int       `json:"liquidations"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}
