package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/projection"
)

// Service serves read-only queries. History comes from the Postgres
// projection, topped up with in-memory events the projection has not
// reached yet. Without a database it reads the in-memory log alone.
type Service struct {
	db     *sql.DB
	log    *event.Log
	ledger *ledger.Ledger
}

func NewService(db *sql.DB, log *event.Log, l *ledger.Ledger) *Service {
	return &Service{db: db, log: log, ledger: l}
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// History returns up to limit entries for account with sequence < before
// (no bound when before is 0), newest first.
func (s *Service) History(ctx context.Context, account ledger.Account, limit int, before int64) (*HistoryPage, error) {
	limit = ClampLimit(limit)
	page := &HistoryPage{AsOfSequence: s.log.Latest().Sequence}

	watermark := int64(0)
	if s.db != nil {
		wm, err := projection.LoadWatermark(ctx, s.db)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		watermark = wm
	}

	for _, ev := range s.log.ForAccount(account, limit, before) {
		if ev.Sequence <= watermark {
			break
		}
		page.Entries = append(page.Entries, FromEvent(ev))
	}

	if s.db != nil && len(page.Entries) < limit {
		bound := before
		if n := len(page.Entries); n > 0 {
			bound = page.Entries[n-1].Sequence
		}
		rows, err := s.projectedHistory(ctx, account, limit-len(page.Entries), bound)
		if err != nil {
			return nil, err
		}
		page.Entries = append(page.Entries, rows...)
	}

	if n := len(page.Entries); n == limit {
		page.NextBefore = page.Entries[n-1].Sequence
	}
	return page, nil
}

func (s *Service) projectedHistory(ctx context.Context, account ledger.Account, limit int, before int64) ([]HistoryEntry, error) {
	query := `
		SELECT sequence, account, kind, amount, collateral, debt, price,
		       liquidation_id, status, occurred_at
		FROM projections.history
		WHERE account = $1
	`
	args := []interface{}{string(account)}
	argIdx := 2

	if before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			h     HistoryEntry
			liqID sql.NullString
		)
		if err := rows.Scan(
			&h.Sequence, &h.Account, &h.Kind, &h.Amount, &h.Collateral, &h.Debt, &h.Price,
			&liqID, &h.Status, &h.OccurredAt,
		); err != nil {
			return nil, err
		}
		h.LiquidationID = liqID.String
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

// ProjectedPosition returns the projection row for account. found is false
// when the account has never been projected or no database is configured.
func (s *Service) ProjectedPosition(ctx context.Context, account ledger.Account) (ProjectedPosition, bool, error) {
	if s.db == nil {
		return ProjectedPosition{}, false, nil
	}

	var p ProjectedPosition
	err := s.db.QueryRowContext(ctx, `
		SELECT account, collateral, debt, liquidations, last_sequence, updated_at
		FROM projections.positions
		WHERE account = $1
	`, string(account)).Scan(&p.Account, &p.Collateral, &p.Debt, &p.Liquidations, &p.LastSequence, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectedPosition{}, false, nil
	}
	if err != nil {
		return ProjectedPosition{}, false, err
	}
	return p, true, nil
}

// Summary aggregates the live ledger.
func (s *Service) Summary() Summary {
	collateral, debt := s.ledger.ComputeTotals()
	return Summary{
		Positions:       s.ledger.Len(),
		TotalCollateral: collateral,
		TotalDebt:       debt,
		AsOfSequence:    s.log.Latest().Sequence,
	}
}

// FromEvent converts a log event into a history entry.
func FromEvent(ev event.Event) HistoryEntry {
	return HistoryEntry{
		Sequence:      ev.Sequence,
		Account:       string(ev.Account),
		Kind:          ev.Kind.String(),
		Amount:        ev.Amount(),
		Collateral:    ev.Collateral,
		Debt:          ev.Debt,
		Price:         ev.Price,
		LiquidationID: ev.LiquidationID,
		Status:        projection.StatusCompleted,
		OccurredAt:    ev.Timestamp,
	}
}
