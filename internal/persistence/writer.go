package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

var eventColumns = []string{
	"sequence", "kind", "account", "idempotency_key",
	"collateral_delta", "debt_delta", "collateral", "debt", "ratio", "price",
	"liquidator", "seized", "debt_covered", "shortfall", "liquidation_id",
	"timestamp", "prev_hash", "hash",
}

var eventColumnList = strings.Join(eventColumns, ", ")

// EventLogWriter writes events to event_log.events using multi-row INSERT.
// Writes are idempotent on sequence so redelivered batches are harmless.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// BuildInsert returns the multi-row INSERT statement and its arguments.
func BuildInsert(events []event.Event) (string, []interface{}) {
	n := len(eventColumns)
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*n)

	for i, ev := range events {
		ph := make([]string, n)
		for c := 0; c < n; c++ {
			ph[c] = fmt.Sprintf("$%d", i*n+c+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
		args = append(args, eventArgs(ev)...)
	}

	query := "INSERT INTO event_log.events (" + eventColumnList + ") VALUES " +
		strings.Join(values, ", ") +
		" ON CONFLICT (sequence) DO NOTHING"
	return query, args
}

// WriteEventBatch writes events through tx (or the pool when tx is nil).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		tx = w.db
	}
	query, args := BuildInsert(events)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func eventArgs(ev event.Event) []interface{} {
	var ratio sql.NullInt64
	if ev.HasRatio {
		ratio = sql.NullInt64{Int64: ev.Ratio, Valid: true}
	}
	return []interface{}{
		ev.Sequence, ev.Kind.String(), string(ev.Account), nullString(ev.IdempotencyKey),
		ev.CollateralDelta, ev.DebtDelta, ev.Collateral, ev.Debt, ratio, ev.Price,
		nullString(string(ev.Liquidator)), ev.Seized, ev.DebtCovered, ev.Shortfall, nullString(ev.LiquidationID),
		ev.Timestamp.UTC(), ev.PrevHash[:], ev.Hash[:],
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		ev                         event.Event
		kind, account              string
		idemKey, liquidator, liqID sql.NullString
		ratio                      sql.NullInt64
		prevHash, hash             []byte
	)
	if err := row.Scan(
		&ev.Sequence, &kind, &account, &idemKey,
		&ev.CollateralDelta, &ev.DebtDelta, &ev.Collateral, &ev.Debt, &ratio, &ev.Price,
		&liquidator, &ev.Seized, &ev.DebtCovered, &ev.Shortfall, &liqID,
		&ev.Timestamp, &prevHash, &hash,
	); err != nil {
		return event.Event{}, err
	}

	ev.Kind = event.ParseKind(kind)
	ev.Account = ledger.Account(account)
	ev.IdempotencyKey = idemKey.String
	ev.Liquidator = ledger.Account(liquidator.String)
	ev.LiquidationID = liqID.String
	if ratio.Valid {
		ev.Ratio, ev.HasRatio = ratio.Int64, true
	}
	if len(prevHash) != 32 || len(hash) != 32 {
		return event.Event{}, fmt.Errorf("event %d: malformed hash", ev.Sequence)
	}
	copy(ev.PrevHash[:], prevHash)
	copy(ev.Hash[:], hash)
	return ev, nil
}
