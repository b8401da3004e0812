package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/observability"

	"github.com/rs/zerolog"
)

const (
	WorkerID = "main"

	// StatusCompleted is the status of every history row: only committed
	// operations reach the event log.
	StatusCompleted = "completed"
)

// EventSource loads persisted events by sequence.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, after int64, limit int) ([]event.Event, error)
}

// PositionRow is the latest known state of one account.
type PositionRow struct {
	Account      string
	Collateral   int64
	Debt         int64
	Ratio        sql.NullInt64
	Price        int64
	Liquidations int // liquidations in this batch, added to the stored count
	LastSequence int64
	UpdatedAt    time.Time
}

// HistoryRow is one user-facing transaction record.
type HistoryRow struct {
	Sequence      int64
	Account       string
	Kind          string
	Amount        int64
	Collateral    int64
	Debt          int64
	Price         int64
	LiquidationID sql.NullString
	Status        string
	OccurredAt    time.Time
}

// BuildUpdates folds a batch of events into position upserts (one per
// account, in first-seen order) and history inserts (one per event).
func BuildUpdates(events []event.Event) ([]PositionRow, []HistoryRow) {
	index := make(map[string]int)
	positions := make([]PositionRow, 0)
	history := make([]HistoryRow, 0, len(events))

	for _, ev := range events {
		account := string(ev.Account)
		history = append(history, HistoryRow{
			Sequence:      ev.Sequence,
			Account:       account,
			Kind:          ev.Kind.String(),
			Amount:        ev.Amount(),
			Collateral:    ev.Collateral,
			Debt:          ev.Debt,
			Price:         ev.Price,
			LiquidationID: sql.NullString{String: ev.LiquidationID, Valid: ev.LiquidationID != ""},
			Status:        StatusCompleted,
			OccurredAt:    ev.Timestamp,
		})

		if ev.Kind == event.KindUnderwaterShortfall {
			continue
		}

		i, ok := index[account]
		if !ok {
			i = len(positions)
			index[account] = i
			positions = append(positions, PositionRow{Account: account})
		}
		row := &positions[i]
		row.Collateral = ev.Collateral
		row.Debt = ev.Debt
		row.Ratio = sql.NullInt64{Int64: ev.Ratio, Valid: ev.HasRatio}
		if ev.Price > 0 {
			row.Price = ev.Price
		}
		if ev.Kind == event.KindLiquidated {
			row.Liquidations++
		}
		row.LastSequence = ev.Sequence
		row.UpdatedAt = ev.Timestamp
	}
	return positions, history
}

// ProjectionWorker updates projection tables from the persisted event log.
// It tracks its progress in projections.watermark, so it resumes where it
// stopped and can be rebuilt from scratch at any time.
type ProjectionWorker struct {
	db        *sql.DB
	source    EventSource
	interval  time.Duration
	batchSize int
	mu        sync.Mutex // serializes CatchUp and Rebuild
	lastSeq   atomic.Int64
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewProjectionWorker(
	db *sql.DB,
	source EventSource,
	interval time.Duration,
	batchSize int,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProjectionWorker {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &ProjectionWorker{
		db:        db,
		source:    source,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// LastSequence returns the last projected sequence.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run polls for new events until ctx is cancelled. Projections are
// eventually consistent; a failed batch is retried on the next tick.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq.Store(seq)
	pw.logger.Info().Int64("watermark", seq).Msg("projection worker started")

	ticker := time.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				n, err := pw.CatchUp(ctx)
				if err != nil {
					if ctx.Err() == nil {
						pw.logger.Warn().Err(err).Int64("watermark", pw.lastSeq.Load()).Msg("projection update failed")
					}
					break
				}
				if n < pw.batchSize {
					break
				}
			}
		}
	}
}

// CatchUp projects one batch past the watermark and returns its size.
func (pw *ProjectionWorker) CatchUp(ctx context.Context) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	events, err := pw.source.LoadEventsFrom(ctx, pw.lastSeq.Load(), pw.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := applyTx(ctx, tx, events); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	last := events[len(events)-1].Sequence
	pw.lastSeq.Store(last)
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("positions").Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.Set(float64(last))
	}
	return len(events), nil
}

// Rebuild clears every projection table and replays the whole persisted
// event log into them inside one transaction. Readers see either the old
// projections or the complete new ones. It returns the number of events
// replayed and the new watermark.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) (int, int64, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	start := time.Now()
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.positions, projections.history`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + WorkerID + `'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	var replayed int
	var last int64
	for {
		events, err := pw.source.LoadEventsFrom(ctx, last, pw.batchSize)
		if err != nil {
			return 0, 0, fmt.Errorf("load events after %d: %w", last, err)
		}
		if len(events) == 0 {
			break
		}
		if err := applyTx(ctx, tx, events); err != nil {
			return 0, 0, err
		}
		replayed += len(events)
		last = events[len(events)-1].Sequence
		if len(events) < pw.batchSize {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	pw.lastSeq.Store(last)
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("rebuild").Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.Set(float64(last))
	}

	pw.logger.Info().
		Int("events", replayed).
		Int64("watermark", last).
		Dur("took", time.Since(start)).
		Msg("projections rebuilt")
	return replayed, last, nil
}

// applyTx writes one batch of projections and advances the watermark to its
// last sequence.
func applyTx(ctx context.Context, tx *sql.Tx, events []event.Event) error {
	positions, history := BuildUpdates(events)

	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.positions
				(account, collateral, debt, last_ratio, last_price, liquidations, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account) DO UPDATE SET
				collateral    = EXCLUDED.collateral,
				debt          = EXCLUDED.debt,
				last_ratio    = EXCLUDED.last_ratio,
				last_price    = CASE WHEN EXCLUDED.last_price > 0 THEN EXCLUDED.last_price ELSE projections.positions.last_price END,
				liquidations  = projections.positions.liquidations + EXCLUDED.liquidations,
				last_sequence = EXCLUDED.last_sequence,
				updated_at    = EXCLUDED.updated_at
			WHERE projections.positions.last_sequence < EXCLUDED.last_sequence
		`, p.Account, p.Collateral, p.Debt, p.Ratio, p.Price, p.Liquidations, p.LastSequence, p.UpdatedAt); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, h := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.history
				(sequence, account, kind, amount, collateral, debt, price, liquidation_id, status, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (sequence) DO NOTHING
		`, h.Sequence, h.Account, h.Kind, h.Amount, h.Collateral, h.Debt, h.Price, h.LiquidationID, h.Status, h.OccurredAt); err != nil {
			return fmt.Errorf("history projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, events[len(events)-1].Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// LoadWatermark returns the last projected sequence, 0 when none.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, WorkerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
