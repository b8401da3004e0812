package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the event log by cursor and batch-writes to
// Postgres. It never drops events: a failed batch is retried with
// exponential backoff from the same cursor.
type PersistenceWorker struct {
	writer       *EventLogWriter
	db           *sql.DB
	log          event.Reader
	cursor       int64
	persisted    atomic.Int64
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewPersistenceWorker(
	db *sql.DB,
	log event.Reader,
	cursor int64,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	pw := &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		db:           db,
		log:          log,
		cursor:       cursor,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
	pw.persisted.Store(cursor)
	return pw
}

// Persisted returns the last sequence committed to Postgres.
func (pw *PersistenceWorker) Persisted() int64 {
	return pw.persisted.Load()
}

// Run persists events until ctx is cancelled. On shutdown it flushes what
// is already in the log with a fresh context.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pw.logger.Info().Int64("cursor", pw.cursor).Int("batch_size", pw.batchSize).Msg("persistence worker started")

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		notify := pw.log.Notify()

		events, err := pw.log.ReadFrom(pw.cursor, pw.batchSize)
		if err != nil {
			// A compacted range can only be behind the persisted cursor,
			// which compaction never passes.
			return fmt.Errorf("persistence read at %d: %w", pw.cursor, err)
		}

		if len(events) > 0 {
			if err := pw.flushWithRetry(ctx, events); err != nil {
				return err
			}
			if len(events) == pw.batchSize {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return pw.drain()
		case <-notify:
			// Give concurrent writers a moment to fill the batch.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(pw.flushTimeout)
			select {
			case <-ctx.Done():
				return pw.drain()
			case <-timer.C:
			}
		}
	}
}

func (pw *PersistenceWorker) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		events, err := pw.log.ReadFrom(pw.cursor, pw.batchSize)
		if err != nil || len(events) == 0 {
			return err
		}
		if err := pw.flush(ctx, events); err != nil {
			pw.logger.Error().Err(err).Int64("cursor", pw.cursor).Msg("final flush failed")
			return err
		}
	}
}

// flushWithRetry retries indefinitely until the write succeeds or the
// context is cancelled, in which case one final attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []event.Event) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			continue
		}
		pw.logger.Error().Err(err).Int64("from", events[0].Sequence).Msg("persistence flush failed")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []event.Event) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := events[len(events)-1].Sequence
	pw.cursor = last
	pw.persisted.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistLastSequence.Set(float64(last))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
