package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const snapshotFormatVersion = 1

// replayPageSize bounds how many events are loaded per query during replay.
const replayPageSize = 10_000

// SnapshotManager builds snapshots by replaying the persisted event log and
// recovers engine state on startup. Snapshots are derived from persisted
// events only, so a snapshot at sequence N always equals the state after
// applying events 1..N.
type SnapshotManager struct {
	db      *sql.DB
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// SnapshotData is the serialized state at a sequence.
type SnapshotData struct {
	Sequence       int64              `json:"sequence"`
	Hash           string             `json:"hash"` // hex chain tip at Sequence
	Positions      []PositionSnapshot `json:"positions"`
	ShortfallTotal int64              `json:"shortfall_total"`
	CreatedAt      time.Time          `json:"created_at"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	Account    string `json:"account"`
	Collateral int64  `json:"collateral"`
	Debt       int64  `json:"debt"`
	Version    int64  `json:"version"`
}

// ReplayState accumulates positions while events are applied in order.
type ReplayState struct {
	Sequence       int64
	Hash           [32]byte
	Positions      map[ledger.Account]ledger.Position
	ShortfallTotal int64
}

// RecoveredState is what startup needs to resume: the ledger contents, the
// chain tip and the most recent persisted events for consumers and
// idempotency warming.
type RecoveredState struct {
	Positions      []ledger.Position
	Tip            event.Tip
	Tail           []event.Event
	ShortfallTotal int64
	Replayed       int
}

func NewSnapshotManager(db *sql.DB, logger zerolog.Logger, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, logger: logger, metrics: metrics}
}

// NewReplayState returns the state before the first event.
func NewReplayState() *ReplayState {
	return &ReplayState{
		Hash:      event.GenesisHash(),
		Positions: make(map[ledger.Account]ledger.Position),
	}
}

// ReplayStateFromSnapshot rebuilds a replay state from snapshot data.
func ReplayStateFromSnapshot(snap *SnapshotData) (*ReplayState, error) {
	rs := NewReplayState()
	if snap == nil {
		return rs, nil
	}
	raw, err := hex.DecodeString(snap.Hash)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("snapshot %d: malformed hash", snap.Sequence)
	}
	rs.Sequence = snap.Sequence
	copy(rs.Hash[:], raw)
	rs.ShortfallTotal = snap.ShortfallTotal
	for _, p := range snap.Positions {
		pos := ledger.Position{
			Account:    ledger.Account(p.Account),
			Collateral: p.Collateral,
			Debt:       p.Debt,
			Version:    p.Version,
		}
		if err := ledger.ValidatePosition(pos); err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
		}
		rs.Positions[pos.Account] = pos
	}
	return rs, nil
}

// ReplayEvents applies events to rs in order. Each event must follow the
// previous sequence, link to the chain tip and leave the position with the
// balances it recorded.
func ReplayEvents(rs *ReplayState, events []event.Event) error {
	for _, ev := range events {
		if ev.Sequence != rs.Sequence+1 {
			return fmt.Errorf("replay: expected sequence %d, got %d", rs.Sequence+1, ev.Sequence)
		}
		if ev.PrevHash != rs.Hash || event.ComputeHash(rs.Hash, ev) != ev.Hash {
			return fmt.Errorf("replay: hash chain broken at sequence %d", ev.Sequence)
		}

		if ev.Kind == event.KindUnderwaterShortfall {
			rs.ShortfallTotal += ev.Shortfall
		}

		if ev.CollateralDelta != 0 || ev.DebtDelta != 0 {
			pos := rs.Positions[ev.Account]
			pos.Account = ev.Account
			pos.Collateral += ev.CollateralDelta
			pos.Debt += ev.DebtDelta
			pos.Version++

			if pos.Collateral != ev.Collateral || pos.Debt != ev.Debt {
				return fmt.Errorf("replay: sequence %d for %s: balances (%d, %d) differ from recorded (%d, %d)",
					ev.Sequence, ev.Account, pos.Collateral, pos.Debt, ev.Collateral, ev.Debt)
			}
			if err := ledger.ValidatePosition(pos); err != nil {
				return fmt.Errorf("replay: sequence %d: %w", ev.Sequence, err)
			}

			if pos.IsClosed() {
				delete(rs.Positions, ev.Account)
			} else {
				rs.Positions[ev.Account] = pos
			}
		}

		rs.Sequence = ev.Sequence
		rs.Hash = ev.Hash
	}
	return nil
}

// ToSnapshot serializes rs with positions in account order.
func (rs *ReplayState) ToSnapshot(now time.Time) *SnapshotData {
	snap := &SnapshotData{
		Sequence:       rs.Sequence,
		Hash:           hex.EncodeToString(rs.Hash[:]),
		ShortfallTotal: rs.ShortfallTotal,
		CreatedAt:      now.UTC(),
	}
	for _, p := range rs.SortedPositions() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Account:    string(p.Account),
			Collateral: p.Collateral,
			Debt:       p.Debt,
			Version:    p.Version,
		})
	}
	return snap
}

// SortedPositions returns the open positions ordered by account.
func (rs *ReplayState) SortedPositions() []ledger.Position {
	positions := make([]ledger.Position, 0, len(rs.Positions))
	for _, p := range rs.Positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Account < positions[j].Account
	})
	return positions
}

// SaveSnapshot persists a snapshot. Snapshots produced by replay are
// verified by construction.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	hash, err := hex.DecodeString(snap.Hash)
	if err != nil {
		return fmt.Errorf("snapshot hash: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (sequence) DO NOTHING
	`, uuid.New(), snap.Sequence, data, hash, snapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data    []byte
		version int
	)
	if err := row.Scan(&data, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("snapshot format version %d not supported", version)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events with sequence > after.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, after int64, limit int) ([]event.Event, error) {
	return loadEvents(ctx, sm.db, after, limit)
}

func loadEvents(ctx context.Context, db *sql.DB, after int64, limit int) ([]event.Event, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+eventColumnList+" FROM event_log.events WHERE sequence > $1 ORDER BY sequence ASC LIMIT $2",
		after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// replay loads the latest snapshot and applies every persisted event after it.
func (sm *SnapshotManager) replay(ctx context.Context) (*ReplayState, int, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, 0, err
	}
	rs, err := ReplayStateFromSnapshot(snap)
	if err != nil {
		return nil, 0, err
	}

	replayed := 0
	for {
		events, err := sm.LoadEventsFrom(ctx, rs.Sequence, replayPageSize)
		if err != nil {
			return nil, 0, fmt.Errorf("load events after %d: %w", rs.Sequence, err)
		}
		if len(events) == 0 {
			break
		}
		if err := ReplayEvents(rs, events); err != nil {
			return nil, 0, err
		}
		replayed += len(events)
	}

	if sm.metrics != nil {
		sm.metrics.ReplayEventsTotal.Add(float64(replayed))
	}
	return rs, replayed, nil
}

// Recover rebuilds state from the latest snapshot plus the persisted events
// after it. The last tailSize persisted events are returned so consumers
// that lag behind the tip can resume from the in-memory log.
func (sm *SnapshotManager) Recover(ctx context.Context, tailSize int) (*RecoveredState, error) {
	start := time.Now()
	rs, replayed, err := sm.replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}

	var tail []event.Event
	if tailSize > 0 && rs.Sequence > 0 {
		from := rs.Sequence - int64(tailSize)
		if from < 0 {
			from = 0
		}
		tail, err = sm.LoadEventsFrom(ctx, from, tailSize)
		if err != nil {
			return nil, fmt.Errorf("recover tail: %w", err)
		}
	}

	sm.logger.Info().
		Int64("sequence", rs.Sequence).
		Int("positions", len(rs.Positions)).
		Int("replayed", replayed).
		Int("tail", len(tail)).
		Dur("elapsed", time.Since(start)).
		Msg("state recovered")

	return &RecoveredState{
		Positions:      rs.SortedPositions(),
		Tip:            event.Tip{Sequence: rs.Sequence, Hash: rs.Hash},
		Tail:           tail,
		ShortfallTotal: rs.ShortfallTotal,
		Replayed:       replayed,
	}, nil
}

// TakeSnapshot replays persisted events past the latest snapshot and saves
// the result. It is a no-op when nothing new has been persisted.
func (sm *SnapshotManager) TakeSnapshot(ctx context.Context) (int64, error) {
	start := time.Now()
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	rs, replayed, err := sm.replay(ctx)
	if err != nil {
		return 0, fmt.Errorf("snapshot: %w", err)
	}
	if replayed == 0 || (snap != nil && rs.Sequence == snap.Sequence) {
		return 0, nil
	}

	if err := sm.SaveSnapshot(ctx, rs.ToSnapshot(time.Now())); err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotLastSeq.Set(float64(rs.Sequence))
	}
	sm.logger.Info().
		Int64("sequence", rs.Sequence).
		Int("positions", len(rs.Positions)).
		Int("replayed", replayed).
		Msg("snapshot saved")
	return rs.Sequence, nil
}

// RunSnapshots takes a snapshot every interval until ctx is cancelled.
func (sm *SnapshotManager) RunSnapshots(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := sm.TakeSnapshot(ctx); err != nil && ctx.Err() == nil {
				sm.logger.Error().Err(err).Msg("snapshot failed")
			}
		}
	}
}

// IntegrityReport is the result of replaying the persisted log from genesis.
type IntegrityReport struct {
	Healthy          bool   `json:"healthy"`
	LastSequence     int64  `json:"last_sequence"`
	Events           int    `json:"events"`
	SnapshotSequence int64  `json:"snapshot_sequence,omitempty"`
	Error            string `json:"error,omitempty"`
}

// VerifyIntegrity replays every persisted event from genesis, checking
// sequence continuity, the hash chain and recorded balances, and that the
// latest snapshot matches the replayed state at its sequence.
func (sm *SnapshotManager) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{}
	rs := NewReplayState()
	fail := func(err error) (*IntegrityReport, error) {
		report.LastSequence = rs.Sequence
		report.Error = err.Error()
		return report, nil
	}

	for {
		limit := replayPageSize
		if snap != nil && rs.Sequence < snap.Sequence && snap.Sequence-rs.Sequence < int64(limit) {
			limit = int(snap.Sequence - rs.Sequence)
		}
		events, err := sm.LoadEventsFrom(ctx, rs.Sequence, limit)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}
		if err := ReplayEvents(rs, events); err != nil {
			return fail(err)
		}
		report.Events += len(events)

		if snap != nil && rs.Sequence == snap.Sequence {
			report.SnapshotSequence = snap.Sequence
			if err := compareSnapshot(rs, snap); err != nil {
				return fail(err)
			}
		}
	}

	if snap != nil && report.SnapshotSequence == 0 {
		return fail(fmt.Errorf("snapshot at %d is ahead of the persisted log", snap.Sequence))
	}

	report.Healthy = true
	report.LastSequence = rs.Sequence
	return report, nil
}

func compareSnapshot(rs *ReplayState, snap *SnapshotData) error {
	want := rs.ToSnapshot(snap.CreatedAt)
	if want.Hash != snap.Hash {
		return fmt.Errorf("snapshot %d: hash differs from replay", snap.Sequence)
	}
	if want.ShortfallTotal != snap.ShortfallTotal || len(want.Positions) != len(snap.Positions) {
		return fmt.Errorf("snapshot %d: totals differ from replay", snap.Sequence)
	}
	for i := range want.Positions {
		if want.Positions[i] != snap.Positions[i] {
			return fmt.Errorf("snapshot %d: position %s differs from replay", snap.Sequence, want.Positions[i].Account)
		}
	}
	return nil
}
