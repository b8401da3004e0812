package persistence

import (
	"context"
	"database/sql"

	"EUSDEngine/internal/event"
)

// PostgresIdempotencyStore answers request-key lookups from the event log.
type PostgresIdempotencyStore struct {
	db *sql.DB
}

func NewPostgresIdempotencyStore(db *sql.DB) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

// LookupIdempotencyKey returns the event committed under key, if any.
func (s *PostgresIdempotencyStore) LookupIdempotencyKey(ctx context.Context, key string) (event.Event, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+eventColumnList+" FROM event_log.events WHERE idempotency_key = $1 ORDER BY sequence LIMIT 1",
		key)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return event.Event{}, false, nil
	}
	if err != nil {
		return event.Event{}, false, err
	}
	return ev, true, nil
}
