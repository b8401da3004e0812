package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOracleUnavailable is returned when no usable reading can be produced.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrOracleStale is returned when a reading is older than the allowed age.
	ErrOracleStale = errors.New("oracle stale")
)

// Reading is one price observation of the collateral asset in EUSD.
// Price is fixed-point at PriceConfig scale.
type Reading struct {
	Price  int64
	AsOf   time.Time
	Source string
}

// Age returns how old the reading is relative to now.
func (r Reading) Age(now time.Time) time.Duration {
	return now.Sub(r.AsOf)
}

// Adapter supplies the current collateral price.
type Adapter interface {
	Read(ctx context.Context) (Reading, error)
}

// MaxClockSkew is how far past now a reading's AsOf may lie.
const MaxClockSkew = 5 * time.Second

// CheckFreshness validates a reading against the staleness bound. A
// non-positive price, or a timestamp more than MaxClockSkew in the future,
// is treated as unavailable.
func CheckFreshness(r Reading, now time.Time, maxAge time.Duration) error {
	if r.Price <= 0 {
		return ErrOracleUnavailable
	}
	if r.AsOf.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("%w: reading timestamped %s ahead of now", ErrOracleUnavailable, r.AsOf.Sub(now))
	}
	if r.Age(now) > maxAge {
		return ErrOracleStale
	}
	return nil
}

// Unavailable wraps err with ErrOracleUnavailable unless it already is one.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrOracleUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
}

// ReadFresh reads from the adapter and applies CheckFreshness. Adapter errors
// are wrapped with ErrOracleUnavailable so callers can match one sentinel.
func ReadFresh(ctx context.Context, a Adapter, now time.Time, maxAge time.Duration) (Reading, error) {
	r, err := a.Read(ctx)
	if err != nil {
		return Reading{}, Unavailable(err)
	}
	if err := CheckFreshness(r, now, maxAge); err != nil {
		return r, err
	}
	return r, nil
}
