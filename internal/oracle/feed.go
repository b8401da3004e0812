package oracle

import (
	"context"
	"sync"
	"time"
)

// Feed is an in-memory adapter holding the latest pushed reading. It backs the
// static configuration and the NATS price subscriber.
type Feed struct {
	mu      sync.RWMutex
	reading Reading
	set     bool
}

func NewFeed() *Feed {
	return &Feed{}
}

// NewStaticFeed returns a feed pre-loaded with a price stamped at asOf.
func NewStaticFeed(price int64, asOf time.Time) *Feed {
	f := NewFeed()
	f.Update(Reading{Price: price, AsOf: asOf, Source: "static"})
	return f
}

// Update replaces the reading. Older readings than the current one are
// ignored so out-of-order deliveries never move the clock backwards.
func (f *Feed) Update(r Reading) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set && r.AsOf.Before(f.reading.AsOf) {
		return false
	}
	f.reading = r
	f.set = true
	return true
}

func (f *Feed) Read(_ context.Context) (Reading, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.set {
		return Reading{}, ErrOracleUnavailable
	}
	return f.reading, nil
}

// KeepFresh re-stamps the current reading with now() every interval, so a
// configured static price never ages out. It returns when ctx is done.
func (f *Feed) KeepFresh(ctx context.Context, interval time.Duration, now func() time.Time) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.mu.Lock()
			if f.set {
				f.reading.AsOf = now()
			}
			f.mu.Unlock()
		}
	}
}
