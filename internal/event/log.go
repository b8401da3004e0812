package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"EUSDEngine/internal/ledger"
)

// ErrCompacted is returned by ReadFrom when the requested range has already
// been dropped from memory.
var ErrCompacted = errors.New("event log: range compacted")

// Sink receives engine events. Append assigns Sequence, PrevHash and Hash
// and returns the stored event.
type Sink interface {
	Append(ev Event) Event
}

// Reader is the consumer side of the log.
type Reader interface {
	ReadFrom(after int64, max int) ([]Event, error)
	Notify() <-chan struct{}
	Latest() Tip
	Oldest() int64
}

// Tip identifies the last event of a log.
type Tip struct {
	Sequence int64
	Hash     [32]byte
}

// Log is the in-memory append-only event log. Consumers read by cursor and
// wait on Notify for new entries.
type Log struct {
	mu     sync.RWMutex
	events []Event
	// base is the sequence preceding events[0].
	base   int64
	hasher *ChainHasher
	notify chan struct{}
}

func NewLog() *Log {
	return &Log{
		hasher: NewChainHasher(),
		notify: make(chan struct{}),
	}
}

// Append stores ev at the next sequence. Timestamps are truncated to
// microseconds, the precision the event store keeps, so stored events
// re-hash identically after a round trip.
func (l *Log) Append(ev Event) Event {
	ev.Timestamp = ev.Timestamp.Truncate(time.Microsecond)

	l.mu.Lock()
	ev.Sequence = l.base + int64(len(l.events)) + 1
	ev = l.hasher.Next(ev)
	l.events = append(l.events, ev)
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()

	close(ch)
	return ev
}

// Notify returns a channel closed on the next Append.
func (l *Log) Notify() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.notify
}

// ReadFrom returns up to max events with Sequence > after.
func (l *Log) ReadFrom(after int64, max int) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if after < l.base {
		return nil, fmt.Errorf("%w: after=%d base=%d", ErrCompacted, after, l.base)
	}
	start := int(after - l.base)
	if start >= len(l.events) {
		return nil, nil
	}
	end := len(l.events)
	if max > 0 && start+max < end {
		end = start + max
	}

	out := make([]Event, end-start)
	copy(out, l.events[start:end])
	return out, nil
}

func (l *Log) Latest() Tip {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Tip{Sequence: l.base + int64(len(l.events)), Hash: l.hasher.Tip()}
}

// Oldest returns the sequence preceding the first retained event. Readers
// with a cursor below it get ErrCompacted.
func (l *Log) Oldest() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Restore resets the log to continue after tip. tail holds already-persisted
// events following some earlier point that consumers may still need; it must
// end at tip. Only valid before the first Append.
func (l *Log) Restore(tip Tip, tail []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) > 0 || l.base > 0 {
		return errors.New("event log: restore on non-empty log")
	}
	for i := 1; i < len(tail); i++ {
		if tail[i].Sequence != tail[i-1].Sequence+1 {
			return fmt.Errorf("event log: gap in tail at sequence %d", tail[i].Sequence)
		}
	}
	if n := len(tail); n > 0 {
		last := tail[n-1]
		if last.Sequence != tip.Sequence || last.Hash != tip.Hash {
			return fmt.Errorf("event log: tail ends at %d, tip is %d", last.Sequence, tip.Sequence)
		}
		l.events = append([]Event(nil), tail...)
		l.base = tail[0].Sequence - 1
	} else {
		l.base = tip.Sequence
	}
	if tip.Sequence == 0 {
		l.hasher.Reset(GenesisHash())
	} else {
		l.hasher.Reset(tip.Hash)
	}
	return nil
}

// Compact drops events with Sequence <= upTo from memory once every consumer
// has persisted past them.
func (l *Log) Compact(upTo int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := int(upTo - l.base)
	if n <= 0 {
		return 0
	}
	if n > len(l.events) {
		n = len(l.events)
	}
	l.events = append([]Event(nil), l.events[n:]...)
	l.base += int64(n)
	return n
}

// ForAccount returns up to limit retained events for account with
// Sequence < before (0 means no bound), newest first.
func (l *Log) ForAccount(account ledger.Account, limit int, before int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if before > 0 && ev.Sequence >= before {
			continue
		}
		if ev.Account != account {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

