package core

import (
	"container/list"
	"context"
	"sync"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey attaches a caller-supplied request key to ctx. A retried
// mutation carrying the same key for the same account and operation returns
// the original Result instead of applying twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}

func compositeKey(kind event.Kind, account ledger.Account, key string) string {
	return kind.String() + ":" + string(account) + ":" + key
}

// IdempotencyStore is the persisted tier, normally the Postgres event log.
type IdempotencyStore interface {
	LookupIdempotencyKey(ctx context.Context, compositeKey string) (event.Event, bool, error)
}

// IdempotencyChecker implements two-tier request deduplication: an in-memory
// LRU of recent results, then the persisted event log.
type IdempotencyChecker struct {
	mu      sync.Mutex
	lru     *IdempotencyLRU
	store   IdempotencyStore
	timeout time.Duration
}

func NewIdempotencyChecker(capacity int, store IdempotencyStore) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		store:   store,
		timeout: 500 * time.Millisecond,
	}
}

// Lookup returns the recorded result for key and the tier that answered.
// Store errors are treated as a miss so a database outage never blocks
// mutations; the account lock still serializes retries in memory.
func (ic *IdempotencyChecker) Lookup(ctx context.Context, key string) (Result, string, bool) {
	ic.mu.Lock()
	res, ok := ic.lru.Get(key)
	ic.mu.Unlock()
	if ok {
		return res, "lru", true
	}

	if ic.store == nil {
		return Result{}, "", false
	}

	ctx, cancel := context.WithTimeout(ctx, ic.timeout)
	defer cancel()

	ev, found, err := ic.store.LookupIdempotencyKey(ctx, key)
	if err != nil || !found {
		return Result{}, "", false
	}

	res = resultFromEvent(ev)
	ic.Record(key, res)
	return res, "postgres", true
}

// Record stores the result of a committed request.
func (ic *IdempotencyChecker) Record(key string, res Result) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Add(key, res)
}

// WarmFromEvents loads keyed events into the LRU, used after restart with
// the retained log tail.
func (ic *IdempotencyChecker) WarmFromEvents(events []event.Event) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, ev := range events {
		if ev.IdempotencyKey != "" {
			ic.lru.Add(ev.IdempotencyKey, resultFromEvent(ev))
		}
	}
}

func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func resultFromEvent(ev event.Event) Result {
	return Result{
		Collateral: ev.Collateral,
		Debt:       ev.Debt,
		Ratio:      ev.Ratio,
		HasRatio:   ev.HasRatio,
		Sequence:   ev.Sequence,
	}
}

// --- LRU Implementation ---

// IdempotencyLRU maps request keys to results with least-recently-used
// eviction. Not thread-safe; IdempotencyChecker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key    string
	result Result
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the stored result and promotes the key.
func (lru *IdempotencyLRU) Get(key string) (Result, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return Result{}, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).result, true
}

// Add inserts or refreshes a key.
func (lru *IdempotencyLRU) Add(key string, result Result) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).result = result
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, result: result})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(*lruEntry).key)
		lru.evictions++
	}
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
