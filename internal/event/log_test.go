package event_test

import (
	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
	"errors"
	"sync"
	"testing"
	"time"
)

func deposit(account string, amount int64) event.Event {
	return event.Event{
		Kind:            event.KindDeposited,
		Account:         ledgerAccount(account),
		CollateralDelta: amount,
		Collateral:      amount,
		Timestamp:       time.Unix(1_700_000_000, 0),
	}
}

// ============================================================================
// Test: Append / ReadFrom
// ============================================================================

func TestLog_SequenceStartsAtOneAndIncreases(t *testing.T) {
	l := event.NewLog()

	for i := 1; i <= 5; i++ {
		ev := l.Append(deposit("alice", int64(i)))
		if ev.Sequence != int64(i) {
			t.Fatalf("append %d: got sequence %d", i, ev.Sequence)
		}
	}

	events, err := l.ReadFrom(2, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Errorf("unexpected page: %+v", events)
	}

	events, _ = l.ReadFrom(5, 10)
	if len(events) != 0 {
		t.Errorf("expected empty read at tip, got %d", len(events))
	}
}

func TestLog_HashChainVerifies(t *testing.T) {
	l := event.NewLog()
	for i := 0; i < 10; i++ {
		l.Append(deposit("alice", int64(i+1)))
	}

	events, _ := l.ReadFrom(0, 0)
	if events[0].PrevHash != event.GenesisHash() {
		t.Error("first event must link to genesis")
	}
	if broken := event.VerifyChain(event.GenesisHash(), events); broken != 0 {
		t.Fatalf("chain broken at %d", broken)
	}

	events[4].Collateral++
	if broken := event.VerifyChain(event.GenesisHash(), events); broken != 5 {
		t.Errorf("tampering not detected at 5, got %d", broken)
	}
}

func TestLog_NotifyFiresOnAppend(t *testing.T) {
	l := event.NewLog()
	ch := l.Notify()

	select {
	case <-ch:
		t.Fatal("notify closed before append")
	default:
	}

	l.Append(deposit("alice", 1))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("notify not closed after append")
	}
}

func TestLog_ConcurrentAppendsAreGapless(t *testing.T) {
	l := event.NewLog()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(deposit("alice", 1))
		}()
	}
	wg.Wait()

	events, _ := l.ReadFrom(0, 0)
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("gap at index %d: sequence %d", i, ev.Sequence)
		}
	}
	if broken := event.VerifyChain(event.GenesisHash(), events); broken != 0 {
		t.Errorf("chain broken at %d", broken)
	}
}

// ============================================================================
// Test: Compact / Restore
// ============================================================================

func TestLog_CompactDropsReadRange(t *testing.T) {
	l := event.NewLog()
	for i := 0; i < 5; i++ {
		l.Append(deposit("alice", 1))
	}

	if n := l.Compact(3); n != 3 {
		t.Fatalf("compacted %d, want 3", n)
	}
	if _, err := l.ReadFrom(1, 10); !errors.Is(err, event.ErrCompacted) {
		t.Errorf("expected ErrCompacted, got %v", err)
	}

	events, err := l.ReadFrom(3, 10)
	if err != nil || len(events) != 2 {
		t.Fatalf("read after compact: %d events, err=%v", len(events), err)
	}

	ev := l.Append(deposit("alice", 1))
	if ev.Sequence != 6 {
		t.Errorf("sequence after compact: got %d, want 6", ev.Sequence)
	}
}

func TestLog_RestoreContinuesChain(t *testing.T) {
	src := event.NewLog()
	for i := 0; i < 4; i++ {
		src.Append(deposit("alice", 1))
	}
	all, _ := src.ReadFrom(0, 0)

	dst := event.NewLog()
	if err := dst.Restore(src.Latest(), all[2:]); err != nil {
		t.Fatalf("restore: %v", err)
	}

	a := src.Append(deposit("bob", 7))
	b := dst.Append(deposit("bob", 7))
	if a.Sequence != b.Sequence || a.Hash != b.Hash {
		t.Errorf("restored log diverged: %d/%x vs %d/%x", a.Sequence, a.Hash, b.Sequence, b.Hash)
	}

	if _, err := dst.ReadFrom(2, 10); err != nil {
		t.Errorf("tail should be readable: %v", err)
	}
}

func TestLog_RestoreRejectsMismatchedTail(t *testing.T) {
	src := event.NewLog()
	src.Append(deposit("alice", 1))
	src.Append(deposit("alice", 1))
	all, _ := src.ReadFrom(0, 0)

	dst := event.NewLog()
	err := dst.Restore(event.Tip{Sequence: 5}, all)
	if err == nil {
		t.Fatal("expected error for tail not ending at tip")
	}
}

func TestLog_ForAccountNewestFirst(t *testing.T) {
	l := event.NewLog()
	l.Append(deposit("alice", 1))
	l.Append(deposit("bob", 2))
	l.Append(deposit("alice", 3))
	l.Append(deposit("alice", 4))

	got := l.ForAccount("alice", 2, 0)
	if len(got) != 2 || got[0].Sequence != 4 || got[1].Sequence != 3 {
		t.Errorf("unexpected history: %+v", got)
	}

	got = l.ForAccount("alice", 10, 3)
	if len(got) != 1 || got[0].Sequence != 1 {
		t.Errorf("before cursor not applied: %+v", got)
	}
}

func TestKind_StringRoundTrip(t *testing.T) {
	for k := event.KindDeposited; k <= event.KindUnderwaterShortfall; k++ {
		if event.ParseKind(k.String()) != k {
			t.Errorf("kind %d does not round-trip", k)
		}
	}
}

func ledgerAccount(s string) ledger.Account { return ledger.Account(s) }
