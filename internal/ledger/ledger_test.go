package ledger_test

import (
	"EUSDEngine/internal/ledger"
	"errors"
	"sync"
	"testing"
)

const unit = 100_000_000

// ============================================================================
// Test: Get / Apply
// ============================================================================

func TestLedger_GetAbsentIsZero(t *testing.T) {
	l := ledger.NewLedger()

	pos := l.Get("0xabc")
	if pos.Account != "0xabc" {
		t.Errorf("account: got %q, want %q", pos.Account, "0xabc")
	}
	if pos.Collateral != 0 || pos.Debt != 0 || pos.Version != 0 {
		t.Errorf("absent position should be zero, got %+v", pos)
	}
}

func TestLedger_ApplyUpdatesBothFields(t *testing.T) {
	l := ledger.NewLedger()

	pos, err := l.Apply("alice", 150*unit, 0)
	if err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
	if pos.Collateral != 150*unit || pos.Debt != 0 {
		t.Fatalf("unexpected position: %+v", pos)
	}

	pos, err = l.Apply("alice", -10*unit, 100*unit)
	if err != nil {
		t.Fatalf("apply mixed: %v", err)
	}
	if pos.Collateral != 140*unit || pos.Debt != 100*unit {
		t.Errorf("unexpected position: %+v", pos)
	}
	if pos.Version != 2 {
		t.Errorf("version: got %d, want 2", pos.Version)
	}

	if got := l.Get("alice"); got != pos {
		t.Errorf("Get mismatch: got %+v, want %+v", got, pos)
	}
}

func TestLedger_ApplyNeverPartiallyApplies(t *testing.T) {
	l := ledger.NewLedger()
	if _, err := l.Apply("bob", 10*unit, 5*unit); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before := l.Get("bob")

	// Collateral delta is valid, debt delta is not: nothing must change.
	_, err := l.Apply("bob", 1*unit, -6*unit)
	if !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}

	if after := l.Get("bob"); after != before {
		t.Errorf("position mutated on failure: before %+v, after %+v", before, after)
	}
}

func TestLedger_ApplyRejectsOverflow(t *testing.T) {
	l := ledger.NewLedger()
	if _, err := l.Apply("carol", 1<<62, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := l.Apply("carol", 1<<62, 0); !errors.Is(err, ledger.ErrNegativeBalance) {
		t.Errorf("expected overflow rejection, got %v", err)
	}
}

func TestLedger_ClosedPositionIsPurged(t *testing.T) {
	l := ledger.NewLedger()
	if _, err := l.Apply("dave", 5*unit, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 position, got %d", l.Len())
	}

	pos, err := l.Apply("dave", -5*unit, 0)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !pos.IsClosed() {
		t.Errorf("expected closed position, got %+v", pos)
	}
	if l.Len() != 0 {
		t.Errorf("closed position should be purged, len=%d", l.Len())
	}
}

// ============================================================================
// Test: Snapshot / Restore
// ============================================================================

func TestLedger_SnapshotSortedAndDetached(t *testing.T) {
	l := ledger.NewLedger()
	for _, acct := range []ledger.Account{"charlie", "alice", "bob"} {
		if _, err := l.Apply(acct, unit, 0); err != nil {
			t.Fatalf("apply %s: %v", acct, err)
		}
	}

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(snap))
	}
	if snap[0].Account != "alice" || snap[2].Account != "charlie" {
		t.Errorf("snapshot not sorted: %v", snap)
	}

	snap[0].Collateral = 0
	if l.Get("alice").Collateral != unit {
		t.Error("snapshot must not alias ledger state")
	}
}

func TestLedger_RestoreAndTotals(t *testing.T) {
	l := ledger.NewLedger()
	err := l.Restore([]ledger.Position{
		{Account: "alice", Collateral: 10 * unit, Debt: 4 * unit, Version: 7},
		{Account: "bob", Collateral: 2 * unit, Debt: 0, Version: 1},
		{Account: "zero"},
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if l.Len() != 2 {
		t.Errorf("closed positions should be skipped, len=%d", l.Len())
	}
	if l.Get("alice").Version != 7 {
		t.Errorf("version not restored")
	}

	collateral, debt := l.ComputeTotals()
	if collateral != 12*unit || debt != 4*unit {
		t.Errorf("totals: collateral=%d debt=%d", collateral, debt)
	}
	if err := l.ValidateAll(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLedger_RestoreRejectsNegative(t *testing.T) {
	l := ledger.NewLedger()
	err := l.Restore([]ledger.Position{{Account: "alice", Collateral: -1}})
	if err == nil {
		t.Fatal("expected restore error for negative collateral")
	}
}

// ============================================================================
// Test: Per-account locking
// ============================================================================

func TestLedger_LockSerializesReadModifyWrite(t *testing.T) {
	l := ledger.NewLedger()
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("shared")
			defer unlock()

			pos := l.Get("shared")
			if _, err := l.Apply("shared", pos.Collateral+1-pos.Collateral, 0); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := l.Get("shared").Collateral; got != workers {
		t.Errorf("collateral: got %d, want %d", got, workers)
	}
}
