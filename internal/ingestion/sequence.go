package ingestion

import "sync"

// PriceSequencer orders price updates per asset. Stale or duplicate updates
// are dropped; gaps are tolerated because only the latest price matters.
type PriceSequencer struct {
	mu       sync.Mutex
	expected map[string]int64 // asset -> next expected sequence
	gaps     map[string]int64
}

func NewPriceSequencer() *PriceSequencer {
	return &PriceSequencer{
		expected: make(map[string]int64),
		gaps:     make(map[string]int64),
	}
}

// Accept reports whether an update should be applied and whether it skipped
// ahead of the expected sequence.
func (ps *PriceSequencer) Accept(asset string, sequence int64) (accept bool, gap bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	expected, seen := ps.expected[asset]
	if seen && sequence < expected {
		return false, false
	}
	if seen && sequence > expected {
		ps.gaps[asset]++
		gap = true
	}
	ps.expected[asset] = sequence + 1
	return true, gap
}

// Expected returns the next expected sequence for asset.
func (ps *PriceSequencer) Expected(asset string) int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.expected[asset]
}

func (ps *PriceSequencer) Gaps(asset string) int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.gaps[asset]
}
