package event

import "crypto/sha256"

const GenesisHashSeed = "EUSDEngine:genesis:v1"

// GenesisHash is the PrevHash of the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ChainHasher computes hash[N] = SHA-256(hash[N-1] || canonical(event N)).
type ChainHasher struct {
	prevHash [32]byte
}

func NewChainHasher() *ChainHasher {
	return &ChainHasher{prevHash: GenesisHash()}
}

// Next links ev to the chain tip and advances the tip.
func (h *ChainHasher) Next(ev Event) Event {
	ev.PrevHash = h.prevHash
	ev.Hash = ComputeHash(h.prevHash, ev)
	h.prevHash = ev.Hash
	return ev
}

// Reset moves the chain tip, used when restoring from persistence.
func (h *ChainHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}

func (h *ChainHasher) Tip() [32]byte {
	return h.prevHash
}

func ComputeHash(prev [32]byte, ev Event) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])
	hasher.Write(ev.CanonicalBytes())

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// VerifyChain checks that events link to each other and to prev. It returns
// the sequence of the first broken event, or 0 when the chain is intact.
func VerifyChain(prev [32]byte, events []Event) int64 {
	for _, ev := range events {
		if ev.PrevHash != prev || ComputeHash(prev, ev) != ev.Hash {
			return ev.Sequence
		}
		prev = ev.Hash
	}
	return 0
}
