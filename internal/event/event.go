package event

import (
	"encoding/binary"
	"time"

	"EUSDEngine/internal/ledger"
)

// Kind discriminates position events.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposited
	KindMinted
	KindBurned
	KindWithdrawn
	KindLiquidated
	KindUnderwaterShortfall
)

func (k Kind) String() string {
	switch k {
	case KindDeposited:
		return "Deposited"
	case KindMinted:
		return "Minted"
	case KindBurned:
		return "Burned"
	case KindWithdrawn:
		return "Withdrawn"
	case KindLiquidated:
		return "Liquidated"
	case KindUnderwaterShortfall:
		return "UnderwaterShortfall"
	default:
		return "Unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k := KindDeposited; k <= KindUnderwaterShortfall; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Event is one immutable entry of the position event log. Sequence, PrevHash
// and Hash are assigned by the sink on append.
type Event struct {
	Sequence int64
	Kind     Kind
	Account  ledger.Account

	// Caller-supplied request key, scoped by kind and account. Empty when
	// the request carried none.
	IdempotencyKey string

	CollateralDelta int64
	DebtDelta       int64

	// Position after the event was applied.
	Collateral int64
	Debt       int64
	Ratio      int64
	HasRatio   bool

	// Oracle price the event was validated against, 0 when none was read.
	Price int64

	// Liquidation fields.
	Liquidator    ledger.Account
	Seized        int64
	DebtCovered   int64
	Shortfall     int64
	LiquidationID string

	Timestamp time.Time

	PrevHash [32]byte
	Hash     [32]byte
}

// CanonicalBytes is the deterministic encoding hashed into the chain.
// Hash fields are excluded.
func (e Event) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160+len(e.Account)+len(e.Liquidator)+len(e.LiquidationID)+len(e.IdempotencyKey))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(e.Sequence))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Kind))
	buf = appendString(buf, string(e.Account))
	for _, v := range []int64{
		e.CollateralDelta, e.DebtDelta,
		e.Collateral, e.Debt, e.Ratio,
		e.Price, e.Seized, e.DebtCovered, e.Shortfall,
		e.Timestamp.UnixNano(),
	} {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	if e.HasRatio {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendString(buf, string(e.Liquidator))
	buf = appendString(buf, e.LiquidationID)
	buf = appendString(buf, e.IdempotencyKey)
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Amount returns the user-facing quantity of the event: the collateral moved
// for deposits and withdrawals, the debt moved for mints and burns, the
// seized collateral for liquidations and the shortfall for shortfall events.
func (e Event) Amount() int64 {
	switch e.Kind {
	case KindDeposited, KindWithdrawn:
		return abs(e.CollateralDelta)
	case KindMinted, KindBurned:
		return abs(e.DebtDelta)
	case KindLiquidated:
		return e.Seized
	case KindUnderwaterShortfall:
		return e.Shortfall
	default:
		return 0
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
