package core

import (
	"errors"

	"EUSDEngine/internal/oracle"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidAccount         = errors.New("invalid account")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrExcessBurn             = errors.New("burn exceeds debt")
	ErrNotLiquidatable        = errors.New("position not liquidatable")

	ErrOracleStale       = oracle.ErrOracleStale
	ErrOracleUnavailable = oracle.ErrOracleUnavailable
)

// ErrorCode maps an engine error to a stable machine-readable code. Unknown
// errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ErrExcessBurn):
		return "excess_burn"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrOracleStale):
		return "oracle_stale"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	default:
		return "internal"
	}
}
