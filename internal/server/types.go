package server

import (
	"time"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/liquidation"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/query"
)

// Amounts, prices and ratios are rendered as decimal strings. A ratio of
// "1.5" is 150%.

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type resultResponse struct {
	Account    string  `json:"account"`
	Collateral string  `json:"collateral"`
	Debt       string  `json:"debt"`
	Ratio      *string `json:"ratio"`
	Sequence   int64   `json:"sequence"`
}

type positionResponse struct {
	Account      string     `json:"account"`
	Collateral   string     `json:"collateral"`
	Debt         string     `json:"debt"`
	Ratio        *string    `json:"ratio"`
	Status       string     `json:"status,omitempty"`
	Price        string     `json:"price,omitempty"`
	PriceAsOf    *time.Time `json:"price_as_of,omitempty"`
	OracleError  string     `json:"oracle_error,omitempty"`
	Liquidations int        `json:"liquidations"`
}

type liquidationResponse struct {
	LiquidationID   string `json:"liquidation_id"`
	Account         string `json:"account"`
	Liquidator      string `json:"liquidator"`
	Price           string `json:"price"`
	RatioBefore     string `json:"ratio_before"`
	Seized          string `json:"seized"`
	DebtCovered     string `json:"debt_covered"`
	Shortfall       string `json:"shortfall"`
	BadDebt         string `json:"bad_debt"`
	BackstopCovered string `json:"backstop_covered"`
	Uncovered       string `json:"uncovered"`
	Collateral      string `json:"collateral"`
	Debt            string `json:"debt"`
	Sequence        int64  `json:"sequence"`
}

type historyEntryResponse struct {
	Sequence      int64     `json:"sequence"`
	Type          string    `json:"type"`
	Amount        string    `json:"amount"`
	Collateral    string    `json:"collateral"`
	Debt          string    `json:"debt"`
	Price         string    `json:"price,omitempty"`
	LiquidationID string    `json:"liquidation_id,omitempty"`
	Status        string    `json:"status"`
	Date          time.Time `json:"date"`
}

type historyResponse struct {
	Entries      []historyEntryResponse `json:"entries"`
	NextBefore   int64                  `json:"next_before,omitempty"`
	AsOfSequence int64                  `json:"as_of_sequence"`
}

type oracleResponse struct {
	Price      string    `json:"price"`
	AsOf       time.Time `json:"as_of"`
	Source     string    `json:"source"`
	AgeSeconds float64   `json:"age_seconds"`
	MaxAge     string    `json:"max_age"`
	Fresh      bool      `json:"fresh"`
}

type candidateResponse struct {
	Account    string `json:"account"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	Ratio      string `json:"ratio"`
}

type scanResponse struct {
	At         *time.Time          `json:"at,omitempty"`
	Price      string              `json:"price,omitempty"`
	Scanned    int                 `json:"scanned"`
	Candidates []candidateResponse `json:"candidates"`
	Error      string              `json:"error,omitempty"`
}

type summaryResponse struct {
	Positions          int    `json:"positions"`
	TotalCollateral    string `json:"total_collateral"`
	TotalDebt          string `json:"total_debt"`
	BackstopBalance    string `json:"backstop_balance,omitempty"`
	ShortfallCovered   string `json:"shortfall_covered,omitempty"`
	ShortfallUncovered string `json:"shortfall_uncovered,omitempty"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

func amount(v int64) string { return fpmath.FormatDecimal(v, fpmath.AmountConfig) }
func price(v int64) string  { return fpmath.FormatDecimal(v, fpmath.PriceConfig) }
func ratio(v int64) string  { return fpmath.FormatDecimal(v, fpmath.RatioConfig) }

func optionalRatio(v int64, ok bool) *string {
	if !ok {
		return nil
	}
	s := ratio(v)
	return &s
}

func ToResultResponse(account ledger.Account, r core.Result) resultResponse {
	return resultResponse{
		Account:    string(account),
		Collateral: amount(r.Collateral),
		Debt:       amount(r.Debt),
		Ratio:      optionalRatio(r.Ratio, r.HasRatio),
		Sequence:   r.Sequence,
	}
}

// ToPositionResponse renders a view. When the oracle failed, balances are
// still reported and status is omitted.
func ToPositionResponse(v core.View, oracleErr error) positionResponse {
	resp := positionResponse{
		Account:    string(v.Account),
		Collateral: amount(v.Collateral),
		Debt:       amount(v.Debt),
		Ratio:      optionalRatio(v.Ratio, v.HasRatio),
	}
	if oracleErr != nil {
		resp.OracleError = core.ErrorCode(oracleErr)
		return resp
	}
	resp.Status = v.Status.String()
	if v.Price > 0 {
		resp.Price = price(v.Price)
		asOf := v.PriceAsOf.UTC()
		resp.PriceAsOf = &asOf
	}
	return resp
}

func ToLiquidationResponse(o liquidation.Outcome) liquidationResponse {
	return liquidationResponse{
		LiquidationID:   o.LiquidationID,
		Account:         string(o.Account),
		Liquidator:      string(o.Liquidator),
		Price:           price(o.Price),
		RatioBefore:     ratio(o.RatioBefore),
		Seized:          amount(o.Seized),
		DebtCovered:     amount(o.DebtCovered),
		Shortfall:       amount(o.Shortfall),
		BadDebt:         amount(o.BadDebt),
		BackstopCovered: amount(o.BackstopCovered),
		Uncovered:       amount(o.Uncovered),
		Collateral:      amount(o.Position.Collateral),
		Debt:            amount(o.Position.Debt),
		Sequence:        o.Sequence,
	}
}

func ToHistoryResponse(p *query.HistoryPage) historyResponse {
	resp := historyResponse{
		Entries:      make([]historyEntryResponse, 0, len(p.Entries)),
		NextBefore:   p.NextBefore,
		AsOfSequence: p.AsOfSequence,
	}
	for _, e := range p.Entries {
		h := historyEntryResponse{
			Sequence:      e.Sequence,
			Type:          e.Kind,
			Amount:        amount(e.Amount),
			Collateral:    amount(e.Collateral),
			Debt:          amount(e.Debt),
			LiquidationID: e.LiquidationID,
			Status:        e.Status,
			Date:          e.OccurredAt.UTC(),
		}
		if e.Price > 0 {
			h.Price = price(e.Price)
		}
		resp.Entries = append(resp.Entries, h)
	}
	return resp
}

func ToScanResponse(r liquidation.ScanResult) scanResponse {
	resp := scanResponse{
		Scanned:    r.Scanned,
		Candidates: make([]candidateResponse, 0, len(r.Candidates)),
	}
	if !r.At.IsZero() {
		at := r.At.UTC()
		resp.At = &at
	}
	if r.Price > 0 {
		resp.Price = price(r.Price)
	}
	if r.Err != nil {
		resp.Error = core.ErrorCode(r.Err)
	}
	for _, c := range r.Candidates {
		resp.Candidates = append(resp.Candidates, candidateResponse{
			Account:    string(c.Account),
			Collateral: amount(c.Collateral),
			Debt:       amount(c.Debt),
			Ratio:      ratio(c.Ratio),
		})
	}
	return resp
}
