package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/liquidation"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/persistence"
	"EUSDEngine/internal/projection"
	"EUSDEngine/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const IdempotencyHeader = "Idempotency-Key"

// Deps holds what the HTTP API serves from. Scanner, Snapshots and
// Projections are optional.
type Deps struct {
	Engine      *core.Engine
	Liquidation *liquidation.Module
	Scanner     *liquidation.Scanner
	Query       *query.Service
	Oracle      oracle.Adapter
	Snapshots   *persistence.SnapshotManager
	Projections *projection.ProjectionWorker
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

type api struct {
	Deps
}

type route struct {
	method, pattern string
	h               runtime.HandlerFunc
}

// NewHTTPHandler builds the /v1 API on a grpc-gateway mux plus the health
// endpoints.
func NewHTTPHandler(deps Deps) (http.Handler, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	a := &api{Deps: deps}

	gw := runtime.NewServeMux()
	routes := []route{
		{"GET", "/v1/positions/{account}", a.getPosition},
		{"POST", "/v1/positions/{account}/deposit", a.mutation("deposit", deps.Engine.Deposit)},
		{"POST", "/v1/positions/{account}/mint", a.mutation("mint", deps.Engine.Mint)},
		{"POST", "/v1/positions/{account}/burn", a.mutation("burn", deps.Engine.Burn)},
		{"POST", "/v1/positions/{account}/withdraw", a.mutation("withdraw", deps.Engine.Withdraw)},
		{"POST", "/v1/positions/{account}/liquidate", a.liquidate},
		{"GET", "/v1/positions/{account}/history", a.history},
		{"GET", "/v1/oracle", a.getOracle},
		{"GET", "/v1/liquidatable", a.liquidatable},
		{"GET", "/v1/summary", a.summary},
	}
	if deps.Snapshots != nil {
		routes = append(routes,
			route{"POST", "/v1/admin/snapshot", a.takeSnapshot},
			route{"GET", "/v1/admin/integrity", a.verifyIntegrity},
		)
	}
	if deps.Projections != nil {
		routes = append(routes, route{"POST", "/v1/admin/projections/rebuild", a.rebuildProjections})
	}

	for _, r := range routes {
		if err := gw.HandlePath(r.method, r.pattern, a.instrument(r.pattern, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if deps.Health != nil {
		mux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		mux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	mux.Handle("/", gw)
	return mux, nil
}

// ============================================================================
// Handlers
// ============================================================================

type amountRequest struct {
	Amount string `json:"amount"`
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
}

func (a *api) mutation(op string, fn func(context.Context, ledger.Account, int64) (core.Result, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		account, err := ParseAccount(params["account"])
		if err != nil {
			a.writeError(w, err)
			return
		}

		var req amountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, fmt.Errorf("%w: malformed body", core.ErrInvalidAmount))
			return
		}
		qty, err := fpmath.ParseDecimal(req.Amount, fpmath.AmountConfig)
		if err != nil {
			a.writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidAmount, err))
			return
		}

		ctx := r.Context()
		if key := r.Header.Get(IdempotencyHeader); key != "" {
			ctx = core.WithIdempotencyKey(ctx, key)
		}

		res, err := fn(ctx, account, qty)
		if err != nil {
			a.writeError(w, fmt.Errorf("%s: %w", op, err))
			return
		}
		writeJSON(w, http.StatusOK, ToResultResponse(account, res))
	}
}

func (a *api) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := ParseAccount(params["account"])
	if err != nil {
		a.writeError(w, err)
		return
	}

	view, err := a.Engine.Position(r.Context(), account)
	resp := ToPositionResponse(view, err)

	if a.Query != nil {
		if p, found, qerr := a.Query.ProjectedPosition(r.Context(), account); qerr == nil && found {
			resp.Liquidations = p.Liquidations
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) liquidate(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := ParseAccount(params["account"])
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fmt.Errorf("%w: malformed body", core.ErrInvalidAccount))
		return
	}
	liquidator, err := ParseAccount(req.Liquidator)
	if err != nil {
		a.writeError(w, err)
		return
	}

	out, err := a.Liquidation.Liquidate(r.Context(), account, liquidator)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToLiquidationResponse(out))
}

func (a *api) history(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := ParseAccount(params["account"])
	if err != nil {
		a.writeError(w, err)
		return
	}

	limit, before, err := parsePage(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_request", Message: err.Error()})
		return
	}

	page, err := a.Query.History(r.Context(), account, limit, before)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ToHistoryResponse(page))
}

func (a *api) getOracle(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	reading, err := a.Oracle.Read(r.Context())
	if err != nil {
		a.writeError(w, oracle.Unavailable(err))
		return
	}
	now := a.Now()
	maxAge := a.Engine.Params().MaxOracleAge
	writeJSON(w, http.StatusOK, oracleResponse{
		Price:      price(reading.Price),
		AsOf:       reading.AsOf.UTC(),
		Source:     reading.Source,
		AgeSeconds: reading.Age(now).Seconds(),
		MaxAge:     maxAge.String(),
		Fresh:      oracle.CheckFreshness(reading, now, maxAge) == nil,
	})
}

func (a *api) liquidatable(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if a.Scanner == nil {
		writeJSON(w, http.StatusOK, scanResponse{Candidates: []candidateResponse{}})
		return
	}
	writeJSON(w, http.StatusOK, ToScanResponse(a.Scanner.Last()))
}

func (a *api) summary(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	s := a.Query.Summary()
	resp := summaryResponse{
		Positions:       s.Positions,
		TotalCollateral: amount(s.TotalCollateral),
		TotalDebt:       amount(s.TotalDebt),
		AsOfSequence:    s.AsOfSequence,
	}
	if a.Liquidation != nil {
		covered, uncovered := a.Liquidation.Backstop().Totals()
		resp.BackstopBalance = amount(a.Liquidation.Backstop().Balance())
		resp.ShortfallCovered = amount(covered)
		resp.ShortfallUncovered = amount(uncovered)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	seq, err := a.Snapshots.TakeSnapshot(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq, "taken": seq > 0})
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := a.Snapshots.VerifyIntegrity(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (a *api) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	replayed, seq, err := a.Projections.Rebuild(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"replayed": int64(replayed), "watermark": seq})
}

// ============================================================================
// Helpers
// ============================================================================

// ParseAccount validates a hex wallet address and returns its EIP-55
// checksum form, so every spelling of an address maps to one account.
func ParseAccount(s string) (ledger.Account, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q is not a hex address", core.ErrInvalidAccount, s)
	}
	return ledger.Account(common.HexToAddress(s).Hex()), nil
}

func parsePage(r *http.Request) (limit int, before int64, err error) {
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, fmt.Errorf("limit must be a non-negative integer")
		}
	}
	if v := q.Get("before"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil || before < 0 {
			return 0, 0, fmt.Errorf("before must be a non-negative sequence")
		}
	}
	return limit, before, nil
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "invalid_amount", "invalid_account":
		return http.StatusBadRequest
	case "insufficient_collateral", "excess_burn", "not_liquidatable":
		return http.StatusUnprocessableEntity
	case "oracle_stale", "oracle_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	status := StatusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.Logger.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *api) instrument(pattern string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)

		route := r.Method + " " + pattern
		if a.Metrics != nil {
			a.Metrics.QueryRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			a.Metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		a.Logger.Debug().
			Str("route", route).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
