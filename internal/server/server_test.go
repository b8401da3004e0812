package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"EUSDEngine/internal/core"
	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/liquidation"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/query"
	"EUSDEngine/internal/server"
	"EUSDEngine/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	unit = 100_000_000

	alice      = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
	aliceSum   = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	liquidator = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type apiFixture struct {
	handler http.Handler
	feed    *oracle.Feed
	log     *event.Log
	scanner *liquidation.Scanner
	metrics *observability.Metrics

	mu  sync.Mutex
	now time.Time
}

func (f *apiFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *apiFixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *apiFixture) setPrice(p int64) {
	f.feed.Update(oracle.Reading{Price: p, AsOf: f.clock(), Source: "test"})
}

func newAPI(t *testing.T, opts ...func(*server.Deps)) *apiFixture {
	t.Helper()
	f := &apiFixture{
		feed:    oracle.NewFeed(),
		log:     event.NewLog(),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		now:     time.Unix(1_700_000_000, 0),
	}
	f.setPrice(2000 * unit)

	l := ledger.NewLedger()
	engine, err := core.NewEngine(state.DefaultParams, f.feed, l, f.log,
		core.WithClock(f.clock),
		core.WithMetrics(f.metrics),
		core.WithIdempotency(core.NewIdempotencyChecker(128, nil)))
	require.NoError(t, err)

	module := liquidation.NewModule(engine, state.NewBackstopFund(0), zerolog.Nop(), f.metrics)
	f.scanner = liquidation.NewScanner(l, f.feed, state.DefaultParams,
		liquidation.ScannerConfig{QueueSize: 16, Now: f.clock}, zerolog.Nop(), f.metrics)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	deps := server.Deps{
		Engine:      engine,
		Liquidation: module,
		Scanner:     f.scanner,
		Query:       query.NewService(nil, f.log, l),
		Oracle:      f.feed,
		Health:      health,
		Metrics:     f.metrics,
		Logger:      zerolog.Nop(),
		Now:         f.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.handler, err = server.NewHTTPHandler(deps)
	require.NoError(t, err)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec.Code, out
}

func (f *apiFixture) post(t *testing.T, op, account, amount string) (int, map[string]interface{}) {
	t.Helper()
	return f.do(t, http.MethodPost, "/v1/positions/"+account+"/"+op, map[string]string{"amount": amount})
}

// ============================================================================
// Mutations
// ============================================================================

func TestDeposit_NormalizesAccount(t *testing.T) {
	f := newAPI(t)

	code, body := f.post(t, "deposit", alice, "1.5")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, aliceSum, body["account"])
	require.Equal(t, "1.5", body["collateral"])
	require.Equal(t, "0", body["debt"])
	require.Nil(t, body["ratio"])
	require.Equal(t, float64(1), body["sequence"])

	// Same wallet in checksum form is the same account.
	code, body = f.post(t, "deposit", aliceSum, "0.5")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2", body["collateral"])
}

func TestMint_AtAndAboveLimit(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")

	code, body := f.post(t, "mint", alice, "2000")
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "insufficient_collateral", body["error"])

	code, body = f.post(t, "mint", alice, "1333")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1333", body["debt"])
	require.Equal(t, "1.500375", body["ratio"])
}

func TestMutation_ErrorStatuses(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.post(t, "mint", alice, "100")

	cases := []struct {
		name, op, account, amount string
		status                    int
		code                      string
	}{
		{"garbage amount", "deposit", alice, "abc", 400, "invalid_amount"},
		{"zero amount", "deposit", alice, "0", 400, "invalid_amount"},
		{"too precise", "deposit", alice, "0.000000001", 400, "invalid_amount"},
		{"bad account", "deposit", "bob", "1", 400, "invalid_account"},
		{"excess burn", "burn", alice, "100.00000001", 422, "excess_burn"},
		{"withdraw beyond collateral", "withdraw", alice, "2", 400, "invalid_amount"},
		{"withdraw below ratio", "withdraw", alice, "0.95", 422, "insufficient_collateral"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.post(t, tc.op, tc.account, tc.amount)
			require.Equal(t, tc.status, code)
			require.Equal(t, tc.code, body["error"])
		})
	}
}

func TestMint_StaleOracleIs503(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.advance(10 * time.Minute)

	code, body := f.post(t, "mint", alice, "1")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "oracle_stale", body["error"])

	// Burn and deposit never need the oracle.
	code, _ = f.post(t, "deposit", alice, "1")
	require.Equal(t, http.StatusOK, code)
}

func TestIdempotencyKeyReplaysResult(t *testing.T) {
	f := newAPI(t)
	path := "/v1/positions/" + alice + "/deposit"
	body := map[string]string{"amount": "1"}

	code, first := f.do(t, http.MethodPost, path, body, server.IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, code)
	code, second := f.do(t, http.MethodPost, path, body, server.IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, code)

	require.Equal(t, first["sequence"], second["sequence"])
	require.Equal(t, "1", second["collateral"])
	require.Equal(t, int64(1), f.log.Latest().Sequence)
}

// ============================================================================
// Reads
// ============================================================================

func TestGetPosition(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.post(t, "mint", alice, "1000")

	code, body := f.do(t, http.MethodGet, "/v1/positions/"+alice, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, aliceSum, body["account"])
	require.Equal(t, "2", body["ratio"])
	require.Equal(t, "Healthy", body["status"])
	require.Equal(t, "2000", body["price"])

	f.advance(time.Hour)
	code, body = f.do(t, http.MethodGet, "/v1/positions/"+alice, nil)
	require.Equal(t, http.StatusOK, code, "balances are served without a fresh price")
	require.Equal(t, "1000", body["debt"])
	require.Equal(t, "oracle_stale", body["oracle_error"])
	require.Nil(t, body["status"])
}

func TestHistory(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.post(t, "mint", alice, "100")
	f.post(t, "burn", alice, "40")

	code, body := f.do(t, http.MethodGet, "/v1/positions/"+alice+"/history?limit=2", nil)
	require.Equal(t, http.StatusOK, code)

	entries := body["entries"].([]interface{})
	require.Len(t, entries, 2)
	newest := entries[0].(map[string]interface{})
	require.Equal(t, "Burned", newest["type"])
	require.Equal(t, "40", newest["amount"])
	require.Equal(t, "completed", newest["status"])
	require.Equal(t, float64(2), body["next_before"])

	code, body = f.do(t, http.MethodGet, "/v1/positions/"+alice+"/history?before=2", nil)
	require.Equal(t, http.StatusOK, code)
	entries = body["entries"].([]interface{})
	require.Len(t, entries, 1)
	require.Equal(t, "Deposited", entries[0].(map[string]interface{})["type"])

	code, _ = f.do(t, http.MethodGet, "/v1/positions/"+alice+"/history?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestOracle(t *testing.T) {
	f := newAPI(t)

	code, body := f.do(t, http.MethodGet, "/v1/oracle", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2000", body["price"])
	require.Equal(t, true, body["fresh"])
	require.Equal(t, "test", body["source"])

	f.advance(6 * time.Minute)
	_, body = f.do(t, http.MethodGet, "/v1/oracle", nil)
	require.Equal(t, false, body["fresh"])
}

func TestOracle_UnavailableMessageNotDoubled(t *testing.T) {
	f := newAPI(t, func(d *server.Deps) { d.Oracle = oracle.NewFeed() })

	code, body := f.do(t, http.MethodGet, "/v1/oracle", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "oracle_unavailable", body["error"])
	require.Equal(t, "oracle unavailable", body["message"])
}

func TestSummary(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "2")
	f.post(t, "mint", alice, "10")

	code, body := f.do(t, http.MethodGet, "/v1/summary", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), body["positions"])
	require.Equal(t, "2", body["total_collateral"])
	require.Equal(t, "10", body["total_debt"])
	require.Equal(t, "0", body["backstop_balance"])
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidate(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.post(t, "mint", alice, "1333")

	code, body := f.do(t, http.MethodPost, "/v1/positions/"+alice+"/liquidate",
		map[string]string{"liquidator": liquidator})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "not_liquidatable", body["error"])

	f.setPrice(1500 * unit)
	f.scanner.RunCycle(context.Background())

	code, body = f.do(t, http.MethodGet, "/v1/liquidatable", nil)
	require.Equal(t, http.StatusOK, code)
	candidates := body["candidates"].([]interface{})
	require.Len(t, candidates, 1)
	require.Equal(t, aliceSum, candidates[0].(map[string]interface{})["account"])

	code, body = f.do(t, http.MethodPost, "/v1/positions/"+alice+"/liquidate",
		map[string]string{"liquidator": liquidator})
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["liquidation_id"])
	require.Equal(t, liquidator, body["liquidator"])
	require.Equal(t, "1.125281", body["ratio_before"])
	require.Equal(t, "0.97753334", body["seized"])
	require.Equal(t, "1333", body["debt_covered"])
	require.Equal(t, "0", body["shortfall"])
	require.Equal(t, "0.02246666", body["collateral"])
	require.Equal(t, "0", body["debt"])
}

func TestLiquidate_RequiresLiquidator(t *testing.T) {
	f := newAPI(t)
	code, body := f.do(t, http.MethodPost, "/v1/positions/"+alice+"/liquidate", map[string]string{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_account", body["error"])
}

// ============================================================================
// Plumbing
// ============================================================================

func TestHealthEndpoints(t *testing.T) {
	f := newAPI(t)

	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "alive", body["status"])

	code, body = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ready", body["status"])
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newAPI(t)
	code, _ := f.do(t, http.MethodGet, "/v1/nothing-here", nil)
	require.Equal(t, http.StatusNotFound, code)

	// Admin routes are only mounted with persistence.
	code, _ = f.do(t, http.MethodPost, "/v1/admin/snapshot", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestRequestMetrics(t *testing.T) {
	f := newAPI(t)
	f.post(t, "deposit", alice, "1")
	f.post(t, "deposit", alice, "-1")

	route := "POST /v1/positions/{account}/deposit"
	require.Equal(t, 1.0, promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues(route, "200")))
	require.Equal(t, 1.0, promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues(route, "400")))
}

func TestStatusFor(t *testing.T) {
	for code, want := range map[string]int{
		"ok":                      200,
		"invalid_amount":          400,
		"invalid_account":         400,
		"insufficient_collateral": 422,
		"excess_burn":             422,
		"not_liquidatable":        422,
		"oracle_stale":            503,
		"oracle_unavailable":      503,
		"internal":                500,
	} {
		require.Equal(t, want, server.StatusFor(code), code)
	}
}

func TestParseAccount(t *testing.T) {
	acct, err := server.ParseAccount(alice)
	require.NoError(t, err)
	require.Equal(t, ledger.Account(aliceSum), acct)

	_, err = server.ParseAccount("0x1234")
	require.ErrorIs(t, err, core.ErrInvalidAccount)
}
