package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"EUSDEngine/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide.
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.EngineOps.WithLabelValues("mint", "ok").Inc()
	if got := testutil.ToFloat64(m1.EngineOps.WithLabelValues("mint", "ok")); got != 1 {
		t.Errorf("m1 mint ok: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.EngineOps.WithLabelValues("mint", "ok")); got != 0 {
		t.Errorf("m2 should be untouched, got %v", got)
	}
}

func TestNewLoggerTo_WritesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "engine", zerolog.InfoLevel)

	logger.Debug().Msg("hidden")
	logger.Info().Str("account", "alice").Msg("deposit")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "engine" || line["account"] != "alice" {
		t.Errorf("unexpected fields: %v", line)
	}
}

func TestParseLogLevel(t *testing.T) {
	if observability.ParseLogLevel("debug") != zerolog.DebugLevel {
		t.Error("debug not parsed")
	}
	if observability.ParseLogLevel("bogus") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("before SetReady: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("after SetReady: got %d, want 200", rec.Code)
	}

	h.RegisterCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	if h.IsReady(context.Background()) {
		t.Error("failing check should make service not ready")
	}

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("with failing check: got %d, want 503", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if body.Checks["postgres"] != "connection refused" {
		t.Errorf("failing check not reported: %v", body.Checks)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness: got %d", rec.Code)
	}
}
