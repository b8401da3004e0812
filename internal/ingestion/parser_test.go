package ingestion_test

import (
	"EUSDEngine/internal/ingestion"
	"encoding/json"
	"testing"
	"time"
)

func priceJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePriceUpdate(t *testing.T) {
	data := priceJSON(t, map[string]interface{}{
		"asset":        "eth",
		"price":        "2000.12345678",
		"sequence":     int64(42),
		"timestamp_us": int64(1700000000000000),
		"source":       "chainlink",
	})

	u, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if u.Asset != "ETH" {
		t.Errorf("asset: got %s, want ETH", u.Asset)
	}
	if u.Price != 2000_12345678 {
		t.Errorf("price: got %d, want 200012345678", u.Price)
	}
	if u.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", u.Sequence)
	}
	if !u.AsOf.Equal(time.UnixMicro(1700000000000000)) {
		t.Errorf("as_of: got %v", u.AsOf)
	}
	if u.Reading().Source != "chainlink" {
		t.Errorf("source: got %s", u.Reading().Source)
	}
}

func TestParsePriceUpdate_DefaultsSource(t *testing.T) {
	data := priceJSON(t, map[string]interface{}{
		"asset": "ETH", "price": "1", "sequence": 1, "timestamp_us": 1,
	})
	u, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if u.Source != "nats" {
		t.Errorf("source: got %s, want nats", u.Source)
	}
}

func TestParsePriceUpdate_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"missing asset":  {"price": "1", "timestamp_us": 1},
		"zero price":     {"asset": "ETH", "price": "0", "timestamp_us": 1},
		"negative price": {"asset": "ETH", "price": "-5", "timestamp_us": 1},
		"too precise":    {"asset": "ETH", "price": "1.123456789", "timestamp_us": 1},
		"not a number":   {"asset": "ETH", "price": "abc", "timestamp_us": 1},
		"missing ts":     {"asset": "ETH", "price": "1"},
	}
	for name, payload := range cases {
		if _, err := ingestion.ParsePriceUpdate(priceJSON(t, payload)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := ingestion.ParsePriceUpdate([]byte("{not json")); err == nil {
		t.Error("malformed JSON: expected error")
	}
}

func TestPriceSequencer(t *testing.T) {
	ps := ingestion.NewPriceSequencer()

	if ok, gap := ps.Accept("ETH", 5); !ok || gap {
		t.Errorf("first update: ok=%v gap=%v", ok, gap)
	}
	if ok, _ := ps.Accept("ETH", 5); ok {
		t.Error("duplicate should be dropped")
	}
	if ok, _ := ps.Accept("ETH", 3); ok {
		t.Error("stale should be dropped")
	}
	if ok, gap := ps.Accept("ETH", 9); !ok || !gap {
		t.Errorf("gap should be accepted and flagged: ok=%v gap=%v", ok, gap)
	}
	if ps.Expected("ETH") != 10 || ps.Gaps("ETH") != 1 {
		t.Errorf("expected=%d gaps=%d", ps.Expected("ETH"), ps.Gaps("ETH"))
	}
}
