package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/oracle"
)

// PriceUpdate is a parsed price feed message.
type PriceUpdate struct {
	Asset    string
	Price    int64
	Sequence int64
	AsOf     time.Time
	Source   string
}

// Reading converts the update to an oracle reading.
func (u PriceUpdate) Reading() oracle.Reading {
	return oracle.Reading{Price: u.Price, AsOf: u.AsOf, Source: u.Source}
}

// priceUpdateJSON is the wire format on eusd.prices.{asset}. Price is a
// decimal string; field names use snake_case to match upstream producers.
type priceUpdateJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
	Source      string `json:"source"`
}

// ParsePriceUpdate validates and converts a raw price message.
func ParsePriceUpdate(data []byte) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	asset := strings.ToUpper(strings.TrimSpace(j.Asset))
	if asset == "" {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: missing asset")
	}
	if j.TimestampUs <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse PriceUpdate: missing timestamp_us")
	}

	price, err := fpmath.ParseDecimal(j.Price, fpmath.PriceConfig)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	if price <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price: must be positive, got %s", j.Price)
	}

	source := j.Source
	if source == "" {
		source = "nats"
	}

	return PriceUpdate{
		Asset:    asset,
		Price:    price,
		Sequence: j.Sequence,
		AsOf:     time.UnixMicro(j.TimestampUs),
		Source:   source,
	}, nil
}
