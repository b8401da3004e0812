package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the full service configuration. Ratios, fractions, prices and
// amounts are decimal strings ("1.5", "0.1", "2000").
type Config struct {
	LogLevel    string            `toml:"log_level"`
	Engine      EngineConfig      `toml:"engine"`
	Oracle      OracleConfig      `toml:"oracle"`
	Postgres    PostgresConfig    `toml:"postgres"`
	NATS        NATSConfig        `toml:"nats"`
	Redis       RedisConfig       `toml:"redis"`
	Server      ServerConfig      `toml:"server"`
	Liquidation LiquidationConfig `toml:"liquidation"`
}

type EngineConfig struct {
	MinCollateralRatio        string   `toml:"min_collateral_ratio"`
	LiquidationThresholdRatio string   `toml:"liquidation_threshold_ratio"`
	LiquidationPenalty        string   `toml:"liquidation_penalty"`
	MaxOracleAge              duration `toml:"max_oracle_age"`
	IdempotencyCapacity       int      `toml:"idempotency_capacity"`
}

type OracleConfig struct {
	Source      string `toml:"source"` // static | redis | nats
	Asset       string `toml:"asset"`
	StaticPrice string `toml:"static_price"`
}

// PostgresConfig enables durability when DSN is set. Without it the engine
// runs purely in memory.
type PostgresConfig struct {
	DSN              string   `toml:"dsn"`
	MaxOpenConns     int      `toml:"max_open_conns"`
	BatchSize        int      `toml:"batch_size"`
	FlushInterval    duration `toml:"flush_interval"`
	SnapshotInterval duration `toml:"snapshot_interval"`
	TailSize         int      `toml:"tail_size"`
	ProjectionPoll   duration `toml:"projection_poll"`
}

type NATSConfig struct {
	URL           string `toml:"url"`
	PublishEvents bool   `toml:"publish_events"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ServerConfig struct {
	HTTPAddr    string `toml:"http_addr"`
	GRPCAddr    string `toml:"grpc_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

type LiquidationConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Workers   int      `toml:"workers"`
	QueueSize int      `toml:"queue_size"`
	Keeper    string   `toml:"keeper"`
	Backstop  string   `toml:"backstop_fund"`
}

// duration wraps time.Duration for TOML string decoding ("5m", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			MinCollateralRatio:        "1.5",
			LiquidationThresholdRatio: "1.2",
			LiquidationPenalty:        "0.1",
			MaxOracleAge:              duration{5 * time.Minute},
			IdempotencyCapacity:       100_000,
		},
		Oracle: OracleConfig{
			Source:      "static",
			Asset:       "ETH",
			StaticPrice: "2000",
		},
		Postgres: PostgresConfig{
			MaxOpenConns:     10,
			BatchSize:        500,
			FlushInterval:    duration{50 * time.Millisecond},
			SnapshotInterval: duration{10 * time.Minute},
			TailSize:         10_000,
			ProjectionPoll:   duration{250 * time.Millisecond},
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			MetricsAddr: ":9100",
		},
		Liquidation: LiquidationConfig{
			Enabled:   true,
			Interval:  duration{5 * time.Second},
			Workers:   4,
			QueueSize: 1024,
			Keeper:    "0x000000000000000000000000000000000000dEaD",
			Backstop:  "0",
		},
	}
}

var validSources = map[string]bool{"static": true, "redis": true, "nats": true}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Params converts the engine section to fixed-point parameters.
func (c *Config) Params() (state.Params, error) {
	var errs []error
	parse := func(name, v string) int64 {
		n, err := fpmath.ParseDecimal(v, fpmath.RatioConfig)
		if err != nil {
			errs = append(errs, fmt.Errorf("engine: %s: %w", name, err))
		}
		return n
	}

	p := state.Params{
		MinCollateralRatio:        parse("min_collateral_ratio", c.Engine.MinCollateralRatio),
		LiquidationThresholdRatio: parse("liquidation_threshold_ratio", c.Engine.LiquidationThresholdRatio),
		LiquidationPenalty:        parse("liquidation_penalty", c.Engine.LiquidationPenalty),
		MaxOracleAge:              c.Engine.MaxOracleAge.Duration,
	}
	if len(errs) > 0 {
		return state.Params{}, errors.Join(errs...)
	}
	return p, nil
}

// StaticPrice returns the configured static oracle price at price scale.
func (c *Config) StaticPrice() (int64, error) {
	return fpmath.ParseDecimal(c.Oracle.StaticPrice, fpmath.PriceConfig)
}

// BackstopFund returns the configured backstop balance at amount scale.
func (c *Config) BackstopFund() (int64, error) {
	return fpmath.ParseDecimal(c.Liquidation.Backstop, fpmath.AmountConfig)
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	if p, err := c.Params(); err != nil {
		errs = append(errs, err.Error())
	} else if err := state.ValidateParams(p); err != nil {
		errs = append(errs, "engine: "+err.Error())
	}
	if c.Engine.IdempotencyCapacity < 1 {
		errs = append(errs, "engine: idempotency_capacity must be >= 1")
	}

	if !validSources[c.Oracle.Source] {
		errs = append(errs, fmt.Sprintf("oracle: unknown source %q (valid: static, redis, nats)", c.Oracle.Source))
	}
	if strings.TrimSpace(c.Oracle.Asset) == "" {
		errs = append(errs, "oracle: asset must not be empty")
	}
	if c.Oracle.Source == "static" {
		if p, err := c.StaticPrice(); err != nil {
			errs = append(errs, "oracle: static_price: "+err.Error())
		} else if p <= 0 {
			errs = append(errs, "oracle: static_price must be positive")
		}
	}
	if c.Oracle.Source == "redis" && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required for oracle source redis")
	}
	if (c.Oracle.Source == "nats" || c.NATS.PublishEvents) && c.NATS.URL == "" {
		errs = append(errs, "nats: url is required")
	}
	if c.NATS.PublishEvents && c.Postgres.DSN == "" {
		errs = append(errs, "nats: publish_events requires postgres.dsn")
	}

	if c.Postgres.DSN != "" {
		if c.Postgres.BatchSize < 1 {
			errs = append(errs, "postgres: batch_size must be >= 1")
		}
		if c.Postgres.TailSize < 0 {
			errs = append(errs, "postgres: tail_size must be >= 0")
		}
		if c.Postgres.SnapshotInterval.Duration <= 0 {
			errs = append(errs, "postgres: snapshot_interval must be positive")
		}
	}

	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server: http_addr must not be empty")
	}

	if c.Liquidation.Enabled {
		if c.Liquidation.Interval.Duration <= 0 {
			errs = append(errs, "liquidation: interval must be positive")
		}
		if c.Liquidation.Workers < 1 {
			errs = append(errs, "liquidation: workers must be >= 1")
		}
		if c.Liquidation.QueueSize < 1 {
			errs = append(errs, "liquidation: queue_size must be >= 1")
		}
		if !common.IsHexAddress(c.Liquidation.Keeper) {
			errs = append(errs, fmt.Sprintf("liquidation: keeper %q is not a hex address", c.Liquidation.Keeper))
		}
	}
	if b, err := c.BackstopFund(); err != nil {
		errs = append(errs, "liquidation: backstop_fund: "+err.Error())
	} else if b < 0 {
		errs = append(errs, "liquidation: backstop_fund must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
