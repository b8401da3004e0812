package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (or
// $EUSD_CONFIG when path is empty; no file is fine), then EUSD_* variables.
// A .env file in the working directory is loaded first when present. The
// result is not validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path == "" {
		path = os.Getenv("EUSD_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "EUSD_LOG_LEVEL")

	// engine
	setStr(&cfg.Engine.MinCollateralRatio, "EUSD_MIN_COLLATERAL_RATIO")
	setStr(&cfg.Engine.LiquidationThresholdRatio, "EUSD_LIQUIDATION_THRESHOLD_RATIO")
	setStr(&cfg.Engine.LiquidationPenalty, "EUSD_LIQUIDATION_PENALTY")
	setDuration(&cfg.Engine.MaxOracleAge, "EUSD_MAX_ORACLE_AGE")
	setInt(&cfg.Engine.IdempotencyCapacity, "EUSD_IDEMPOTENCY_CAPACITY")

	// oracle
	setStr(&cfg.Oracle.Source, "EUSD_ORACLE_SOURCE")
	setStr(&cfg.Oracle.Asset, "EUSD_ORACLE_ASSET")
	setStr(&cfg.Oracle.StaticPrice, "EUSD_ORACLE_STATIC_PRICE")

	// postgres
	setStr(&cfg.Postgres.DSN, "EUSD_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "EUSD_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.BatchSize, "EUSD_POSTGRES_BATCH_SIZE")
	setDuration(&cfg.Postgres.SnapshotInterval, "EUSD_SNAPSHOT_INTERVAL")

	// nats
	setStr(&cfg.NATS.URL, "EUSD_NATS_URL")
	setBool(&cfg.NATS.PublishEvents, "EUSD_NATS_PUBLISH_EVENTS")

	// redis
	setStr(&cfg.Redis.Addr, "EUSD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EUSD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EUSD_REDIS_DB")

	// server
	setStr(&cfg.Server.HTTPAddr, "EUSD_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "EUSD_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "EUSD_METRICS_ADDR")

	// liquidation
	setBool(&cfg.Liquidation.Enabled, "EUSD_LIQUIDATION_ENABLED")
	setDuration(&cfg.Liquidation.Interval, "EUSD_LIQUIDATION_INTERVAL")
	setInt(&cfg.Liquidation.Workers, "EUSD_LIQUIDATION_WORKERS")
	setStr(&cfg.Liquidation.Keeper, "EUSD_LIQUIDATION_KEEPER")
	setStr(&cfg.Liquidation.Backstop, "EUSD_BACKSTOP_FUND")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
