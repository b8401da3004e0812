package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EUSDEngine/internal/config"
	"EUSDEngine/internal/core"
	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ingestion"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/liquidation"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/persistence"
	"EUSDEngine/internal/projection"
	"EUSDEngine/internal/query"
	"EUSDEngine/internal/server"
	"EUSDEngine/internal/state"
	"EUSDEngine/migrations"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const compactInterval = 30 * time.Second

func main() {
	cfg, err := config.Load("")
	logger := observability.NewLoggerTo(os.Stdout, "eusd-engine", observability.ParseLogLevel(levelOf(cfg)))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Str("oracle", cfg.Oracle.Source).Bool("postgres", cfg.Postgres.DSN != "").Msg("EUSD engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("engine stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func levelOf(cfg *config.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.LogLevel
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	params, err := cfg.Params()
	if err != nil {
		return err
	}
	backstopBalance, err := cfg.BackstopFund()
	if err != nil {
		return err
	}

	level := logger.GetLevel()
	component := func(name string) zerolog.Logger {
		return observability.NewLoggerTo(os.Stdout, name, level)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	g, ctx := errgroup.WithContext(ctx)

	// --- Postgres and recovery ---
	var (
		db        *sql.DB
		snapshots *persistence.SnapshotManager
		recovered *persistence.RecoveredState
	)
	if cfg.Postgres.DSN != "" {
		db, err = openPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		health.RegisterCheck("postgres", db.PingContext)

		snapshots = persistence.NewSnapshotManager(db, component("snapshot"), metrics)
		recovered, err = snapshots.Recover(ctx, cfg.Postgres.TailSize)
		if err != nil {
			return err
		}
	}

	l := ledger.NewLedger()
	log := event.NewLog()
	if recovered != nil {
		if err := l.Restore(recovered.Positions); err != nil {
			return err
		}
		if err := log.Restore(recovered.Tip, recovered.Tail); err != nil {
			return err
		}
		if err := l.ValidateAll(); err != nil {
			return err
		}
	}

	// --- Oracle ---
	feed, err := buildOracle(ctx, g, cfg, health, component("oracle"), metrics)
	if err != nil {
		return err
	}

	// --- Engine ---
	var store core.IdempotencyStore
	if db != nil {
		store = persistence.NewPostgresIdempotencyStore(db)
	}
	idem := core.NewIdempotencyChecker(cfg.Engine.IdempotencyCapacity, store)
	if recovered != nil {
		idem.WarmFromEvents(recovered.Tail)
	}

	engine, err := core.NewEngine(params, feed, l, log,
		core.WithLogger(component("engine")),
		core.WithMetrics(metrics),
		core.WithIdempotency(idem))
	if err != nil {
		return err
	}

	backstop := state.NewBackstopFund(backstopBalance)
	if recovered != nil && recovered.ShortfallTotal > 0 {
		covered, uncovered := backstop.Absorb(recovered.ShortfallTotal)
		logger.Info().Int64("covered", covered).Int64("uncovered", uncovered).Msg("backstop restored from history")
	}

	liqLogger := component("liquidation")
	module := liquidation.NewModule(engine, backstop, liqLogger, metrics)
	scanner := liquidation.NewScanner(l, feed, params, liquidation.ScannerConfig{
		Interval:  cfg.Liquidation.Interval.Duration,
		QueueSize: cfg.Liquidation.QueueSize,
	}, liqLogger, metrics)
	g.Go(func() error { return scanner.Run(ctx) })

	if cfg.Liquidation.Enabled {
		keeper := ledger.Account(common.HexToAddress(cfg.Liquidation.Keeper).Hex())
		executor := liquidation.NewExecutor(module, scanner, keeper, cfg.Liquidation.Workers, liqLogger)
		g.Go(func() error { return executor.Run(ctx) })
	}

	// --- Downstream consumers of the log ---
	var (
		persistWorker *persistence.PersistenceWorker
		projWorker    *projection.ProjectionWorker
		publisher     *ingestion.OutboundPublisher
	)
	if db != nil {
		persistWorker = persistence.NewPersistenceWorker(db, log, log.Latest().Sequence,
			cfg.Postgres.BatchSize, cfg.Postgres.FlushInterval.Duration,
			component("persistence"), metrics)
		g.Go(func() error { return persistWorker.Run(ctx) })

		projWorker = projection.NewProjectionWorker(db, snapshots, cfg.Postgres.ProjectionPoll.Duration,
			cfg.Postgres.BatchSize, component("projection"), metrics)
		g.Go(func() error { return projWorker.Run(ctx) })

		g.Go(func() error { return snapshots.RunSnapshots(ctx, cfg.Postgres.SnapshotInterval.Duration) })
	}

	if cfg.NATS.PublishEvents {
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		registerNATSCheck(health, "nats_publisher", nc)

		stream, err := ingestion.EnsureOutboundStream(ctx, js, logger)
		if err != nil {
			return err
		}
		last, err := ingestion.LastPublished(ctx, stream)
		if err != nil {
			return err
		}
		cursor, err := ingestion.ResumeCursor(ctx, last, log.Latest(), snapshots)
		if err != nil {
			return err
		}
		publisher = ingestion.NewOutboundPublisher(js, log, cursor,
			component("publisher"), metrics)
		g.Go(func() error { return publisher.Run(ctx) })
	}

	if db != nil {
		g.Go(func() error {
			return compactLog(ctx, log, cfg.Postgres.TailSize, persistWorker, projWorker, publisher, logger)
		})
	}

	// --- API ---
	handler, err := server.NewHTTPHandler(server.Deps{
		Engine:      engine,
		Liquidation: module,
		Scanner:     scanner,
		Query:       query.NewService(db, log, l),
		Oracle:      feed,
		Snapshots:   snapshots,
		Projections: projWorker,
		Health:      health,
		Metrics:     metrics,
		Logger:      component("http"),
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, handler, health, logger)
	g.Go(func() error { return srv.StartGRPC(ctx) })
	g.Go(func() error { return srv.StartHTTP(ctx) })
	g.Go(func() error { return server.ServeMetrics(ctx, cfg.Server.MetricsAddr, reg, logger) })

	health.SetReady(true)
	logger.Info().
		Int64("sequence", log.Latest().Sequence).
		Int("positions", l.Len()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("EUSD engine ready")

	err = g.Wait()
	health.SetReady(false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	applied, err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Int("applied", applied).Msg("postgres connected, migrations applied")
	return db, nil
}

// buildOracle returns the price adapter for the configured source. The nats
// source feeds an in-memory reading and mirrors accepted prices to Redis.
func buildOracle(ctx context.Context, g *errgroup.Group, cfg *config.Config, health *observability.HealthChecker, logger zerolog.Logger, metrics *observability.Metrics) (oracle.Adapter, error) {
	maxAge := cfg.Engine.MaxOracleAge.Duration

	switch cfg.Oracle.Source {
	case "static":
		price, err := cfg.StaticPrice()
		if err != nil {
			return nil, err
		}
		feed := oracle.NewStaticFeed(price, time.Now())
		g.Go(func() error { return feed.KeepFresh(ctx, maxAge/2, time.Now) })
		registerOracleCheck(health, feed, maxAge)
		return feed, nil

	case "redis":
		rdb := newRedis(cfg.Redis)
		registerRedisCheck(health, rdb)
		adapter := oracle.NewRedisAdapter(rdb, cfg.Oracle.Asset)
		registerOracleCheck(health, adapter, maxAge)
		return adapter, nil

	case "nats":
		nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return nil, err
		}
		registerNATSCheck(health, "nats_prices", nc)
		if err := ingestion.EnsurePriceStream(ctx, js, logger); err != nil {
			nc.Close()
			return nil, err
		}

		rdb := newRedis(cfg.Redis)
		registerRedisCheck(health, rdb)

		feed := oracle.NewFeed()
		sub := ingestion.NewPriceSubscriber(js, cfg.Oracle.Asset, feed, oracle.NewRedisAdapter(rdb, cfg.Oracle.Asset),
			logger, metrics)
		if err := sub.Subscribe(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		g.Go(func() error {
			<-ctx.Done()
			sub.Stop()
			rdb.Close()
			nc.Close()
			return nil
		})
		registerOracleCheck(health, feed, maxAge)
		return feed, nil
	}
	return nil, errors.New("unknown oracle source " + cfg.Oracle.Source)
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func registerOracleCheck(health *observability.HealthChecker, a oracle.Adapter, maxAge time.Duration) {
	health.RegisterCheck("oracle", func(ctx context.Context) error {
		_, err := oracle.ReadFresh(ctx, a, time.Now(), maxAge)
		return err
	})
}

func registerRedisCheck(health *observability.HealthChecker, rdb *redis.Client) {
	health.RegisterCheck("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}

func registerNATSCheck(health *observability.HealthChecker, name string, nc *nats.Conn) {
	health.RegisterCheck(name, func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	})
}

// compactLog drops log entries every consumer has moved past, keeping the
// newest retain entries for history reads and idempotency warmup.
func compactLog(ctx context.Context, log *event.Log, retain int, pw *persistence.PersistenceWorker,
	proj *projection.ProjectionWorker, pub *ingestion.OutboundPublisher, logger zerolog.Logger) error {
	ticker := time.NewTicker(compactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		bound := pw.Persisted()
		if s := proj.LastSequence(); s < bound {
			bound = s
		}
		if pub != nil {
			if s := pub.Cursor(); s < bound {
				bound = s
			}
		}
		bound -= int64(retain)
		if bound <= 0 {
			continue
		}
		if n := log.Compact(bound); n > 0 {
			logger.Debug().Int64("up_to", bound).Int("dropped", n).Int("retained", log.Len()).Msg("event log compacted")
		}
	}
}
