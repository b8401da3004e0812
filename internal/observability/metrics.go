package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the EUSD engine.
type Metrics struct {
	// --- Engine ---
	EngineOps         *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EventSequence     prometheus.Gauge
	IdempotentReplays *prometheus.CounterVec
	OpenPositions     prometheus.Gauge

	// --- Oracle ---
	OracleReads     *prometheus.CounterVec
	OraclePrice     prometheus.Gauge
	OracleAge       prometheus.Gauge
	PriceUpdates    *prometheus.CounterVec
	PriceSeqGaps    prometheus.Counter

	// --- Liquidation ---
	LiquidationsTotal   *prometheus.CounterVec
	LiquidationSeized   prometheus.Counter
	ShortfallTotal      prometheus.Counter
	ShortfallUncovered  prometheus.Counter
	BackstopBalance     prometheus.Gauge
	ScannerCycles       *prometheus.CounterVec
	ScannerCandidates   prometheus.Gauge
	ScannerDuration     prometheus.Histogram
	CandidateQueueDepth prometheus.Gauge

	// --- Publishing ---
	PublishTotal    *prometheus.CounterVec
	PublishCursor   prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projections & Query ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// the process registry in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	opBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.005, 0.01, 0.05,
	}
	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		// Engine
		EngineOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_engine_ops_total",
			Help: "Engine operations by op and result",
		}, []string{"op", "result"}),

		EngineOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eusd_engine_op_duration_seconds",
			Help:    "Time to validate and commit one engine operation",
			Buckets: opBuckets,
		}, []string{"op"}),

		EventSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_event_sequence",
			Help: "Sequence of the last appended event",
		}),

		IdempotentReplays: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_idempotent_replays_total",
			Help: "Requests answered from the idempotency cache",
		}, []string{"tier"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_open_positions",
			Help: "Positions with non-zero collateral or debt",
		}),

		// Oracle
		OracleReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_oracle_reads_total",
			Help: "Oracle reads by result (fresh, stale, unavailable)",
		}, []string{"result"}),

		OraclePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_oracle_price",
			Help: "Last observed collateral price in EUSD",
		}),

		OracleAge: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_oracle_age_seconds",
			Help: "Age of the last observed oracle reading",
		}),

		PriceUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_price_updates_total",
			Help: "Price updates received from the feed",
		}, []string{"result"}),

		PriceSeqGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_price_sequence_gaps_total",
			Help: "Gaps observed in the price feed sequence",
		}),

		// Liquidation
		LiquidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_liquidations_total",
			Help: "Liquidation attempts by result",
		}, []string{"result"}),

		LiquidationSeized: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_liquidation_seized_collateral_total",
			Help: "Collateral seized by liquidations",
		}),

		ShortfallTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_underwater_shortfall_total",
			Help: "EUSD shortfall from underwater liquidations",
		}),

		ShortfallUncovered: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_underwater_shortfall_uncovered_total",
			Help: "Shortfall the backstop fund could not absorb",
		}),

		BackstopBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_backstop_fund_balance",
			Help: "Remaining backstop fund balance in EUSD",
		}),

		ScannerCycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_liquidation_scan_cycles_total",
			Help: "Scanner cycles by result",
		}, []string{"result"}),

		ScannerCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_liquidation_candidates",
			Help: "Liquidatable accounts found by the last scan",
		}),

		ScannerDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eusd_liquidation_scan_duration_seconds",
			Help:    "Time to scan the ledger snapshot",
			Buckets: ioBuckets,
		}),

		CandidateQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_liquidation_queue_depth",
			Help: "Candidates waiting for an executor",
		}),

		// Publishing
		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_publish_events_total",
			Help: "Events published to JetStream by result",
		}, []string{"result"}),

		PublishCursor: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_publish_cursor",
			Help: "Last sequence acknowledged by JetStream",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eusd_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eusd_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_persist_retries_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_snapshots_taken_total",
			Help: "Position snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "eusd_snapshot_duration_seconds",
			Help:    "Time to write one snapshot",
			Buckets: ioBuckets,
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_snapshot_last_sequence",
			Help: "Event sequence covered by the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "eusd_replay_events_total",
			Help: "Events replayed at startup",
		}),

		// Projections & Query
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eusd_projection_update_duration_seconds",
			Help:    "Time to apply a batch to a projection",
			Buckets: ioBuckets,
		}, []string{"projection"}),

		ProjectionLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "eusd_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eusd_http_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eusd_http_request_duration_seconds",
			Help:    "HTTP API latency by route",
			Buckets: ioBuckets,
		}, []string{"route"}),
	}
}
