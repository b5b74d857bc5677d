package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for matrank.
type Metrics struct {
	// --- Ingestion ---
	MatchesApplied  *prometheus.CounterVec
	MatchesRejected *prometheus.CounterVec
	EventsIngested  prometheus.Counter
	IngestDuration  *prometheus.HistogramVec
	ParseErrors     *prometheus.CounterVec

	// --- Periods ---
	PeriodsFinalized   *prometheus.CounterVec
	FinalizeDuration   prometheus.Histogram
	FinalizeFailures   *prometheus.CounterVec
	OpenPeriodSeq      *prometheus.GaugeVec
	DivergenceFallback *prometheus.CounterVec

	// --- Rollback ---
	RollbacksStarted   *prometheus.CounterVec
	RollbacksCompleted *prometheus.CounterVec
	RollbackDuration   prometheus.Histogram
	MatchesReplayed    prometheus.Counter

	// --- Snapshots ---
	SnapshotWrites   *prometheus.CounterVec
	SnapshotWriteDur prometheus.Histogram
	SnapshotReadDur  prometheus.Histogram
	SnapshotErrors   *prometheus.CounterVec

	// --- Pools ---
	PoolCount       prometheus.Gauge
	PoolCompetitors *prometheus.GaugeVec
	PoolBusy        *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.005, 0.01,
	}

	batchBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0}

	return &Metrics{
		// Ingestion
		MatchesApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_matches_applied_total",
			Help: "Matches applied provisionally",
		}, []string{"pool"}),

		MatchesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_matches_rejected_total",
			Help: "Matches rejected (unroutable, unknown_event, period_finalized)",
		}, []string{"reason"}),

		EventsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matrank_events_ingested_total",
			Help: "Tournament events registered",
		}),

		IngestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matrank_ingest_duration_seconds",
			Help:    "Time to apply a single match",
			Buckets: applyBuckets,
		}, []string{"pool"}),

		ParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_parse_errors_total",
			Help: "Malformed ingestion payloads",
		}, []string{"kind"}),

		// Periods
		PeriodsFinalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_periods_finalized_total",
			Help: "Rating periods finalized",
		}, []string{"pool"}),

		FinalizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrank_finalize_duration_seconds",
			Help:    "Time to finalize one period",
			Buckets: batchBuckets,
		}),

		FinalizeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_finalize_failures_total",
			Help: "Finalize attempts that failed and left the period open",
		}, []string{"pool"}),

		OpenPeriodSeq: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matrank_open_period_seq",
			Help: "Sequence number of the open period per pool",
		}, []string{"pool"}),

		DivergenceFallback: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_volatility_fallback_total",
			Help: "Competitors whose volatility search hit the iteration bound",
		}, []string{"pool"}),

		// Rollback
		RollbacksStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_rollbacks_started_total",
			Help: "Rollback replays started",
		}, []string{"pool"}),

		RollbacksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_rollbacks_completed_total",
			Help: "Rollback replays by outcome (promoted/discarded)",
		}, []string{"pool", "outcome"}),

		RollbackDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrank_rollback_duration_seconds",
			Help:    "Restore plus replay plus promote time",
			Buckets: batchBuckets,
		}),

		MatchesReplayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matrank_matches_replayed_total",
			Help: "Matches re-applied during rollback replay",
		}),

		// Snapshots
		SnapshotWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_snapshot_writes_total",
			Help: "Snapshot writes (finalized/staged)",
		}, []string{"kind"}),

		SnapshotWriteDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrank_snapshot_write_duration_seconds",
			Help:    "Snapshot write latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		SnapshotReadDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matrank_snapshot_read_duration_seconds",
			Help:    "Snapshot read latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		SnapshotErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_snapshot_errors_total",
			Help: "Snapshot store errors",
		}, []string{"op"}),

		// Pools
		PoolCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "matrank_pools",
			Help: "Pools with at least one ingested match",
		}),

		PoolCompetitors: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "matrank_pool_competitors",
			Help: "Rated competitors per pool",
		}, []string{"pool"}),

		PoolBusy: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matrank_pool_busy_total",
			Help: "Writes rejected because the pool writer lock was held",
		}, []string{"pool"}),
	}
}
