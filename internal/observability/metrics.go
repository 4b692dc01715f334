package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for EnergyLedger.
type Metrics struct {
	// --- Engine ---
	OpsApplied        *prometheus.CounterVec
	OpsRejected       *prometheus.CounterVec
	OpDuration        *prometheus.HistogramVec
	Sequence          prometheus.Gauge
	LockWait          prometheus.Histogram
	StoreCommitErrors *prometheus.CounterVec

	// --- Custody ---
	TransferDuration *prometheus.HistogramVec
	TransferFailures *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Channels ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	PublishDrops    prometheus.Counter

	// --- Journal ---
	JournalRowsWritten prometheus.Counter
	JournalBatchSize   prometheus.Histogram
	JournalErrors      *prometheus.CounterVec
	JournalRetry       prometheus.Counter
	JournalLastSeq     prometheus.Gauge

	// --- Ingestion ---
	CommandsReceived *prometheus.CounterVec
	CommandsInvalid  prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	AuditFailures prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.00005, 0.0001, 0.00025, 0.0005,
		0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		// Engine
		OpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_ops_applied_total",
			Help: "Operations committed",
		}, []string{"op"}),

		OpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_ops_rejected_total",
			Help: "Operations that left both records unchanged",
		}, []string{"op", "reason"}),

		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_op_duration_seconds",
			Help:    "Time from lock request to commit or rejection",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Sequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "energy_sequence",
			Help: "Last assigned operation sequence",
		}),

		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "energy_lock_wait_seconds",
			Help:    "Time spent acquiring the pool and user locks",
			Buckets: latencyBuckets,
		}),

		StoreCommitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_store_commit_errors_total",
			Help: "Record commits that failed after the update ran",
		}, []string{"op"}),

		// Custody
		TransferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_transfer_duration_seconds",
			Help:    "Custody transfer latency",
			Buckets: latencyBuckets,
		}, []string{"direction"}),

		TransferFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_transfer_failures_total",
			Help: "Custody transfers that failed",
		}, []string{"direction"}),

		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_transfer_compensations_total",
			Help: "Reverse transfers issued after a failed commit",
		}, []string{"outcome"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "energy_custody_breaker_state",
			Help: "Custody breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),

		// Idempotency
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "energy_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		// Channels
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "energy_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "energy_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		// Journal
		JournalRowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_journal_rows_written_total",
			Help: "Operation records written to Postgres",
		}),

		JournalBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "energy_journal_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		JournalErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_journal_errors_total",
			Help: "Journal write errors",
		}, []string{"error_type"}),

		JournalRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_journal_retry_total",
			Help: "Journal write retries",
		}),

		JournalLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "energy_journal_last_sequence",
			Help: "Highest sequence in the last written batch",
		}),

		// Ingestion
		CommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_commands_received_total",
			Help: "Commands received by transport",
		}, []string{"transport", "op"}),

		CommandsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_commands_invalid_total",
			Help: "Commands that could not be parsed",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energy_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "energy_audit_failures_total",
			Help: "Pool audits that found a conservation violation",
		}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
