package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database
	// ============================================
	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// Deposit notification ingestion
	// ============================================
	WebhookNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_webhook_notifications_total",
			Help: "Deposit notifications by ingestion outcome",
		},
		[]string{"outcome"},
	)

	WebhookKeyFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_webhook_key_fetches_total",
			Help: "Public key fetches from the key-distribution endpoint",
		},
		[]string{"result"},
	)

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payswap_ingest_duration_seconds",
		Help:    "Time to ingest one deposit notification synchronously",
		Buckets: prometheus.DefBuckets,
	})

	PaymentsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_payments_recorded_total",
			Help: "Payments written to the ledger",
		},
		[]string{"chain", "asset"},
	)

	ReceiptMirror = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_receipt_mirror_total",
			Help: "Receipt blob mirror attempts by result",
		},
		[]string{"result"},
	)

	// ============================================
	// AutoSwap
	// ============================================
	SwapJobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payswap_swap_jobs_enqueued_total",
		Help: "Swap jobs created by the scheduler",
	})

	SwapJobsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_swap_jobs_skipped_total",
			Help: "Payments the scheduler did not enqueue, by reason",
		},
		[]string{"reason"},
	)

	SwapJobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_swap_jobs_claimed_total",
			Help: "Swap jobs claimed by a worker",
		},
		[]string{"worker"},
	)

	SwapJobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_swap_job_outcomes_total",
			Help: "Swap job attempt outcomes (completed, retried, failed)",
		},
		[]string{"outcome"},
	)

	SwapExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payswap_swap_execution_duration_seconds",
		Help:    "Submit plus confirmation time for one swap attempt",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
	})

	// ============================================
	// Event publishing / push
	// ============================================
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payswap_events_published_total",
			Help: "Domain events published to NATS",
		},
		[]string{"subject", "result"},
	)

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	PushConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payswap_push_connections",
		Help: "Open websocket push connections",
	})
)
