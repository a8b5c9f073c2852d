package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fogbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fogbin_paste_retrieved_total",
		Help: "no. of raw paste reads served",
	})
	GateDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fogbin_gate_denied_total",
		Help: "no. of rejected password checks",
	})
	Expirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_expirations_total",
			Help: "no. of records removed after expiry",
		},
		[]string{"path"},
	)
	Orphans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_orphans_total",
			Help: "no. of half-written records reconciled",
		},
		[]string{"kind"},
	)
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_cache_hits_total",
			Help: "no. of metadata cache hits",
		},
		[]string{"layer"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_cache_misses_total",
			Help: "no. of metadata cache misses",
		},
		[]string{"layer"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fogbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fogbin_sweep_cycles_total",
		Help: "no. of expiry sweep passes",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fogbin_sweep_duration_seconds",
		Help:    "duration of one expiry sweep pass",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fogbin_sweep_errors_total",
		Help: "no. of per-record failures during sweep",
	})
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	Redactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_redactions_total",
			Help: "no. of redaction passes over flagged content",
		},
		[]string{"stage"},
	)
	NotifySent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_notify_sent_total",
			Help: "no. of events delivered",
		},
		[]string{"sink"},
	)
	NotifyFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_notify_failed_total",
			Help: "no. of event deliveries that failed",
		},
		[]string{"sink"},
	)
	NotifyDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fogbin_notify_dropped_total",
			Help: "no. of events dropped before delivery",
		},
		[]string{"reason"},
	)
	StoreCircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fogbin_store_circuit_open",
		Help: "1 while the store circuit breaker is open",
	})
)
