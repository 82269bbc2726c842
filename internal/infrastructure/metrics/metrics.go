package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateDecisions tracks the outcome of every API-key gated request
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_gate_decisions_total",
		Help: "Total number of gated requests by outcome",
	}, []string{"outcome"})

	// RateLimitDecisions tracks allow/deny decisions per window
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_ratelimit_decisions_total",
		Help: "Total number of rate limit decisions",
	}, []string{"window", "result"})

	// RequestDuration tracks downstream handler latency for gated requests
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quotagate_request_duration_seconds",
		Help:    "Histogram of gated request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status_class"})

	// UsageRecords tracks usage record persistence: written, failed, dropped
	UsageRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_usage_records_total",
		Help: "Total number of usage records by result",
	}, []string{"result"})

	// UsageQueueDepth tracks records waiting for a usage worker
	UsageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotagate_usage_queue_depth",
		Help: "Number of usage records waiting to be persisted",
	})

	// APIKeyOperations tracks key lifecycle operations
	APIKeyOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotagate_apikey_operations_total",
		Help: "Total number of API key lifecycle operations",
	}, []string{"operation"})

	// RetentionDeleted tracks usage records removed by the retention job
	RetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotagate_retention_deleted_total",
		Help: "Total number of usage records deleted by retention cleanup",
	})

	// DBConnectionsActive tracks open database connections
	DBConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotagate_db_connections_active",
		Help: "Number of active database connections",
	})
)
