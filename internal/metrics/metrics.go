// Package metrics defines Prometheus metrics for pools, requests and transactions.
// All collectors are registered upfront on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of borrowed sessions per pool.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mssqlease_sessions_active",
		Help: "Number of sessions currently borrowed per pool",
	}, []string{"pool"})

	// SessionsIdle tracks the number of idle sessions per pool.
	SessionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mssqlease_sessions_idle",
		Help: "Number of idle sessions in the pool",
	}, []string{"pool"})

	// SessionsMax tracks the configured max sessions per pool.
	SessionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mssqlease_sessions_max",
		Help: "Configured maximum sessions per pool",
	}, []string{"pool"})

	// SessionsTotal counts session lifecycle operations.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_sessions_total",
		Help: "Total session operations",
	}, []string{"pool", "status"})

	// SessionErrors counts session errors by type.
	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_session_errors_total",
		Help: "Total session errors",
	}, []string{"pool", "error_type"})

	// WaitQueueLength tracks callers waiting for a session per pool.
	WaitQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mssqlease_wait_queue_length",
		Help: "Number of callers waiting for a session per pool",
	}, []string{"pool"})

	// AcquireWaitDuration tracks the time callers spend waiting for a session.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mssqlease_acquire_wait_seconds",
		Help:    "Time spent waiting in queue for a session",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// DatabaseCorrections counts sessions switched back to their configured database on acquire.
	DatabaseCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_database_corrections_total",
		Help: "Sessions switched back to the configured database on acquire",
	}, []string{"pool"})

	// RequestDuration tracks request execution time.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mssqlease_request_duration_seconds",
		Help:    "Request execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	// RequestRows counts rows streamed by requests.
	RequestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_request_rows_total",
		Help: "Total rows received across all result sets",
	}, []string{"kind"})

	// RequestErrors counts failed requests.
	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_request_errors_total",
		Help: "Total failed requests",
	}, []string{"kind"})

	// TransactionsTotal counts transaction operations by outcome.
	TransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_transactions_total",
		Help: "Total transaction operations",
	}, []string{"operation", "status"})

	// CoordinatorOperations counts Redis coordinator operations.
	CoordinatorOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mssqlease_coordinator_operations_total",
		Help: "Total Redis coordinator operations",
	}, []string{"operation", "status"})
)
