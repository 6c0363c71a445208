// Package metrics holds cellwatch's Prometheus collectors.
//
// Collectors register with the default registry; the debug server exposes them at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellwatch_session_connects_total",
		Help: "Total number of successful sync connections",
	})
	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellwatch_session_connected",
		Help: "1 while a sync connection is live",
	})

	Subscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellwatch_subscriptions_total",
		Help: "Total number of document subscribe requests",
	})
	LoadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_load_failures_total",
		Help: "Total number of document subscriptions that failed to load",
	}, []string{"collection"})
	Ops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_op_components_total",
		Help: "Total number of op components applied, by collection",
	}, []string{"collection"})
	Nodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellwatch_nodes",
		Help: "Current number of loaded nodes",
	})
	PendingDigests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellwatch_pending_digests",
		Help: "Current number of targets waiting for their quiet period",
	})

	DigestsFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellwatch_digests_flushed_total",
		Help: "Total number of digests rendered",
	})
	DigestsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellwatch_digests_dropped_total",
		Help: "Total number of digests dropped because the target never loaded",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_deliveries_total",
		Help: "Total number of delivery attempts, by driver and result",
	}, []string{"driver", "result"})
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cellwatch_delivery_duration_seconds",
		Help:    "Duration of delivery sends",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver"})

	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_token_refreshes_total",
		Help: "Total number of session token refreshes, by result",
	}, []string{"result"})

	Backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_backups_total",
		Help: "Total number of backup exports, by result",
	}, []string{"result"})
	BackupBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellwatch_backup_last_bytes",
		Help: "Size of the most recent backup export",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_job_runs_total",
		Help: "Total number of scheduled job runs, by job and result",
	}, []string{"job", "result"})
	JobsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_job_skips_total",
		Help: "Total number of scheduled triggers skipped because the previous run was still going",
	}, []string{"job"})

	Restarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellwatch_goroutine_restarts_total",
		Help: "Total number of supervised goroutine restarts",
	}, []string{"name"})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
