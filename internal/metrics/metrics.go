package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	SyncTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_sync_ticks_total",
			Help: "Total number of sync ticks by outcome",
		},
		[]string{"result"}, // success, failure, dropped
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_actions_total",
			Help: "Total number of state-changing actions by outcome",
		},
		[]string{"action", "result"}, // action: submit, retry; result: success, rejected, failure
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashboard_events_published_total",
			Help: "Total number of job lifecycle events published",
		},
		[]string{"type", "success"},
	)

	// Gauges
	JobsInStore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_jobs_in_store",
			Help: "Number of jobs in the current snapshot",
		},
	)

	RetriesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashboard_retries_in_flight",
			Help: "Number of retry calls currently outstanding",
		},
	)

	// Histograms
	SyncDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dashboard_sync_duration_seconds",
			Help:    "Duration of list calls issued by the synchronizer",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
	)
)

const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDropped  = "dropped"
	ResultRejected = "rejected"
)
