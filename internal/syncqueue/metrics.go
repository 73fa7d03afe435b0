package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_sync_enqueued_total",
		Help: "Mutations written to the sync queue",
	}, []string{"entity_type", "action"})

	replayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_sync_replayed_total",
		Help: "Queue entries replayed successfully against the remote API",
	}, []string{"entity_type", "action"})

	replayFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_sync_replay_failures_total",
		Help: "Failed replay attempts",
	}, []string{"entity_type"})

	drainsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_sync_drains_total",
		Help: "Drain requests by trigger and outcome",
	}, []string{"trigger", "outcome"})

	drainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engage_sync_drain_duration_seconds",
		Help:    "Time spent in one drain",
		Buckets: prometheus.DefBuckets,
	})

	pendingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_sync_pending_entries",
		Help: "Entries waiting in the sync queue",
	})

	failingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_sync_failing_entries",
		Help: "Entries past the repeated-failure threshold",
	})
)
