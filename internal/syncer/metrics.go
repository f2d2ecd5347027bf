package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sportmeet",
		Subsystem: "sync",
		Name:      "operations_synced_total",
		Help:      "Number of queued operations confirmed by the backend.",
	}, []string{"type"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sportmeet",
		Subsystem: "sync",
		Name:      "operations_failed_total",
		Help:      "Number of failed attempts to sync a queued operation.",
	}, []string{"type", "kind"})

	deadLetteredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sportmeet",
		Subsystem: "sync",
		Name:      "operations_dead_lettered_total",
		Help:      "Number of queued operations moved to the dead-letter list.",
	}, []string{"type"})

	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sportmeet",
		Subsystem: "sync",
		Name:      "drain_duration_seconds",
		Help:      "Duration of queue drain passes.",
		Buckets:   prometheus.DefBuckets,
	})

	queueLengthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sportmeet",
		Subsystem: "sync",
		Name:      "queue_length",
		Help:      "Operations left in the queue after the latest drain pass.",
	})
)

func init() {
	prometheus.MustRegister(syncedCounter, failedCounter, deadLetteredCounter, drainDuration, queueLengthGauge)
}
