package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(observationsTotal, recomputesTotal, recomputeSeconds, consistencyRecoveriesTotal, conflictRetriesTotal)
}

var (
	observationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streaks_observations_total",
			Help: "Ingested repository-day observations by outcome.",
		},
		[]string{"outcome"}, // 'stored', 'unchanged', 'rejected', 'failed'
	)

	recomputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streaks_recomputes_total",
			Help: "Derived-state recomputations by kind and result.",
		},
		[]string{"kind", "success"}, // kind: 'user_day', 'streaks', 'full'
	)

	recomputeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streaks_recompute_seconds",
			Help:    "Latency of a per-user recomputation critical section.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	consistencyRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streaks_consistency_recoveries_total",
			Help: "Full-history replays triggered by inconsistent stored intervals.",
		},
	)

	conflictRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streaks_conflict_retries_total",
			Help: "Retries caused by concurrent writers, by operation.",
		},
		[]string{"operation"},
	)
)

func IncObservation(outcome string) {
	observationsTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveRecompute(kind string, started time.Time, success bool) {
	label := "true"
	if !success {
		label = "false"
	}
	recomputesTotal.WithLabelValues(norm(kind), label).Inc()
	recomputeSeconds.WithLabelValues(norm(kind)).Observe(time.Since(started).Seconds())
}

func IncConsistencyRecovery() {
	consistencyRecoveriesTotal.Inc()
}

func IncConflictRetry(operation string) {
	conflictRetriesTotal.WithLabelValues(norm(operation)).Inc()
}
