package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		reconcilePassesTotal,
		reconcileBatchFailures,
		reconcileJobsScanned,
	)
}

var (
	reconcilePassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_passes_total",
			Help: "Reconciliation loop passes by result (ok, skipped, error).",
		},
		[]string{"result"},
	)

	reconcileBatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_batch_failures_total",
			Help: "Per-user batch failures during reconciliation, by stage.",
		},
		[]string{"stage"}, // 'fetch', 'commit'
	)

	reconcileJobsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_jobs_scanned_total",
			Help: "Jobs selected for reconciliation across all passes.",
		},
	)
)

func IncReconcilePass(result string) {
	reconcilePassesTotal.WithLabelValues(norm(result)).Inc()
}

func IncReconcileBatchFailure(stage string) {
	reconcileBatchFailures.WithLabelValues(norm(stage)).Inc()
}

func AddReconcileJobsScanned(n int) {
	reconcileJobsScanned.Add(float64(n))
}
