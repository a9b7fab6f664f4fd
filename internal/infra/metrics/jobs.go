package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		jobEventsTotal,
		jobTransitionsTotal,
	)
}

var (
	jobEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_total",
			Help: "Ingested job events by kind (progress, artifacts).",
		},
		[]string{"kind"},
	)

	jobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_transitions_total",
			Help: "Job status transitions applied, by target status.",
		},
		[]string{"status"},
	)
)

func IncJobEvent(kind string) {
	jobEventsTotal.WithLabelValues(norm(kind)).Inc()
}

func IncJobTransition(status string) {
	jobTransitionsTotal.WithLabelValues(norm(status)).Inc()
}
