package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(creditsTotal)
}

var creditsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "billing_credits_total",
		Help: "Sum of credits moved through the ledger, by operation.",
	},
	[]string{"op"}, // 'deduct', 'add'
)

func ObserveCredits(op string, amount float64) {
	creditsTotal.WithLabelValues(norm(op)).Add(amount)
}
