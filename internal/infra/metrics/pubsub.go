package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(pubsubMessagesTotal)
}

var pubsubMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pubsub_messages_total",
		Help: "Push-channel messages by outcome (acked, dropped, rejected, error).",
	},
	[]string{"outcome"},
)

func IncPubSubMessage(outcome string) {
	pubsubMessagesTotal.WithLabelValues(norm(outcome)).Inc()
}
