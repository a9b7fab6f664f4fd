package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(storePoolConns) }

var storePoolConns = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "job_store_pool_connections",
		Help: "Connections in the job store's pgx pool, by state.",
	},
	[]string{"state"}, // 'total', 'idle', 'in_use'
)

func SetStorePoolConns(total, idle, inUse int32) {
	storePoolConns.WithLabelValues("total").Set(float64(total))
	storePoolConns.WithLabelValues("idle").Set(float64(idle))
	storePoolConns.WithLabelValues("in_use").Set(float64(inUse))
}
