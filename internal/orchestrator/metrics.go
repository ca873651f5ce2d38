package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_orders_placed_total",
			Help: "Отправленные на биржу ордера по типам.",
		},
		[]string{"type"},
	)
	mtxDustSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_dust_skipped_total",
		Help: "Молчаливые пропуски пылевых объёмов.",
	})
)

func init() {
	prometheus.MustRegister(mtxOrdersPlaced, mtxDustSkipped)
}
