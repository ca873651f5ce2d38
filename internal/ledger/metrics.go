package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxOpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_open_positions",
			Help: "Активные позиции в леджере.",
		},
	)

	// Gauge: реализованный результат бывает отрицательным.
	mtxRealized = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_realized_profit_usd",
			Help: "Накопленный реализованный результат выходов.",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxOpenPositions, mtxRealized)
}
