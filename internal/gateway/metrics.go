package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Вызовы биржи по операциям и результатам.",
		},
		[]string{"op", "result"}, // result: ok|throttle|rejection|transient|unknown
	)

	mtxCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Вызовы, отданные из короткого кэша.",
		},
		[]string{"op"},
	)

	mtxBudgetRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_budget_rejected_total",
			Help: "Отказы локального бюджета веса.",
		},
		[]string{"op"},
	)

	mtxBudgetUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_budget_used_weight",
			Help: "Израсходованный вес за скользящую минуту.",
		},
	)

	mtxBlockedWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_backoff_waits_total",
			Help: "Вызовы, переждавшие окно бэкоффа.",
		},
	)
)

func init() {
	prometheus.MustRegister(mtxCalls, mtxCacheHits, mtxBudgetRejected, mtxBudgetUsed, mtxBlockedWaits)
}
