package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Прогоны сверки с биржей.",
		},
		[]string{"result"},
	)
	mtxAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_adopted_total",
		Help: "Позиции, принятые с биржи при сверке.",
	})
	mtxRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_removed_total",
		Help: "Локальные позиции, удалённые как сироты.",
	})
	mtxDrift = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_drift_corrections_total",
		Help: "Подрезки объёма по расхождению с биржей.",
	})
)

func init() {
	prometheus.MustRegister(mtxRuns, mtxAdopted, mtxRemoved, mtxDrift)
}
