package policy

import "github.com/prometheus/client_golang/prometheus"

var mtxRulesFired = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "policy_rules_fired_total",
		Help: "Срабатывания правил выхода по причинам.",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(mtxRulesFired)
}
