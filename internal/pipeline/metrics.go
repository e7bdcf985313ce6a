package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail_ingest",
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Handled deliveries by outcome",
		},
		[]string{"outcome"},
	)
	notifyResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mail_ingest",
			Subsystem: "notify",
			Name:      "results_total",
			Help:      "Notification attempts per destination by channel and result",
		},
		[]string{"channel", "result"},
	)
)

func init() {
	prometheus.MustRegister(outcomesTotal)
	prometheus.MustRegister(notifyResultsTotal)
}
