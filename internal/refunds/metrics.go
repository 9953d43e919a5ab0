package refunds

import "github.com/prometheus/client_golang/prometheus"

var (
	refundsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refunds",
		Name:      "processed_total",
		Help:      "Refund attempts by outcome (completed, retry, failed).",
	}, []string{"outcome"})

	refundedAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refunds",
		Name:      "completed_minor_units_total",
		Help:      "Amount reversed to customers, in minor units.",
	}, []string{"currency"})

	refundsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "refunds",
		Name:      "requeued_total",
		Help:      "Refunds returned to pending after sitting in processing too long.",
	})

	workerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "refunds",
		Name:      "tick_duration_seconds",
		Help:      "Duration of refund worker runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

func init() {
	prometheus.MustRegister(
		refundsProcessed,
		refundedAmount,
		refundsRequeued,
		workerTickDuration,
	)
}
