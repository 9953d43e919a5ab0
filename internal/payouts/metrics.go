package payouts

import "github.com/prometheus/client_golang/prometheus"

var (
	payoutsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "executed_total",
		Help:      "Payout executions by outcome (paid, failed, timeout, declined).",
	}, []string{"outcome"})

	payoutsMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "merged_total",
		Help:      "Pending schedules folded into a schedule whose transfer failed.",
	})

	payoutsRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "requeued_total",
		Help:      "Schedules returned to pending after being abandoned in processing.",
	})

	payoutAccruedAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "accrued_minor_units_total",
		Help:      "Net amount accrued into payout schedules, in minor units.",
	}, []string{"currency"})

	payoutPaidAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "paid_minor_units_total",
		Help:      "Amount transferred to payees, in minor units.",
	}, []string{"currency"})

	earlyPayoutRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "early_requests_total",
		Help:      "Accepted early payout requests.",
	})

	payoutTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "payouts",
		Name:      "tick_duration_seconds",
		Help:      "Duration of payout timer runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

func init() {
	prometheus.MustRegister(
		payoutsExecuted,
		payoutsMerged,
		payoutsRequeued,
		payoutAccruedAmount,
		payoutPaidAmount,
		earlyPayoutRequests,
		payoutTickDuration,
	)
}
