package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	heldTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "held_minor_units",
		Help:      "Money currently held in escrow (held and disputed), in minor units.",
	}, []string{"currency"})

	pendingPayouts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "pending_payouts_minor_units",
		Help:      "Accrued payouts not yet transferred, in minor units.",
	}, []string{"currency"})

	openFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "open_failures",
		Help:      "Unacknowledged settlement failures.",
	})

	staleRefunds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stale_refunds",
		Help:      "Refunds stuck in processing found in the last run.",
	})

	stalePayouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stale_payouts",
		Help:      "Payout schedules stuck in processing found in the last run.",
	})

	integrityMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "integrity_mismatches",
		Help:      "Schedule linkage mismatches plus over-refunded holds found in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		heldTotal,
		pendingPayouts,
		openFailures,
		staleRefunds,
		stalePayouts,
		integrityMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}

func setTotals(g *prometheus.GaugeVec, totals map[string]int64) {
	g.Reset()
	for currency, amount := range totals {
		g.WithLabelValues(currency).Set(float64(amount))
	}
}
