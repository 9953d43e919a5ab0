package processor

import "github.com/prometheus/client_golang/prometheus"

var (
	processorCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "processor",
		Name:      "calls_total",
		Help:      "Processor calls by operation and outcome (ok, transient, timeout, declined, circuit_open).",
	}, []string{"operation", "outcome"})

	processorCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "processor",
		Name:      "call_duration_seconds",
		Help:      "Processor call latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(processorCalls, processorCallDuration)
}
