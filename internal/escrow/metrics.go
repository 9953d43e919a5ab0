package escrow

import (
	"errors"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	holdsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "holds_created_total",
		Help:      "Escrow holds created by currency.",
	}, []string{"currency"})

	holdTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Committed hold state transitions.",
	}, []string{"from", "to"})

	holdTransitionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "escrow",
		Name:      "transition_errors_total",
		Help:      "Rejected hold operations by operation and error kind.",
	}, []string{"operation", "kind"})
)

func init() {
	prometheus.MustRegister(holdsCreated, holdTransitions, holdTransitionErrors)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return "invalid_transition"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
