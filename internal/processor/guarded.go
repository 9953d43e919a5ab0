package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/traces"
)

// Guarded decorates a Processor with a per-operation circuit breaker,
// Prometheus metrics and tracing spans. An open circuit is reported as
// ErrTransient so workers back off and retry later.
type Guarded struct {
	next    Processor
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ Processor = (*Guarded)(nil)

// NewGuarded wraps next. breaker may be shared with other components.
func NewGuarded(next Processor, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Guarded {
	g := &Guarded{next: next, breaker: breaker, logger: logger}
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("processor circuit state changed", "operation", key, "from", from.String(), "to", to.String())
	})
	return g
}

func (g *Guarded) ReverseCharge(ctx context.Context, req ReversalRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "processor.reverse_charge",
		traces.Operation(OpReverseCharge), traces.IdempotencyKey(req.IdempotencyKey))
	span.SetAttributes(traces.Amount(req.Amount, req.Currency)...)
	var ref string
	err := g.do(OpReverseCharge, func() (err error) {
		ref, err = g.next.ReverseCharge(ctx, req)
		return err
	})
	traces.EndSpan(span, err)
	return ref, err
}

func (g *Guarded) LookupReversal(ctx context.Context, paymentRef, key string) (Settlement, bool, error) {
	ctx, span := traces.StartSpan(ctx, "processor.lookup_reversal",
		traces.Operation(OpLookupReversal), traces.IdempotencyKey(key))
	var (
		st    Settlement
		found bool
	)
	err := g.do(OpLookupReversal, func() (err error) {
		st, found, err = g.next.LookupReversal(ctx, paymentRef, key)
		return err
	})
	traces.EndSpan(span, err)
	return st, found, err
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, span := traces.StartSpan(ctx, "processor.transfer",
		traces.Operation(OpTransfer), traces.IdempotencyKey(req.IdempotencyKey))
	span.SetAttributes(traces.Amount(req.Amount, req.Currency)...)
	var ref string
	err := g.do(OpTransfer, func() (err error) {
		ref, err = g.next.Transfer(ctx, req)
		return err
	})
	traces.EndSpan(span, err)
	return ref, err
}

func (g *Guarded) LookupTransfer(ctx context.Context, key string) (Settlement, bool, error) {
	ctx, span := traces.StartSpan(ctx, "processor.lookup_transfer",
		traces.Operation(OpLookupTransfer), traces.IdempotencyKey(key))
	var (
		st    Settlement
		found bool
	)
	err := g.do(OpLookupTransfer, func() (err error) {
		st, found, err = g.next.LookupTransfer(ctx, key)
		return err
	})
	traces.EndSpan(span, err)
	return st, found, err
}

func (g *Guarded) PayoutCapable(ctx context.Context, account string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "processor.payout_capable", traces.Operation(OpPayoutCapable))
	var capable bool
	err := g.do(OpPayoutCapable, func() (err error) {
		capable, err = g.next.PayoutCapable(ctx, account)
		return err
	})
	traces.EndSpan(span, err)
	return capable, err
}

func (g *Guarded) do(op string, fn func() error) error {
	start := time.Now()
	err := g.breaker.Do(op, IsRetryable, fn)
	processorCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if errors.Is(err, circuitbreaker.ErrOpen) {
		processorCalls.WithLabelValues(op, "circuit_open").Inc()
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	processorCalls.WithLabelValues(op, outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTerminalDecline):
		return "declined"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transient"
	}
}
