// Package refunds drains pending refund requests against the payment
// processor.
//
// A refund is claimed (pending -> processing), settled with an idempotency
// key derived from its ID and attempt count, and then completed, retried
// with exponential backoff, or failed. Failures that exhaust their attempts
// or are declined outright are recorded for operators.
package refunds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/processor"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Notifier is told when a refund reaches a terminal state.
type Notifier interface {
	RefundCompleted(ctx context.Context, r *ledger.RefundRequest)
	RefundFailed(ctx context.Context, r *ledger.RefundRequest)
}

// Config controls retry pacing.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	// StaleAfter is how long a refund may sit in processing before
	// RequeueStale assumes its worker died.
	StaleAfter time.Duration
}

// Queue settles refund requests.
type Queue struct {
	store    ledger.Store
	proc     processor.Processor
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewQueue creates a refund queue.
func NewQueue(store ledger.Store, proc processor.Processor, cfg Config, logger *slog.Logger) *Queue {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Queue{
		store:  store,
		proc:   proc,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithNotifier sets the receiver of completed/failed notifications.
func (q *Queue) WithNotifier(n Notifier) *Queue {
	q.notifier = n
	return q
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Get returns a refund request by ID.
func (q *Queue) Get(ctx context.Context, id string) (*ledger.RefundRequest, error) {
	return q.store.GetRefund(ctx, id)
}

// ProcessNext claims and settles the oldest due refund. It returns
// (nil, nil) when nothing is due. Processor failures are absorbed into the
// refund's retry state; the returned error covers only ledger failures.
func (q *Queue) ProcessNext(ctx context.Context) (*ledger.RefundRequest, error) {
	claimed, err := q.store.ClaimNextRefund(ctx, q.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("claim refund: %w", err)
	}
	if claimed == nil {
		return nil, nil
	}

	ctx, span := traces.StartSpan(ctx, "refunds.ProcessNext",
		traces.RefundID(claimed.ID), traces.HoldID(claimed.EscrowHoldID))
	span.SetAttributes(traces.Amount(claimed.Amount, claimed.Currency)...)
	var retErr error
	defer func() { traces.EndSpan(span, retErr) }()

	ref, settleErr := q.settle(ctx, claimed)
	if settleErr == nil {
		done, err := q.complete(ctx, claimed.ID, ref)
		if err != nil {
			retErr = err
			return nil, err
		}
		refundsProcessed.WithLabelValues("completed").Inc()
		refundedAmount.WithLabelValues(done.Currency).Add(float64(done.Amount))
		q.logger.Info("refund completed",
			"refundId", done.ID, "holdId", done.EscrowHoldID, "amount", money.Format(done.Amount),
			"processorRef", ref, "attempts", done.Attempts)
		if q.notifier != nil {
			q.notifier.RefundCompleted(ctx, done)
		}
		return done, nil
	}

	out, err := q.fail(ctx, claimed.ID, settleErr)
	if err != nil {
		retErr = err
		return nil, err
	}
	if out.State == ledger.RefundFailed {
		refundsProcessed.WithLabelValues("failed").Inc()
		q.logger.Error("refund failed",
			"refundId", out.ID, "holdId", out.EscrowHoldID, "attempts", out.Attempts, "error", settleErr)
		if q.notifier != nil {
			q.notifier.RefundFailed(ctx, out)
		}
		return out, nil
	}
	refundsProcessed.WithLabelValues("retry").Inc()
	q.logger.Warn("refund attempt failed",
		"refundId", out.ID, "attempts", out.Attempts, "nextAttemptAt", out.NextAttemptAt, "error", settleErr)
	return out, nil
}

// Drain processes due refunds until none is left or limit is reached. It
// returns how many were processed.
func (q *Queue) Drain(ctx context.Context, limit int) (int, error) {
	n := 0
	for n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		r, err := q.ProcessNext(ctx)
		if err != nil {
			return n, err
		}
		if r == nil {
			return n, nil
		}
		n++
	}
	return n, nil
}

// RequeueStale returns refunds stuck in processing for longer than
// StaleAfter to pending. Their attempt count is unchanged, so the retry
// reuses the same idempotency key.
func (q *Queue) RequeueStale(ctx context.Context) (int64, error) {
	now := q.now().UTC()
	n, err := q.store.RequeueStaleRefunds(ctx, now.Add(-q.cfg.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("requeue stale refunds: %w", err)
	}
	if n > 0 {
		refundsRequeued.Add(float64(n))
		q.logger.Warn("requeued stale refunds", "count", n)
	}
	return n, nil
}

type lookupResult struct {
	processor.Settlement
	found bool
}

// settle reverses whatever part of the refund earlier attempts did not.
// Every prior attempt's key is looked up first so a reversal whose
// response was lost is never issued twice.
func (q *Queue) settle(ctx context.Context, r *ledger.RefundRequest) (string, error) {
	var (
		settled int64
		lastRef string
	)
	for attempt := 0; attempt <= r.Attempts; attempt++ {
		key := fmt.Sprintf("refund_%s_%d", r.ID, attempt)
		res, err := processor.Call(ctx, q.cfg.CallTimeout, func(ctx context.Context) (lookupResult, error) {
			st, found, err := q.proc.LookupReversal(ctx, r.PaymentRef, key)
			return lookupResult{st, found}, err
		})
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", key, err)
		}
		if res.found {
			settled += res.Amount
			lastRef = res.Ref
		}
	}

	remaining := r.Amount - settled
	if remaining <= 0 {
		return lastRef, nil
	}
	return processor.Call(ctx, q.cfg.CallTimeout, func(ctx context.Context) (string, error) {
		return q.proc.ReverseCharge(ctx, processor.ReversalRequest{
			PaymentRef:     r.PaymentRef,
			Amount:         remaining,
			Currency:       r.Currency,
			Reason:         r.Reason,
			IdempotencyKey: r.IdempotencyKey(),
		})
	})
}

func (q *Queue) complete(ctx context.Context, id, ref string) (*ledger.RefundRequest, error) {
	var out *ledger.RefundRequest
	err := q.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRefundForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		cur.State = ledger.RefundCompleted
		cur.ProcessorRef = ref
		cur.LastError = ""
		cur.ResolvedAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateRefund(ctx, cur, ledger.RefundProcessing); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// fail records a failed attempt. The refund goes back to pending with a
// backoff delay while attempts remain; otherwise it is failed and a
// settlement failure is recorded. Declines consume every remaining attempt.
func (q *Queue) fail(ctx context.Context, id string, cause error) (*ledger.RefundRequest, error) {
	var out *ledger.RefundRequest
	err := q.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetRefundForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := q.now().UTC()
		cur.Attempts++
		if !processor.IsRetryable(cause) {
			cur.Attempts = cur.MaxAttempts
		}
		cur.LastError = cause.Error()
		cur.UpdatedAt = now

		if cur.Attempts < cur.MaxAttempts {
			cur.State = ledger.RefundPending
			cur.NextAttemptAt = now.Add(retry.Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, cur.Attempts))
		} else {
			cur.Attempts = cur.MaxAttempts
			cur.State = ledger.RefundFailed
			cur.ResolvedAt = &now
			if err := tx.InsertFailure(ctx, &ledger.SettlementFailure{
				ID:        idgen.WithPrefix("fail_"),
				Kind:      ledger.FailureRefund,
				EntityID:  cur.ID,
				Reason:    cause.Error(),
				Attempts:  cur.Attempts,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.UpdateRefund(ctx, cur, ledger.RefundProcessing); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if errors.Is(err, ledger.ErrInvalidStateTransition) {
		// Requeued as stale while the call was in flight; the next claim
		// retries with the same key.
		q.logger.Warn("refund changed state during attempt", "refundId", id)
	}
	return out, err
}
