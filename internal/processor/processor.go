// Package processor is the engine's view of the external payment processor:
// reversing a captured charge, transferring funds to a payee account, and
// looking up the result of an earlier idempotent call.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Transient and timeout failures are retried by the
// settlement workers; a terminal decline never is.
var (
	ErrTransient       = errors.New("processor transient failure")
	ErrTimeout         = errors.New("processor call timed out")
	ErrTerminalDecline = errors.New("processor terminal decline")
)

// IsRetryable reports whether err may succeed on a later attempt.
// Unclassified errors are treated as retryable: a retry reuses the
// idempotency key, so it cannot double-settle.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTerminalDecline)
}

// ReversalRequest reverses (part of) a captured charge.
type ReversalRequest struct {
	PaymentRef     string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

// TransferRequest moves funds to a payee's processor account.
type TransferRequest struct {
	Account        string
	Amount         int64
	Currency       string
	Description    string
	IdempotencyKey string
}

// Settlement is a reversal or transfer found by an idempotency-key lookup.
type Settlement struct {
	Ref    string
	Amount int64
}

// Processor is the subset of payment-processor capabilities the engine uses.
// Every mutating call carries an idempotency key; Lookup* report an earlier
// call made with that key, if any.
type Processor interface {
	ReverseCharge(ctx context.Context, req ReversalRequest) (ref string, err error)
	LookupReversal(ctx context.Context, paymentRef, idempotencyKey string) (Settlement, bool, error)
	Transfer(ctx context.Context, req TransferRequest) (ref string, err error)
	LookupTransfer(ctx context.Context, idempotencyKey string) (Settlement, bool, error)
	PayoutCapable(ctx context.Context, account string) (bool, error)
}

// Call runs fn under a per-call timeout. A deadline hit inside fn is
// reported as ErrTimeout so callers can treat it as retryable.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	v, err := fn(ctx)
	if err != nil && !errors.Is(err, ErrTimeout) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		return v, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return v, err
}
