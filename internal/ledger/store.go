package ledger

import (
	"context"
	"time"
)

// Tx is the set of row operations available inside Store.WithTx. Every
// method that mutates state either succeeds as part of the enclosing
// transaction or returns an error that causes the whole transaction to roll
// back.
type Tx interface {
	// GetHoldForUpdate reads a hold and locks it for the rest of the transaction.
	GetHoldForUpdate(ctx context.Context, id string) (*EscrowHold, error)
	// LatestHoldForBookingForUpdate returns the most recently created hold
	// for a booking, locked.
	LatestHoldForBookingForUpdate(ctx context.Context, bookingID string) (*EscrowHold, error)
	// InsertHold returns ErrDuplicateHold if the booking already has a
	// non-terminal hold.
	InsertHold(ctx context.Context, h *EscrowHold) error
	// UpdateHold persists h only if the stored state still equals from,
	// otherwise ErrInvalidStateTransition.
	UpdateHold(ctx context.Context, h *EscrowHold, from HoldState) error

	InsertRefund(ctx context.Context, r *RefundRequest) error
	GetRefundForUpdate(ctx context.Context, id string) (*RefundRequest, error)
	UpdateRefund(ctx context.Context, r *RefundRequest, from RefundState) error

	// AccrueSchedule adds candidate.Amount to the payee's pending schedule in
	// candidate.Currency, inserting candidate when none exists, and returns
	// the resulting row.
	AccrueSchedule(ctx context.Context, candidate *PayoutSchedule) (*PayoutSchedule, error)
	GetScheduleForUpdate(ctx context.Context, id string) (*PayoutSchedule, error)
	// PendingScheduleForUpdate returns ErrNotFound when the payee has no
	// pending schedule in currency.
	PendingScheduleForUpdate(ctx context.Context, payeeID, currency string) (*PayoutSchedule, error)
	UpdateSchedule(ctx context.Context, s *PayoutSchedule, from ScheduleState) error
	// RelinkHolds points every hold linked to fromID at toID.
	RelinkHolds(ctx context.Context, fromID, toID string) (int64, error)

	GetPayee(ctx context.Context, id string) (*Payee, error)
	InsertFailure(ctx context.Context, f *SettlementFailure) error
}

// Store persists the ledger.
//
// Reader methods must not be called from inside a WithTx callback; use the
// Tx argument instead.
type Store interface {
	// WithTx runs fn in a single transaction, committing if fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetHold(ctx context.Context, id string) (*EscrowHold, error)
	GetHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error)
	ListRefundsByHold(ctx context.Context, holdID string) ([]*RefundRequest, error)
	GetRefund(ctx context.Context, id string) (*RefundRequest, error)

	// ClaimNextRefund moves the oldest pending refund whose next attempt is
	// due to processing and returns it, or returns (nil, nil) when none is due.
	ClaimNextRefund(ctx context.Context, now time.Time) (*RefundRequest, error)
	// RequeueStaleRefunds returns processing refunds last touched before
	// cutoff to pending without consuming an attempt.
	RequeueStaleRefunds(ctx context.Context, cutoff, now time.Time) (int64, error)

	GetSchedule(ctx context.Context, id string) (*PayoutSchedule, error)
	// ListOpenSchedules returns the payee's pending and processing schedules.
	ListOpenSchedules(ctx context.Context, payeeID string) ([]*PayoutSchedule, error)
	// ListDueSchedules returns pending schedules that are due at now and have
	// fewer than maxAttempts failed attempts.
	ListDueSchedules(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*PayoutSchedule, error)
	// ListStaleSchedules returns processing schedules last touched before
	// cutoff, oldest first.
	ListStaleSchedules(ctx context.Context, cutoff time.Time, limit int) ([]*PayoutSchedule, error)

	GetPayee(ctx context.Context, id string) (*Payee, error)
	UpsertPayee(ctx context.Context, p *Payee) (*Payee, error)

	ListFailures(ctx context.Context, includeAcknowledged bool, limit int) ([]*SettlementFailure, error)
	AcknowledgeFailure(ctx context.Context, id string, at time.Time) (*SettlementFailure, error)

	// SumHeld totals amount minus refunded amount of held and disputed holds.
	// An empty payeeID means all payees.
	SumHeld(ctx context.Context, payeeID string) (Totals, error)
	// SumPendingPayouts totals pending and processing schedules.
	SumPendingPayouts(ctx context.Context, payeeID string) (Totals, error)
	// SumPaidOut totals schedules paid in [from, to).
	SumPaidOut(ctx context.Context, payeeID string, from, to time.Time) (Totals, error)
	Aggregate(ctx context.Context) (*Aggregate, error)

	ScheduleLinkages(ctx context.Context) ([]ScheduleLinkage, error)
	OverRefundedHolds(ctx context.Context) ([]string, error)
	CountOpenFailures(ctx context.Context) (int64, error)
	CountStaleRefunds(ctx context.Context, cutoff time.Time) (int64, error)
	CountStaleSchedules(ctx context.Context, cutoff time.Time) (int64, error)
}
