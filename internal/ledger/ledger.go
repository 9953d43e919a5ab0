// Package ledger is the transactional record of escrow holds, refund
// requests, payout schedules, payees and settlement failures.
//
// Every amount is an int64 count of minor units. Records are never deleted;
// terminal rows are immutable. State changes go through conditional updates
// keyed on the state the caller observed, so concurrent transitions of the
// same entity produce exactly one winner.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrRefundExceedsHold      = fmt.Errorf("%w: refund exceeds refundable hold amount", ErrInvalidAmount)
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrDuplicateHold          = errors.New("an active hold already exists for this booking")
	ErrNotEligible            = errors.New("not eligible")
	ErrInvalidState           = errors.New("unknown state")
	ErrInvalidInput           = errors.New("invalid input")
)

// HoldState is the lifecycle state of an EscrowHold.
type HoldState string

const (
	HoldHeld      HoldState = "held"
	HoldDisputed  HoldState = "disputed"
	HoldReleased  HoldState = "released"
	HoldRefunded  HoldState = "refunded"
	HoldCancelled HoldState = "cancelled"
)

// ParseHoldState validates a stored or user-supplied hold state.
func ParseHoldState(s string) (HoldState, error) {
	switch st := HoldState(s); st {
	case HoldHeld, HoldDisputed, HoldReleased, HoldRefunded, HoldCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: hold state %q", ErrInvalidState, s)
}

// Terminal reports whether no further transitions are allowed.
func (s HoldState) Terminal() bool {
	return s == HoldReleased || s == HoldRefunded || s == HoldCancelled
}

// RefundState is the lifecycle state of a RefundRequest.
type RefundState string

const (
	RefundPending    RefundState = "pending"
	RefundProcessing RefundState = "processing"
	RefundCompleted  RefundState = "completed"
	RefundFailed     RefundState = "failed"
)

// ParseRefundState validates a stored refund state.
func ParseRefundState(s string) (RefundState, error) {
	switch st := RefundState(s); st {
	case RefundPending, RefundProcessing, RefundCompleted, RefundFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: refund state %q", ErrInvalidState, s)
}

// Terminal reports whether the refund has settled one way or the other.
func (s RefundState) Terminal() bool {
	return s == RefundCompleted || s == RefundFailed
}

// ScheduleState is the lifecycle state of a PayoutSchedule.
type ScheduleState string

const (
	SchedulePending    ScheduleState = "pending"
	ScheduleProcessing ScheduleState = "processing" // transfer in flight
	SchedulePaid       ScheduleState = "paid"
	ScheduleMerged     ScheduleState = "merged" // folded into another pending schedule
)

// ParseScheduleState validates a stored schedule state.
func ParseScheduleState(s string) (ScheduleState, error) {
	switch st := ScheduleState(s); st {
	case SchedulePending, ScheduleProcessing, SchedulePaid, ScheduleMerged:
		return st, nil
	}
	return "", fmt.Errorf("%w: schedule state %q", ErrInvalidState, s)
}

// FailureKind tells which settlement path produced a SettlementFailure.
type FailureKind string

const (
	FailureRefund FailureKind = "refund"
	FailurePayout FailureKind = "payout"
)

// ParseFailureKind validates a stored failure kind.
func ParseFailureKind(s string) (FailureKind, error) {
	switch k := FailureKind(s); k {
	case FailureRefund, FailurePayout:
		return k, nil
	}
	return "", fmt.Errorf("%w: failure kind %q", ErrInvalidState, s)
}

// EscrowHold is customer money held in trust for one booking.
type EscrowHold struct {
	ID               string     `json:"id"`
	BookingID        string     `json:"bookingId"`
	PayeeID          string     `json:"payeeId"`
	PaymentRef       string     `json:"paymentRef"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	State            HoldState  `json:"state"`
	RefundedAmount   int64      `json:"refundedAmount"`
	FeeAmount        int64      `json:"feeAmount"`
	NetAmount        int64      `json:"netAmount"`
	PayoutScheduleID string     `json:"payoutScheduleId,omitempty"`
	ReleasedBy       string     `json:"releasedBy,omitempty"`
	DisputeReason    string     `json:"disputeReason,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	HeldAt           time.Time  `json:"heldAt"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	CancelledAt      *time.Time `json:"cancelledAt,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Refundable returns the amount not yet claimed by any refund request.
func (h *EscrowHold) Refundable() int64 {
	return h.Amount - h.RefundedAmount
}

// RefundRequest is a request to reverse part or all of a hold's charge.
type RefundRequest struct {
	ID            string      `json:"id"`
	EscrowHoldID  string      `json:"escrowHoldId"`
	PaymentRef    string      `json:"paymentRef"`
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	Reason        string      `json:"reason,omitempty"`
	State         RefundState `json:"state"`
	Attempts      int         `json:"attempts"`
	MaxAttempts   int         `json:"maxAttempts"`
	LastError     string      `json:"lastError,omitempty"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	ProcessorRef  string      `json:"processorRef,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
}

// IdempotencyKey is stable across a crash-and-requeue of the same attempt.
func (r *RefundRequest) IdempotencyKey() string {
	return fmt.Sprintf("refund_%s_%d", r.ID, r.Attempts)
}

// PayoutSchedule accumulates released net amounts owed to one payee in one
// currency until they are transferred.
type PayoutSchedule struct {
	ID                   string        `json:"id"`
	PayeeID              string        `json:"payeeId"`
	Currency             string        `json:"currency"`
	Amount               int64         `json:"amount"`
	State                ScheduleState `json:"state"`
	ScheduledFor         time.Time     `json:"scheduledFor"`
	EarlyPayoutRequested bool          `json:"earlyPayoutRequested"`
	Attempts             int           `json:"attempts"`
	LastError            string        `json:"lastError,omitempty"`
	ProcessorRef         string        `json:"processorRef,omitempty"`
	MergedInto           string        `json:"mergedInto,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	PaidAt               *time.Time    `json:"paidAt,omitempty"`
}

// IdempotencyKey identifies one transfer attempt of this schedule.
func (s *PayoutSchedule) IdempotencyKey() string {
	return fmt.Sprintf("payout_%s_%d", s.ID, s.Attempts)
}

// Due reports whether the schedule should be executed at now.
func (s *PayoutSchedule) Due(now time.Time) bool {
	return s.State == SchedulePending && (s.EarlyPayoutRequested || !s.ScheduledFor.After(now))
}

// Payee is a provider that receives payouts.
type Payee struct {
	ID               string        `json:"id"`
	ProcessorAccount string        `json:"processorAccount"`
	PayoutWeekday    *time.Weekday `json:"payoutWeekday,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SettlementFailure is an operator-visible record of a refund or payout that
// could not be settled automatically.
type SettlementFailure struct {
	ID             string      `json:"id"`
	Kind           FailureKind `json:"kind"`
	EntityID       string      `json:"entityId"`
	Reason         string      `json:"reason"`
	Attempts       int         `json:"attempts"`
	Acknowledged   bool        `json:"acknowledged"`
	CreatedAt      time.Time   `json:"createdAt"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
}

// Totals maps an ISO currency code to an amount in minor units.
type Totals map[string]int64

// Add accumulates amount into currency.
func (t Totals) Add(currency string, amount int64) {
	t[currency] += amount
}

// Aggregate is the platform-wide escrow position.
type Aggregate struct {
	Held               Totals           `json:"held"`
	Disputed           Totals           `json:"disputed"`
	PendingPayouts     Totals           `json:"pendingPayouts"`
	PaidOut            Totals           `json:"paidOut"`
	PlatformFees       Totals           `json:"platformFees"`
	RefundsOutstanding Totals           `json:"refundsOutstanding"`
	RefundsCompleted   Totals           `json:"refundsCompleted"`
	RefundsFailed      Totals           `json:"refundsFailed"`
	HoldCounts         map[string]int64 `json:"holdCounts"`
}

// NewAggregate returns an Aggregate with every map initialised.
func NewAggregate() *Aggregate {
	return &Aggregate{
		Held:               Totals{},
		Disputed:           Totals{},
		PendingPayouts:     Totals{},
		PaidOut:            Totals{},
		PlatformFees:       Totals{},
		RefundsOutstanding: Totals{},
		RefundsCompleted:   Totals{},
		RefundsFailed:      Totals{},
		HoldCounts:         map[string]int64{},
	}
}

// ScheduleLinkage compares a schedule's amount with the net amounts of the
// holds that point at it.
type ScheduleLinkage struct {
	ScheduleID string `json:"scheduleId"`
	Amount     int64  `json:"amount"`
	LinkedNet  int64  `json:"linkedNet"`
}
