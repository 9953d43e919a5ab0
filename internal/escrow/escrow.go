// Package escrow implements the escrow hold lifecycle.
//
// A hold is created after the customer's payment has been captured and
// moves through:
//
//	held -> released          booking completed
//	held -> disputed          dispute opened
//	disputed -> released      resolved for the provider (or split)
//	disputed -> refunded      resolved for the customer
//	held -> cancelled         booking cancelled before completion
//
// Every transition is a single ledger transaction keyed on the state the
// manager observed, so concurrent callers racing on the same hold get
// exactly one winner. Side effects (payout accrual, refund requests) are
// written in the same transaction; notifications fire after commit.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/traces"
)

// Actor identifies who triggered a release.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorProvider Actor = "provider"
	ActorAdmin    Actor = "admin"
	ActorSystem   Actor = "system"
)

// ParseActor validates an actor name.
func ParseActor(s string) (Actor, error) {
	switch a := Actor(strings.ToLower(strings.TrimSpace(s))); a {
	case ActorCustomer, ActorProvider, ActorAdmin, ActorSystem:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown actor %q", ledger.ErrInvalidInput, s)
}

// Outcome is the decision that closes a dispute.
type Outcome string

const (
	OutcomeFavorProvider Outcome = "favor_provider"
	OutcomeFavorCustomer Outcome = "favor_customer"
	OutcomeSplit         Outcome = "split"
)

// ParseOutcome validates a dispute outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeFavorProvider, OutcomeFavorCustomer, OutcomeSplit:
		return o, nil
	}
	return "", fmt.Errorf("%w: unknown dispute outcome %q", ledger.ErrInvalidInput, s)
}

// Accruer adds a released hold's net amount to its payee's payout schedule
// inside the release transaction.
type Accruer interface {
	Accrue(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold) (*ledger.PayoutSchedule, error)
}

// Notifier is told about holds that reached released or refunded. Calls
// happen after the transition has committed.
type Notifier interface {
	HoldReleased(ctx context.Context, h *ledger.EscrowHold)
	HoldRefunded(ctx context.Context, h *ledger.EscrowHold)
}

// Config holds the manager's policy settings.
type Config struct {
	// FeeBps is the platform fee rate in basis points.
	FeeBps int64
	// DefaultCurrency applies to holds created without a currency.
	DefaultCurrency string
	// RefundMaxAttempts is copied onto every refund request.
	RefundMaxAttempts int
}

// CreateHoldRequest describes a captured payment to hold in escrow.
type CreateHoldRequest struct {
	BookingID  string
	PayeeID    string
	PaymentRef string
	Amount     int64
	Currency   string
}

// Manager owns hold state transitions.
type Manager struct {
	store    ledger.Store
	accruer  Accruer
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a hold manager.
func NewManager(store ledger.Store, accruer Accruer, cfg Config, logger *slog.Logger) *Manager {
	if cfg.RefundMaxAttempts <= 0 {
		cfg.RefundMaxAttempts = 1
	}
	return &Manager{
		store:   store,
		accruer: accruer,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// WithNotifier sets the receiver of released/refunded notifications.
func (m *Manager) WithNotifier(n Notifier) *Manager {
	m.notifier = n
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// CreateHold records a new hold in the held state.
func (m *Manager) CreateHold(ctx context.Context, req CreateHoldRequest) (*ledger.EscrowHold, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateHold", traces.BookingID(req.BookingID), traces.PayeeID(req.PayeeID))
	var retErr error
	defer func() { traces.EndSpan(span, retErr) }()

	if req.Amount <= 0 {
		retErr = fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidAmount)
		return nil, retErr
	}
	if req.BookingID == "" || req.PayeeID == "" || req.PaymentRef == "" {
		retErr = fmt.Errorf("%w: bookingId, payeeId and paymentRef are required", ledger.ErrInvalidInput)
		return nil, retErr
	}
	currency := req.Currency
	if currency == "" {
		currency = m.cfg.DefaultCurrency
	}
	currency, err := money.NormalizeCurrency(currency)
	if err != nil {
		retErr = fmt.Errorf("%w: %w", ledger.ErrInvalidInput, err)
		return nil, retErr
	}

	now := m.now().UTC()
	h := &ledger.EscrowHold{
		ID:         idgen.WithPrefix("hold_"),
		BookingID:  req.BookingID,
		PayeeID:    req.PayeeID,
		PaymentRef: req.PaymentRef,
		Amount:     req.Amount,
		Currency:   currency,
		State:      ledger.HoldHeld,
		CreatedAt:  now,
		HeldAt:     now,
		UpdatedAt:  now,
	}
	span.SetAttributes(traces.HoldID(h.ID))
	span.SetAttributes(traces.Amount(h.Amount, h.Currency)...)

	if err := m.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertHold(ctx, h)
	}); err != nil {
		retErr = err
		return nil, err
	}

	holdsCreated.WithLabelValues(h.Currency).Inc()
	m.logger.Info("escrow hold created",
		"holdId", h.ID, "bookingId", h.BookingID, "payeeId", h.PayeeID,
		"amount", money.Format(h.Amount), "currency", h.Currency)
	return h, nil
}

// Release pays a held hold out to the provider: the platform fee is taken
// from what remains after refunds and the net amount is accrued into the
// payee's payout schedule in the same transaction.
func (m *Manager) Release(ctx context.Context, holdID string, actor Actor) (*ledger.EscrowHold, error) {
	return m.transition(ctx, "escrow.Release", holdID, func(tx ledger.Tx, h *ledger.EscrowHold) error {
		if h.State != ledger.HoldHeld {
			return invalidTransition(h, ledger.HoldReleased)
		}
		return m.release(ctx, tx, h, actor)
	})
}

// Cancel closes a held hold before completion and refunds whatever has not
// already been refunded.
func (m *Manager) Cancel(ctx context.Context, holdID, reason string) (*ledger.EscrowHold, error) {
	return m.transition(ctx, "escrow.Cancel", holdID, func(tx ledger.Tx, h *ledger.EscrowHold) error {
		if h.State != ledger.HoldHeld {
			return invalidTransition(h, ledger.HoldCancelled)
		}
		if _, err := m.refundRemaining(ctx, tx, h, reason); err != nil {
			return err
		}
		now := m.now().UTC()
		h.State = ledger.HoldCancelled
		h.CancelledAt = &now
		h.UpdatedAt = now
		return tx.UpdateHold(ctx, h, ledger.HoldHeld)
	})
}

// OpenDispute freezes a held hold until an operator resolves it.
func (m *Manager) OpenDispute(ctx context.Context, holdID, reason string) (*ledger.EscrowHold, error) {
	return m.transition(ctx, "escrow.OpenDispute", holdID, func(tx ledger.Tx, h *ledger.EscrowHold) error {
		if h.State != ledger.HoldHeld {
			return invalidTransition(h, ledger.HoldDisputed)
		}
		h.State = ledger.HoldDisputed
		h.DisputeReason = reason
		h.UpdatedAt = m.now().UTC()
		return tx.UpdateHold(ctx, h, ledger.HoldHeld)
	})
}

// ResolveDispute closes a disputed hold. A split refunds partialRefund to
// the customer and releases the rest; it must leave something on both
// sides.
func (m *Manager) ResolveDispute(ctx context.Context, holdID string, outcome Outcome, partialRefund int64) (*ledger.EscrowHold, error) {
	return m.transition(ctx, "escrow.ResolveDispute", holdID, func(tx ledger.Tx, h *ledger.EscrowHold) error {
		if h.State != ledger.HoldDisputed {
			return fmt.Errorf("%w: hold %s is %s, not disputed", ledger.ErrInvalidStateTransition, h.ID, h.State)
		}
		now := m.now().UTC()
		h.Resolution = string(outcome)
		h.ResolvedAt = &now

		switch outcome {
		case OutcomeFavorProvider:
			return m.release(ctx, tx, h, ActorAdmin)

		case OutcomeFavorCustomer:
			if _, err := m.refundRemaining(ctx, tx, h, "dispute resolved for customer"); err != nil {
				return err
			}
			h.State = ledger.HoldRefunded
			h.UpdatedAt = now
			return tx.UpdateHold(ctx, h, ledger.HoldDisputed)

		case OutcomeSplit:
			remaining := h.Refundable()
			if partialRefund <= 0 || partialRefund >= remaining {
				return fmt.Errorf("%w: split refund must be between 0 and %s exclusive",
					ledger.ErrInvalidAmount, money.Format(remaining))
			}
			if err := m.addRefund(ctx, tx, h, partialRefund, "dispute split"); err != nil {
				return err
			}
			return m.release(ctx, tx, h, ActorAdmin)

		default:
			return fmt.Errorf("%w: unknown dispute outcome %q", ledger.ErrInvalidInput, outcome)
		}
	})
}

// RequestRefund refunds part of a held or disputed hold. Refunding the last
// of the hold's amount moves it to refunded.
func (m *Manager) RequestRefund(ctx context.Context, holdID string, amount int64, reason string) (*ledger.RefundRequest, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ledger.ErrInvalidAmount)
	}

	var refund *ledger.RefundRequest
	h, err := m.transition(ctx, "escrow.RequestRefund", holdID, func(tx ledger.Tx, h *ledger.EscrowHold) error {
		from := h.State
		if from != ledger.HoldHeld && from != ledger.HoldDisputed {
			return fmt.Errorf("%w: hold %s is %s", ledger.ErrInvalidStateTransition, h.ID, h.State)
		}
		if amount > h.Refundable() {
			return fmt.Errorf("%w: requested %s, refundable %s",
				ledger.ErrRefundExceedsHold, money.Format(amount), money.Format(h.Refundable()))
		}
		r := m.newRefund(h, amount, reason)
		if err := tx.InsertRefund(ctx, r); err != nil {
			return err
		}
		refund = r
		now := m.now().UTC()
		h.RefundedAmount += amount
		h.UpdatedAt = now
		if h.Refundable() == 0 {
			h.State = ledger.HoldRefunded
			h.ResolvedAt = &now
		}
		return tx.UpdateHold(ctx, h, from)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("refund requested", "holdId", h.ID, "refundId", refund.ID, "amount", money.Format(amount))
	return refund, nil
}

// BookingCompleted releases the booking's current hold.
func (m *Manager) BookingCompleted(ctx context.Context, bookingID string, actor Actor) (*ledger.EscrowHold, error) {
	h, err := m.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return m.Release(ctx, h.ID, actor)
}

// BookingCancelled cancels the booking's current hold.
func (m *Manager) BookingCancelled(ctx context.Context, bookingID, reason string) (*ledger.EscrowHold, error) {
	h, err := m.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return m.Cancel(ctx, h.ID, reason)
}

// Get returns a hold by ID.
func (m *Manager) Get(ctx context.Context, holdID string) (*ledger.EscrowHold, error) {
	return m.store.GetHold(ctx, holdID)
}

// GetByBooking returns the most recent hold for a booking.
func (m *Manager) GetByBooking(ctx context.Context, bookingID string) (*ledger.EscrowHold, error) {
	return m.store.GetHoldByBooking(ctx, bookingID)
}

// ListRefunds returns every refund request made against a hold.
func (m *Manager) ListRefunds(ctx context.Context, holdID string) ([]*ledger.RefundRequest, error) {
	if _, err := m.store.GetHold(ctx, holdID); err != nil {
		return nil, err
	}
	return m.store.ListRefundsByHold(ctx, holdID)
}

// transition runs fn against the locked hold inside one transaction, then
// records metrics and notifies on the committed result.
func (m *Manager) transition(ctx context.Context, op, holdID string, fn func(tx ledger.Tx, h *ledger.EscrowHold) error) (*ledger.EscrowHold, error) {
	ctx, span := traces.StartSpan(ctx, op, traces.HoldID(holdID))
	var (
		from   ledger.HoldState
		out    *ledger.EscrowHold
		retErr error
	)
	defer func() { traces.EndSpan(span, retErr) }()

	retErr = m.store.WithTx(ctx, func(tx ledger.Tx) error {
		h, err := tx.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		from = h.State
		if err := fn(tx, h); err != nil {
			return err
		}
		out = h
		return nil
	})
	if retErr != nil {
		holdTransitionErrors.WithLabelValues(op, errorKind(retErr)).Inc()
		return nil, retErr
	}

	if out.State != from {
		holdTransitions.WithLabelValues(string(from), string(out.State)).Inc()
		m.logger.Info("escrow hold transitioned",
			"holdId", out.ID, "bookingId", out.BookingID, "from", from, "to", out.State)
	}
	m.notify(ctx, from, out)
	return out, nil
}

func (m *Manager) notify(ctx context.Context, from ledger.HoldState, h *ledger.EscrowHold) {
	if m.notifier == nil || h.State == from {
		return
	}
	switch h.State {
	case ledger.HoldReleased:
		m.notifier.HoldReleased(ctx, h)
	case ledger.HoldRefunded:
		m.notifier.HoldRefunded(ctx, h)
	}
}

// release applies the fee split to the unrefunded remainder, accrues the
// net amount and persists the released hold.
func (m *Manager) release(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, actor Actor) error {
	from := h.State
	split, err := money.SplitFee(h.Refundable(), m.cfg.FeeBps)
	if err != nil {
		return fmt.Errorf("fee split: %w", err)
	}
	now := m.now().UTC()
	h.FeeAmount = split.Fee
	h.NetAmount = split.Net
	h.State = ledger.HoldReleased
	h.ReleasedAt = &now
	h.ReleasedBy = string(actor)
	h.UpdatedAt = now

	if _, err := m.accruer.Accrue(ctx, tx, h); err != nil {
		return err
	}
	return tx.UpdateHold(ctx, h, from)
}

// refundRemaining creates a refund request for the hold's unrefunded
// amount, if any.
func (m *Manager) refundRemaining(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, reason string) (int64, error) {
	remaining := h.Refundable()
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, m.addRefund(ctx, tx, h, remaining, reason)
}

func (m *Manager) addRefund(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold, amount int64, reason string) error {
	if err := tx.InsertRefund(ctx, m.newRefund(h, amount, reason)); err != nil {
		return err
	}
	h.RefundedAmount += amount
	return nil
}

func (m *Manager) newRefund(h *ledger.EscrowHold, amount int64, reason string) *ledger.RefundRequest {
	now := m.now().UTC()
	return &ledger.RefundRequest{
		ID:            idgen.WithPrefix("rfd_"),
		EscrowHoldID:  h.ID,
		PaymentRef:    h.PaymentRef,
		Amount:        amount,
		Currency:      h.Currency,
		Reason:        reason,
		State:         ledger.RefundPending,
		MaxAttempts:   m.cfg.RefundMaxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func invalidTransition(h *ledger.EscrowHold, to ledger.HoldState) error {
	return fmt.Errorf("%w: hold %s is %s, cannot become %s", ledger.ErrInvalidStateTransition, h.ID, h.State, to)
}
