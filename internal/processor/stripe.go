package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

const idempotencyMetadataKey = "idempotency_key"

// Stripe implements Processor against the Stripe API. Reversals are Stripe
// refunds against a PaymentIntent (or a Charge for "ch_" references);
// transfers are Connect transfers to the payee's connected account.
type Stripe struct {
	api *client.API
}

var _ Processor = (*Stripe)(nil)

// NewStripe creates a Stripe processor using the default API backends.
func NewStripe(secretKey string) *Stripe {
	return NewStripeWithBackends(secretKey, nil)
}

// NewStripeWithBackends allows pointing the client at a different backend
// (used by tests with an httptest server).
func NewStripeWithBackends(secretKey string, backends *stripe.Backends) *Stripe {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &Stripe{api: api}
}

func (s *Stripe) ReverseCharge(ctx context.Context, req ReversalRequest) (string, error) {
	params := &stripe.RefundParams{Amount: stripe.Int64(req.Amount)}
	setPaymentRef(req.PaymentRef, &params.PaymentIntent, &params.Charge)
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(idempotencyMetadataKey, req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	switch r.Status {
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return "", fmt.Errorf("%w: refund %s %s", ErrTerminalDecline, r.ID, r.Status)
	}
	return r.ID, nil
}

func (s *Stripe) LookupReversal(ctx context.Context, paymentRef, idempotencyKey string) (Settlement, bool, error) {
	params := &stripe.RefundListParams{}
	setPaymentRef(paymentRef, &params.PaymentIntent, &params.Charge)
	params.Context = ctx

	it := s.api.Refunds.List(params)
	for it.Next() {
		r := it.Refund()
		if r.Metadata[idempotencyMetadataKey] != idempotencyKey {
			continue
		}
		if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
			continue
		}
		return Settlement{Ref: r.ID, Amount: r.Amount}, true, nil
	}
	if err := it.Err(); err != nil {
		return Settlement{}, false, classifyStripeError(err)
	}
	return Settlement{}, false, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Account),
		TransferGroup: stripe.String(req.IdempotencyKey),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(idempotencyMetadataKey, req.IdempotencyKey)

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	return t.ID, nil
}

func (s *Stripe) LookupTransfer(ctx context.Context, idempotencyKey string) (Settlement, bool, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(idempotencyKey)}
	params.Context = ctx

	it := s.api.Transfers.List(params)
	for it.Next() {
		t := it.Transfer()
		if t.Reversed {
			continue
		}
		return Settlement{Ref: t.ID, Amount: t.Amount - t.AmountReversed}, true, nil
	}
	if err := it.Err(); err != nil {
		return Settlement{}, false, classifyStripeError(err)
	}
	return Settlement{}, false, nil
}

func (s *Stripe) PayoutCapable(ctx context.Context, account string) (bool, error) {
	if account == "" {
		return false, nil
	}
	params := &stripe.AccountParams{}
	params.Context = ctx

	a, err := s.api.Accounts.GetByID(account, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, classifyStripeError(err)
	}
	return a.PayoutsEnabled, nil
}

func setPaymentRef(ref string, paymentIntent, charge **string) {
	if strings.HasPrefix(ref, "ch_") {
		*charge = stripe.String(ref)
		return
	}
	*paymentIntent = stripe.String(ref)
}

// classifyStripeError maps a Stripe error onto the processor taxonomy.
// Card errors and non-retryable invalid requests are terminal; rate limits,
// API errors, 5xx responses and network failures are transient.
func classifyStripeError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
	}
	switch se.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return fmt.Errorf("%w: %s (%s)", ErrTerminalDecline, se.Msg, se.Code)
	}
	return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
}
