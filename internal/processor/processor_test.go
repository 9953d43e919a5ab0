package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(ErrTransient))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.False(t, IsRetryable(ErrTerminalDecline))
	assert.False(t, IsRetryable(errors.Join(errors.New("card"), ErrTerminalDecline)))
}

func TestCall_TimeoutIsRetryable(t *testing.T) {
	_, err := Call(context.Background(), 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestCall_PassesThroughResult(t *testing.T) {
	v, err := Call(context.Background(), time.Second, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err = Call(context.Background(), time.Second, func(context.Context) (int, error) { return 0, ErrTerminalDecline })
	assert.ErrorIs(t, err, ErrTerminalDecline)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestMemory_ReverseChargeIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	req := ReversalRequest{PaymentRef: "pi_1", Amount: 3000, Currency: "USD", IdempotencyKey: "refund_r1_0"}

	ref1, err := m.ReverseCharge(ctx, req)
	require.NoError(t, err)
	ref2, err := m.ReverseCharge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.Equal(t, int64(3000), m.Refunded("pi_1"))

	st, found, err := m.LookupReversal(ctx, "pi_1", "refund_r1_0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Settlement{Ref: ref1, Amount: 3000}, st)

	_, found, _ = m.LookupReversal(ctx, "pi_1", "refund_r1_1")
	assert.False(t, found)
}

func TestMemory_FailureInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.FailNext(OpTransfer, ErrTransient, ErrTimeout)

	req := TransferRequest{Account: "acct_1", Amount: 9000, Currency: "USD", IdempotencyKey: "payout_s1_0"}
	_, err := m.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrTransient)
	_, err = m.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrTimeout)
	_, err = m.Transfer(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 3, m.Calls(OpTransfer))
	assert.Equal(t, int64(9000), m.Paid("acct_1"))
}

func TestMemory_LostResponseStillSettles(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.LoseResponses(OpReverseCharge, 1)

	req := ReversalRequest{PaymentRef: "pi_1", Amount: 100, Currency: "USD", IdempotencyKey: "refund_r1_0"}
	_, err := m.ReverseCharge(ctx, req)
	assert.ErrorIs(t, err, ErrTimeout)

	_, found, err := m.LookupReversal(ctx, "pi_1", req.IdempotencyKey)
	require.NoError(t, err)
	assert.True(t, found, "the reversal happened even though the caller saw a timeout")
	assert.Equal(t, int64(100), m.Refunded("pi_1"))
}

func TestMemory_PayoutCapable(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.PayoutCapable(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, ok)

	m.SetPayoutCapable("acct_1", false)
	ok, _ = m.PayoutCapable(ctx, "acct_1")
	assert.False(t, ok)

	ok, _ = m.PayoutCapable(ctx, "")
	assert.False(t, ok, "no account configured")

	_, err = m.Transfer(ctx, TransferRequest{Account: "acct_1", Amount: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrTerminalDecline)
}

func TestGuarded_OpensCircuitOnTransientFailures(t *testing.T) {
	m := NewMemory()
	g := NewGuarded(m, circuitbreaker.New(2, time.Minute), logging.Discard())
	ctx := context.Background()
	req := TransferRequest{Account: "acct_1", Amount: 1, Currency: "USD", IdempotencyKey: "k"}

	m.FailNext(OpTransfer, ErrTransient, ErrTransient)
	_, _ = g.Transfer(ctx, req)
	_, _ = g.Transfer(ctx, req)

	_, err := g.Transfer(ctx, req)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, m.Calls(OpTransfer), "open circuit short-circuits the call")

	// Other operations are unaffected.
	_, err = g.ReverseCharge(ctx, ReversalRequest{PaymentRef: "pi", Amount: 1, IdempotencyKey: "r"})
	assert.NoError(t, err)
}

func TestGuarded_DeclinesDoNotTrip(t *testing.T) {
	m := NewMemory()
	g := NewGuarded(m, circuitbreaker.New(1, time.Minute), logging.Discard())
	ctx := context.Background()

	m.FailNext(OpReverseCharge, ErrTerminalDecline, ErrTerminalDecline)
	req := ReversalRequest{PaymentRef: "pi", Amount: 1, IdempotencyKey: "r"}
	_, err := g.ReverseCharge(ctx, req)
	assert.ErrorIs(t, err, ErrTerminalDecline)
	_, err = g.ReverseCharge(ctx, req)
	assert.ErrorIs(t, err, ErrTerminalDecline)

	_, err = g.ReverseCharge(ctx, req)
	assert.NoError(t, err)
}
