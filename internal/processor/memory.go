package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbd888/escrowd/internal/idgen"
)

// Operation names used for failure injection, metrics and breaker keys.
const (
	OpReverseCharge  = "reverse_charge"
	OpLookupReversal = "lookup_reversal"
	OpTransfer       = "transfer"
	OpLookupTransfer = "lookup_transfer"
	OpPayoutCapable  = "payout_capable"
)

// Memory is an in-process processor simulator for development mode and
// tests. It honours idempotency keys like a real processor and supports
// injecting failures per operation.
type Memory struct {
	mu        sync.Mutex
	reversals map[string]Settlement // by idempotency key
	transfers map[string]Settlement
	refunded  map[string]int64 // payment ref -> total reversed
	paid      map[string]int64 // account -> total transferred
	capable   map[string]bool
	failures  map[string][]error
	lost      map[string]int
	calls     map[string]int
}

var _ Processor = (*Memory)(nil)

// NewMemory creates an empty simulator. Accounts are payout-capable unless
// marked otherwise with SetPayoutCapable.
func NewMemory() *Memory {
	return &Memory{
		reversals: make(map[string]Settlement),
		transfers: make(map[string]Settlement),
		refunded:  make(map[string]int64),
		paid:      make(map[string]int64),
		capable:   make(map[string]bool),
		failures:  make(map[string][]error),
		lost:      make(map[string]int),
		calls:     make(map[string]int),
	}
}

// FailNext queues errors to be returned by the next calls to op, in order.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// LoseResponses makes the next n calls to op take effect at the
// processor but report ErrTimeout to the caller.
func (m *Memory) LoseResponses(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lost[op] += n
}

// SetPayoutCapable marks an account as able (or unable) to receive payouts.
func (m *Memory) SetPayoutCapable(account string, capable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capable[account] = capable
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Refunded returns the total reversed against a payment reference.
func (m *Memory) Refunded(paymentRef string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[paymentRef]
}

// Paid returns the total transferred to an account.
func (m *Memory) Paid(account string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[account]
}

// begin records a call and pops an injected failure. Caller must hold m.mu.
func (m *Memory) begin(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// lose reports whether this call's response should be dropped. Caller must
// hold m.mu.
func (m *Memory) lose(op string) bool {
	if m.lost[op] > 0 {
		m.lost[op]--
		return true
	}
	return false
}

func (m *Memory) ReverseCharge(ctx context.Context, req ReversalRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpReverseCharge); err != nil {
		return "", err
	}
	st, ok := m.reversals[req.IdempotencyKey]
	if !ok {
		st = Settlement{Ref: idgen.WithPrefix("re_"), Amount: req.Amount}
		m.reversals[req.IdempotencyKey] = st
		m.refunded[req.PaymentRef] += req.Amount
	}
	if m.lose(OpReverseCharge) {
		return "", fmt.Errorf("%w: response lost", ErrTimeout)
	}
	return st.Ref, nil
}

func (m *Memory) LookupReversal(ctx context.Context, _ string, idempotencyKey string) (Settlement, bool, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpLookupReversal); err != nil {
		return Settlement{}, false, err
	}
	st, ok := m.reversals[idempotencyKey]
	return st, ok, nil
}

func (m *Memory) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpTransfer); err != nil {
		return "", err
	}
	if capable, known := m.capable[req.Account]; known && !capable {
		return "", fmt.Errorf("%w: account %s cannot receive payouts", ErrTerminalDecline, req.Account)
	}
	st, ok := m.transfers[req.IdempotencyKey]
	if !ok {
		st = Settlement{Ref: idgen.WithPrefix("tr_"), Amount: req.Amount}
		m.transfers[req.IdempotencyKey] = st
		m.paid[req.Account] += req.Amount
	}
	if m.lose(OpTransfer) {
		return "", fmt.Errorf("%w: response lost", ErrTimeout)
	}
	return st.Ref, nil
}

func (m *Memory) LookupTransfer(ctx context.Context, idempotencyKey string) (Settlement, bool, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpLookupTransfer); err != nil {
		return Settlement{}, false, err
	}
	st, ok := m.transfers[idempotencyKey]
	return st, ok, nil
}

func (m *Memory) PayoutCapable(ctx context.Context, account string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin(OpPayoutCapable); err != nil {
		return false, err
	}
	if account == "" {
		return false, nil
	}
	capable, known := m.capable[account]
	return !known || capable, nil
}
