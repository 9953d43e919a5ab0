package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for development and tests.
//
// A transaction holds the write lock for its whole duration and keeps an
// undo log, so a failing callback leaves no partial writes behind.
type MemoryStore struct {
	mu sync.RWMutex

	holds     map[string]*EscrowHold
	refunds   map[string]*RefundRequest
	schedules map[string]*PayoutSchedule
	payees    map[string]*Payee
	failures  map[string]*SettlementFailure

	// insertion order, used to break created_at ties
	holdOrder     []string
	refundOrder   []string
	scheduleOrder []string
	failureOrder  []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		holds:     make(map[string]*EscrowHold),
		refunds:   make(map[string]*RefundRequest),
		schedules: make(map[string]*PayoutSchedule),
		payees:    make(map[string]*Payee),
		failures:  make(map[string]*SettlementFailure),
	}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

// memTx runs with m.mu held for writing.
type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetHoldForUpdate(_ context.Context, id string) (*EscrowHold, error) {
	h, ok := t.m.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (t *memTx) LatestHoldForBookingForUpdate(_ context.Context, bookingID string) (*EscrowHold, error) {
	h := t.m.latestHoldForBooking(bookingID)
	if h == nil {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (t *memTx) InsertHold(_ context.Context, h *EscrowHold) error {
	for _, existing := range t.m.holds {
		if existing.BookingID == h.BookingID && !existing.State.Terminal() {
			return ErrDuplicateHold
		}
	}
	cp := *h
	t.m.holds[h.ID] = &cp
	t.m.holdOrder = append(t.m.holdOrder, h.ID)
	t.undo = append(t.undo, func() {
		delete(t.m.holds, h.ID)
		t.m.holdOrder = t.m.holdOrder[:len(t.m.holdOrder)-1]
	})
	return nil
}

func (t *memTx) UpdateHold(_ context.Context, h *EscrowHold, from HoldState) error {
	cur, ok := t.m.holds[h.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrInvalidStateTransition
	}
	prev := cur
	cp := *h
	t.m.holds[h.ID] = &cp
	t.undo = append(t.undo, func() { t.m.holds[h.ID] = prev })
	return nil
}

func (t *memTx) InsertRefund(_ context.Context, r *RefundRequest) error {
	cp := *r
	t.m.refunds[r.ID] = &cp
	t.m.refundOrder = append(t.m.refundOrder, r.ID)
	t.undo = append(t.undo, func() {
		delete(t.m.refunds, r.ID)
		t.m.refundOrder = t.m.refundOrder[:len(t.m.refundOrder)-1]
	})
	return nil
}

func (t *memTx) GetRefundForUpdate(_ context.Context, id string) (*RefundRequest, error) {
	r, ok := t.m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) UpdateRefund(_ context.Context, r *RefundRequest, from RefundState) error {
	cur, ok := t.m.refunds[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrInvalidStateTransition
	}
	prev := cur
	cp := *r
	t.m.refunds[r.ID] = &cp
	t.undo = append(t.undo, func() { t.m.refunds[r.ID] = prev })
	return nil
}

func (t *memTx) AccrueSchedule(ctx context.Context, candidate *PayoutSchedule) (*PayoutSchedule, error) {
	if existing := t.m.pendingSchedule(candidate.PayeeID, candidate.Currency); existing != nil {
		updated := *existing
		updated.Amount += candidate.Amount
		updated.UpdatedAt = candidate.UpdatedAt
		if err := t.UpdateSchedule(ctx, &updated, SchedulePending); err != nil {
			return nil, err
		}
		return &updated, nil
	}

	cp := *candidate
	t.m.schedules[cp.ID] = &cp
	t.m.scheduleOrder = append(t.m.scheduleOrder, cp.ID)
	t.undo = append(t.undo, func() {
		delete(t.m.schedules, cp.ID)
		t.m.scheduleOrder = t.m.scheduleOrder[:len(t.m.scheduleOrder)-1]
	})
	out := cp
	return &out, nil
}

func (t *memTx) GetScheduleForUpdate(_ context.Context, id string) (*PayoutSchedule, error) {
	s, ok := t.m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) PendingScheduleForUpdate(_ context.Context, payeeID, currency string) (*PayoutSchedule, error) {
	s := t.m.pendingSchedule(payeeID, currency)
	if s == nil {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) UpdateSchedule(_ context.Context, s *PayoutSchedule, from ScheduleState) error {
	cur, ok := t.m.schedules[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != from {
		return ErrInvalidStateTransition
	}
	if s.State == SchedulePending && from != SchedulePending {
		if other := t.m.pendingSchedule(s.PayeeID, s.Currency); other != nil && other.ID != s.ID {
			return ErrInvalidStateTransition
		}
	}
	prev := cur
	cp := *s
	t.m.schedules[s.ID] = &cp
	t.undo = append(t.undo, func() { t.m.schedules[s.ID] = prev })
	return nil
}

func (t *memTx) RelinkHolds(_ context.Context, fromID, toID string) (int64, error) {
	var n int64
	for id, h := range t.m.holds {
		if h.PayoutScheduleID != fromID {
			continue
		}
		prev := h
		cp := *h
		cp.PayoutScheduleID = toID
		t.m.holds[id] = &cp
		t.undo = append(t.undo, func() { t.m.holds[id] = prev })
		n++
	}
	return n, nil
}

func (t *memTx) GetPayee(_ context.Context, id string) (*Payee, error) {
	return t.m.getPayeeLocked(id)
}

func (t *memTx) InsertFailure(_ context.Context, f *SettlementFailure) error {
	cp := *f
	t.m.failures[f.ID] = &cp
	t.m.failureOrder = append(t.m.failureOrder, f.ID)
	t.undo = append(t.undo, func() {
		delete(t.m.failures, f.ID)
		t.m.failureOrder = t.m.failureOrder[:len(t.m.failureOrder)-1]
	})
	return nil
}

// Helpers below expect m.mu to be held.

func (m *MemoryStore) latestHoldForBooking(bookingID string) *EscrowHold {
	for i := len(m.holdOrder) - 1; i >= 0; i-- {
		if h := m.holds[m.holdOrder[i]]; h.BookingID == bookingID {
			return h
		}
	}
	return nil
}

func (m *MemoryStore) pendingSchedule(payeeID, currency string) *PayoutSchedule {
	for _, s := range m.schedules {
		if s.PayeeID == payeeID && s.Currency == currency && s.State == SchedulePending {
			return s
		}
	}
	return nil
}

func (m *MemoryStore) getPayeeLocked(id string) (*Payee, error) {
	p, ok := m.payees[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	if p.PayoutWeekday != nil {
		wd := *p.PayoutWeekday
		cp.PayoutWeekday = &wd
	}
	return &cp, nil
}

// Reader methods

func (m *MemoryStore) GetHold(_ context.Context, id string) (*EscrowHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetHoldByBooking(_ context.Context, bookingID string) (*EscrowHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.latestHoldForBooking(bookingID)
	if h == nil {
		return nil, ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) ListRefundsByHold(_ context.Context, holdID string) ([]*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RefundRequest
	for _, id := range m.refundOrder {
		if r := m.refunds[id]; r.EscrowHoldID == holdID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetRefund(_ context.Context, id string) (*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ClaimNextRefund(_ context.Context, now time.Time) (*RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.refundOrder {
		r := m.refunds[id]
		if r.State != RefundPending || r.NextAttemptAt.After(now) {
			continue
		}
		cp := *r
		cp.State = RefundProcessing
		cp.UpdatedAt = now
		m.refunds[id] = &cp
		out := cp
		return &out, nil
	}
	return nil, nil
}

func (m *MemoryStore) RequeueStaleRefunds(_ context.Context, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.refunds {
		if r.State != RefundProcessing || !r.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *r
		cp.State = RefundPending
		cp.NextAttemptAt = now
		cp.UpdatedAt = now
		m.refunds[id] = &cp
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*PayoutSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListOpenSchedules(_ context.Context, payeeID string) ([]*PayoutSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PayoutSchedule
	for _, id := range m.scheduleOrder {
		s := m.schedules[id]
		if s.PayeeID == payeeID && (s.State == SchedulePending || s.State == ScheduleProcessing) {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, now time.Time, maxAttempts, limit int) ([]*PayoutSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PayoutSchedule
	for _, id := range m.scheduleOrder {
		s := m.schedules[id]
		if s.Due(now) && s.Attempts < maxAttempts {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].ScheduledFor.Before(result[j].ScheduledFor)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStaleSchedules(_ context.Context, cutoff time.Time, limit int) ([]*PayoutSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PayoutSchedule
	for _, id := range m.scheduleOrder {
		if s := m.schedules[id]; s.State == ScheduleProcessing && s.UpdatedAt.Before(cutoff) {
			cp := *s
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetPayee(_ context.Context, id string) (*Payee, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPayeeLocked(id)
}

func (m *MemoryStore) UpsertPayee(_ context.Context, p *Payee) (*Payee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if existing, ok := m.payees[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.payees[p.ID] = &cp
	return m.getPayeeLocked(p.ID)
}

func (m *MemoryStore) ListFailures(_ context.Context, includeAcknowledged bool, limit int) ([]*SettlementFailure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SettlementFailure
	for i := len(m.failureOrder) - 1; i >= 0; i-- {
		f := m.failures[m.failureOrder[i]]
		if f.Acknowledged && !includeAcknowledged {
			continue
		}
		cp := *f
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) AcknowledgeFailure(_ context.Context, id string, at time.Time) (*SettlementFailure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.failures[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	if !cp.Acknowledged {
		cp.Acknowledged = true
		cp.AcknowledgedAt = &at
		m.failures[id] = &cp
	}
	out := cp
	return &out, nil
}

func (m *MemoryStore) SumHeld(_ context.Context, payeeID string) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{}
	for _, h := range m.holds {
		if payeeID != "" && h.PayeeID != payeeID {
			continue
		}
		if h.State == HoldHeld || h.State == HoldDisputed {
			totals.Add(h.Currency, h.Refundable())
		}
	}
	return totals, nil
}

func (m *MemoryStore) SumPendingPayouts(_ context.Context, payeeID string) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{}
	for _, s := range m.schedules {
		if payeeID != "" && s.PayeeID != payeeID {
			continue
		}
		if s.State == SchedulePending || s.State == ScheduleProcessing {
			totals.Add(s.Currency, s.Amount)
		}
	}
	return totals, nil
}

func (m *MemoryStore) SumPaidOut(_ context.Context, payeeID string, from, to time.Time) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{}
	for _, s := range m.schedules {
		if payeeID != "" && s.PayeeID != payeeID {
			continue
		}
		if s.State != SchedulePaid || s.PaidAt == nil {
			continue
		}
		if s.PaidAt.Before(from) || !s.PaidAt.Before(to) {
			continue
		}
		totals.Add(s.Currency, s.Amount)
	}
	return totals, nil
}

func (m *MemoryStore) Aggregate(_ context.Context) (*Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := NewAggregate()
	for _, h := range m.holds {
		agg.HoldCounts[string(h.State)]++
		switch h.State {
		case HoldHeld:
			agg.Held.Add(h.Currency, h.Refundable())
		case HoldDisputed:
			agg.Disputed.Add(h.Currency, h.Refundable())
		case HoldReleased:
			agg.PlatformFees.Add(h.Currency, h.FeeAmount)
		}
	}
	for _, s := range m.schedules {
		switch s.State {
		case SchedulePending, ScheduleProcessing:
			agg.PendingPayouts.Add(s.Currency, s.Amount)
		case SchedulePaid:
			agg.PaidOut.Add(s.Currency, s.Amount)
		}
	}
	for _, r := range m.refunds {
		switch r.State {
		case RefundPending, RefundProcessing:
			agg.RefundsOutstanding.Add(r.Currency, r.Amount)
		case RefundCompleted:
			agg.RefundsCompleted.Add(r.Currency, r.Amount)
		case RefundFailed:
			agg.RefundsFailed.Add(r.Currency, r.Amount)
		}
	}
	return agg, nil
}

func (m *MemoryStore) ScheduleLinkages(_ context.Context) ([]ScheduleLinkage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	linked := make(map[string]int64)
	for _, h := range m.holds {
		if h.PayoutScheduleID != "" {
			linked[h.PayoutScheduleID] += h.NetAmount
		}
	}
	var result []ScheduleLinkage
	for _, id := range m.scheduleOrder {
		s := m.schedules[id]
		if s.State == ScheduleMerged {
			continue
		}
		result = append(result, ScheduleLinkage{ScheduleID: s.ID, Amount: s.Amount, LinkedNet: linked[s.ID]})
	}
	return result, nil
}

func (m *MemoryStore) OverRefundedHolds(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, id := range m.holdOrder {
		if h := m.holds[id]; h.RefundedAmount > h.Amount {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemoryStore) CountOpenFailures(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, f := range m.failures {
		if !f.Acknowledged {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountStaleRefunds(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, r := range m.refunds {
		if r.State == RefundProcessing && r.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountStaleSchedules(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, s := range m.schedules {
		if s.State == ScheduleProcessing && s.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}
