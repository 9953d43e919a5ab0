package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testHold(id, booking string, amount int64) *EscrowHold {
	return &EscrowHold{
		ID:         id,
		BookingID:  booking,
		PayeeID:    "payee_1",
		PaymentRef: "pi_" + id,
		Amount:     amount,
		Currency:   "USD",
		State:      HoldHeld,
		CreatedAt:  t0,
		HeldAt:     t0,
		UpdatedAt:  t0,
	}
}

func insertHold(t *testing.T, s Store, h *EscrowHold) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx Tx) error {
		return tx.InsertHold(context.Background(), h)
	})
	require.NoError(t, err)
}

func TestMemoryStore_InsertAndGetHold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 10000))

	got, err := s.GetHold(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), got.Amount)
	assert.Equal(t, HoldHeld, got.State)

	_, err = s.GetHold(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Mutating the returned copy does not touch the store.
	got.Amount = 1
	again, _ := s.GetHold(ctx, "h1")
	assert.Equal(t, int64(10000), again.Amount)
}

func TestMemoryStore_DuplicateActiveHold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 100))

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertHold(ctx, testHold("h2", "b1", 100))
	})
	assert.ErrorIs(t, err, ErrDuplicateHold)

	// Once the first hold is terminal the booking can be held again.
	err = s.WithTx(ctx, func(tx Tx) error {
		h, err := tx.GetHoldForUpdate(ctx, "h1")
		if err != nil {
			return err
		}
		h.State = HoldCancelled
		return tx.UpdateHold(ctx, h, HoldHeld)
	})
	require.NoError(t, err)

	insertHold(t, s, testHold("h3", "b1", 100))
	latest, err := s.GetHoldByBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "h3", latest.ID)
}

func TestMemoryStore_ConditionalUpdate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 100))

	stale := testHold("h1", "b1", 100)
	stale.State = HoldReleased
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateHold(ctx, stale, HoldDisputed)
	})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateHold(ctx, testHold("nope", "b9", 1), HoldHeld)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RollbackOnError(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 100))

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		h, _ := tx.GetHoldForUpdate(ctx, "h1")
		h.State = HoldReleased
		h.NetAmount = 90
		if err := tx.UpdateHold(ctx, h, HoldHeld); err != nil {
			return err
		}
		if _, err := tx.AccrueSchedule(ctx, &PayoutSchedule{ID: "s1", PayeeID: "payee_1", Currency: "USD", Amount: 90, State: SchedulePending}); err != nil {
			return err
		}
		if err := tx.InsertRefund(ctx, &RefundRequest{ID: "r1", EscrowHoldID: "h1", Amount: 10, State: RefundPending}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	h, _ := s.GetHold(ctx, "h1")
	assert.Equal(t, HoldHeld, h.State)
	assert.Zero(t, h.NetAmount)
	_, err = s.GetSchedule(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefund(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.refundOrder)
	assert.Empty(t, s.scheduleOrder)
}

func TestMemoryStore_RollbackOnPanic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx Tx) error {
			_ = tx.InsertHold(ctx, testHold("h1", "b1", 100))
			panic("mid-transaction")
		})
	})

	_, err := s.GetHold(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AccrueSchedule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	accrue := func(id string, currency string, amount int64) *PayoutSchedule {
		var out *PayoutSchedule
		err := s.WithTx(ctx, func(tx Tx) error {
			var err error
			out, err = tx.AccrueSchedule(ctx, &PayoutSchedule{
				ID: id, PayeeID: "payee_1", Currency: currency, Amount: amount,
				State: SchedulePending, ScheduledFor: t0, CreatedAt: t0, UpdatedAt: t0,
			})
			return err
		})
		require.NoError(t, err)
		return out
	}

	first := accrue("s1", "USD", 9000)
	second := accrue("s2", "USD", 4500)
	eur := accrue("s3", "EUR", 100)

	assert.Equal(t, "s1", first.ID)
	assert.Equal(t, "s1", second.ID, "accrual joins the existing pending schedule")
	assert.Equal(t, int64(13500), second.Amount)
	assert.Equal(t, "s3", eur.ID, "currencies get separate schedules")

	open, err := s.ListOpenSchedules(ctx, "payee_1")
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestMemoryStore_SinglePendingSchedule(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.AccrueSchedule(ctx, &PayoutSchedule{ID: "s1", PayeeID: "p", Currency: "USD", Amount: 1, State: SchedulePending}); err != nil {
			return err
		}
		sched, _ := tx.GetScheduleForUpdate(ctx, "s1")
		sched.State = ScheduleProcessing
		return tx.UpdateSchedule(ctx, sched, SchedulePending)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AccrueSchedule(ctx, &PayoutSchedule{ID: "s2", PayeeID: "p", Currency: "USD", Amount: 2, State: SchedulePending})
		return err
	}))

	// Reverting s1 to pending while s2 is pending would break uniqueness.
	err := s.WithTx(ctx, func(tx Tx) error {
		sched, _ := tx.GetScheduleForUpdate(ctx, "s1")
		sched.State = SchedulePending
		return tx.UpdateSchedule(ctx, sched, ScheduleProcessing)
	})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestMemoryStore_ClaimNextRefund(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 100))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i, id := range []string{"r1", "r2", "r3"} {
			next := t0
			if id == "r1" {
				next = t0.Add(time.Hour) // not yet due
			}
			if err := tx.InsertRefund(ctx, &RefundRequest{
				ID: id, EscrowHoldID: "h1", Amount: int64(10 + i), Currency: "USD",
				State: RefundPending, MaxAttempts: 3, NextAttemptAt: next, CreatedAt: t0, UpdatedAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	r, err := s.ClaimNextRefund(ctx, t0)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "r2", r.ID)
	assert.Equal(t, RefundProcessing, r.State)

	r, _ = s.ClaimNextRefund(ctx, t0)
	assert.Equal(t, "r3", r.ID)

	r, err = s.ClaimNextRefund(ctx, t0)
	require.NoError(t, err)
	assert.Nil(t, r, "r1 is not due yet")

	n, err := s.CountStaleRefunds(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	requeued, err := s.RequeueStaleRefunds(ctx, t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), requeued)

	r2, _ := s.GetRefund(ctx, "r2")
	assert.Equal(t, RefundPending, r2.State)
	assert.Equal(t, 0, r2.Attempts, "requeue does not consume an attempt")
}

func TestMemoryStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	insertHold(t, s, testHold("h1", "b1", 1000))

	const n = 50
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for i := 0; i < n; i++ {
			if err := tx.InsertRefund(ctx, &RefundRequest{
				ID: "r" + string(rune('A'+i)), EscrowHoldID: "h1", Amount: 1, Currency: "USD",
				State: RefundPending, MaxAttempts: 3, NextAttemptAt: t0,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := s.ClaimNextRefund(ctx, t0)
				if err != nil || r == nil {
					return
				}
				mu.Lock()
				claimed[r.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for id, c := range claimed {
		assert.Equal(t, 1, c, "refund %s claimed more than once", id)
	}
}

func TestMemoryStore_ListDueSchedules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for _, sc := range []*PayoutSchedule{
			{ID: "due", PayeeID: "a", Currency: "USD", Amount: 1, State: SchedulePending, ScheduledFor: t0.Add(-time.Hour)},
			{ID: "future", PayeeID: "b", Currency: "USD", Amount: 1, State: SchedulePending, ScheduledFor: t0.Add(time.Hour)},
			{ID: "early", PayeeID: "c", Currency: "USD", Amount: 1, State: SchedulePending, ScheduledFor: t0.Add(48 * time.Hour)},
			{ID: "exhausted", PayeeID: "d", Currency: "USD", Amount: 1, State: SchedulePending, ScheduledFor: t0.Add(-time.Hour), Attempts: 5},
		} {
			if _, err := tx.AccrueSchedule(ctx, sc); err != nil {
				return err
			}
		}
		early, _ := tx.GetScheduleForUpdate(ctx, "early")
		early.EarlyPayoutRequested = true
		exhausted, _ := tx.GetScheduleForUpdate(ctx, "exhausted")
		exhausted.Attempts = 5
		if err := tx.UpdateSchedule(ctx, exhausted, SchedulePending); err != nil {
			return err
		}
		return tx.UpdateSchedule(ctx, early, SchedulePending)
	}))

	due, err := s.ListDueSchedules(ctx, t0, 5, 10)
	require.NoError(t, err)
	var ids []string
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"due", "early"}, ids)
}

func TestMemoryStore_StaleSchedules(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for _, sc := range []struct {
			id      string
			state   ScheduleState
			updated time.Time
		}{
			{"newer_stale", ScheduleProcessing, t0.Add(-20 * time.Minute)},
			{"oldest_stale", ScheduleProcessing, t0.Add(-time.Hour)},
			{"active", ScheduleProcessing, t0.Add(-time.Minute)},
			{"pending", SchedulePending, t0.Add(-time.Hour)},
		} {
			created, err := tx.AccrueSchedule(ctx, &PayoutSchedule{
				ID: sc.id, PayeeID: sc.id, Currency: "USD", Amount: 1, State: SchedulePending, ScheduledFor: t0,
			})
			if err != nil {
				return err
			}
			created.State = sc.state
			created.UpdatedAt = sc.updated
			if err := tx.UpdateSchedule(ctx, created, SchedulePending); err != nil {
				return err
			}
		}
		return nil
	}))

	cutoff := t0.Add(-10 * time.Minute)
	stale, err := s.ListStaleSchedules(ctx, cutoff, 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, "oldest_stale", stale[0].ID)
	assert.Equal(t, "newer_stale", stale[1].ID)

	limited, err := s.ListStaleSchedules(ctx, cutoff, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "oldest_stale", limited[0].ID)

	n, err := s.CountStaleSchedules(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStore_Sums(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	held := testHold("h1", "b1", 10000)
	held.RefundedAmount = 3000
	disputed := testHold("h2", "b2", 5000)
	disputed.State = HoldDisputed
	other := testHold("h3", "b3", 700)
	other.PayeeID = "payee_2"
	released := testHold("h4", "b4", 10000)
	released.State = HoldReleased
	released.FeeAmount = 1000
	released.NetAmount = 9000
	released.PayoutScheduleID = "s1"

	paidAt := t0.Add(time.Hour)
	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		for _, h := range []*EscrowHold{held, disputed, other, released} {
			if err := tx.InsertHold(ctx, h); err != nil {
				return err
			}
		}
		if _, err := tx.AccrueSchedule(ctx, &PayoutSchedule{ID: "s1", PayeeID: "payee_1", Currency: "USD", Amount: 9000, State: SchedulePending}); err != nil {
			return err
		}
		if _, err := tx.AccrueSchedule(ctx, &PayoutSchedule{ID: "s0", PayeeID: "payee_1", Currency: "EUR", Amount: 400, State: SchedulePending}); err != nil {
			return err
		}
		s0, _ := tx.GetScheduleForUpdate(ctx, "s0")
		s0.State = SchedulePaid
		s0.PaidAt = &paidAt
		return tx.UpdateSchedule(ctx, s0, SchedulePending)
	}))

	got, err := s.SumHeld(ctx, "payee_1")
	require.NoError(t, err)
	assert.Equal(t, Totals{"USD": 7000 + 5000}, got)

	all, _ := s.SumHeld(ctx, "")
	assert.Equal(t, Totals{"USD": 12700}, all)

	pending, _ := s.SumPendingPayouts(ctx, "payee_1")
	assert.Equal(t, Totals{"USD": 9000}, pending)

	paid, _ := s.SumPaidOut(ctx, "payee_1", t0, t0.Add(2*time.Hour))
	assert.Equal(t, Totals{"EUR": 400}, paid)
	paid, _ = s.SumPaidOut(ctx, "payee_1", t0, paidAt)
	assert.Empty(t, paid, "upper bound is exclusive")

	agg, err := s.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Totals{"USD": 7700}, agg.Held)
	assert.Equal(t, Totals{"USD": 5000}, agg.Disputed)
	assert.Equal(t, Totals{"USD": 1000}, agg.PlatformFees)
	assert.Equal(t, Totals{"EUR": 400}, agg.PaidOut)
	assert.Equal(t, int64(2), agg.HoldCounts["held"])

	links, err := s.ScheduleLinkages(ctx)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, ScheduleLinkage{ScheduleID: "s1", Amount: 9000, LinkedNet: 9000}, links[0])
}

func TestMemoryStore_Failures(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertFailure(ctx, &SettlementFailure{ID: "f1", Kind: FailureRefund, EntityID: "r1", Reason: "declined", Attempts: 3, CreatedAt: t0}); err != nil {
			return err
		}
		return tx.InsertFailure(ctx, &SettlementFailure{ID: "f2", Kind: FailurePayout, EntityID: "s1", Reason: "timeout", Attempts: 1, CreatedAt: t0})
	}))

	open, _ := s.CountOpenFailures(ctx)
	assert.Equal(t, int64(2), open)

	f, err := s.AcknowledgeFailure(ctx, "f1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, f.Acknowledged)

	list, _ := s.ListFailures(ctx, false, 10)
	require.Len(t, list, 1)
	assert.Equal(t, "f2", list[0].ID)

	list, _ = s.ListFailures(ctx, true, 10)
	assert.Len(t, list, 2)

	_, err = s.AcknowledgeFailure(ctx, "nope", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Payees(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mon := time.Monday
	p, err := s.UpsertPayee(ctx, &Payee{ID: "p1", ProcessorAccount: "acct_1", PayoutWeekday: &mon, CreatedAt: t0, UpdatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, time.Monday, *p.PayoutWeekday)

	later := t0.Add(time.Hour)
	p, err = s.UpsertPayee(ctx, &Payee{ID: "p1", ProcessorAccount: "acct_2", CreatedAt: later, UpdatedAt: later})
	require.NoError(t, err)
	assert.Equal(t, "acct_2", p.ProcessorAccount)
	assert.Equal(t, t0, p.CreatedAt, "created_at survives upsert")
	assert.Nil(t, p.PayoutWeekday)

	_, err = s.GetPayee(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseStates(t *testing.T) {
	_, err := ParseHoldState("held")
	assert.NoError(t, err)
	_, err = ParseHoldState("frozen")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = ParseRefundState("completed")
	assert.NoError(t, err)
	_, err = ParseScheduleState("merged")
	assert.NoError(t, err)
	_, err = ParseFailureKind("chargeback")
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.True(t, HoldCancelled.Terminal())
	assert.False(t, HoldDisputed.Terminal())
	assert.ErrorIs(t, ErrRefundExceedsHold, ErrInvalidAmount)
}
