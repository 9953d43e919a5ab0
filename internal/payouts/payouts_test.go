package payouts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 2 March 2026, 10:00 UTC.
var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	paid   []string
	failed []string
}

func (n *recordingNotifier) PayoutPaid(_ context.Context, s *ledger.PayoutSchedule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paid = append(n.paid, s.ID)
}

func (n *recordingNotifier) PayoutFailed(_ context.Context, s *ledger.PayoutSchedule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, s.ID)
}

type fixture struct {
	store    *ledger.MemoryStore
	proc     *processor.Memory
	sched    *Scheduler
	notifier *recordingNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    ledger.NewMemoryStore(),
		proc:     processor.NewMemory(),
		notifier: &recordingNotifier{},
		now:      t0,
	}
	f.sched = NewScheduler(f.store, f.proc, Config{
		DefaultWeekday: time.Friday,
		EarlyPayoutMin: 5000,
		MaxAttempts:    3,
		CallTimeout:    time.Second,
	}, logging.Discard()).
		WithNotifier(f.notifier).
		WithClock(func() time.Time { return f.now })

	_, err := f.sched.UpsertPayee(context.Background(), "payee_1", "acct_1", nil)
	require.NoError(t, err)
	return f
}

// release stores a released hold for payee_1 with the given net amount and
// accrues it, as the escrow manager does.
func (f *fixture) release(t *testing.T, id string, net int64) *ledger.PayoutSchedule {
	t.Helper()
	ctx := context.Background()
	var sched *ledger.PayoutSchedule
	err := f.store.WithTx(ctx, func(tx ledger.Tx) error {
		h := &ledger.EscrowHold{
			ID: id, BookingID: "bk_" + id, PayeeID: "payee_1", PaymentRef: "pi_" + id,
			Amount: net, Currency: "USD", State: ledger.HoldReleased, NetAmount: net,
			CreatedAt: f.now, HeldAt: f.now, UpdatedAt: f.now,
		}
		if err := tx.InsertHold(ctx, h); err != nil {
			return err
		}
		var err error
		sched, err = f.sched.Accrue(ctx, tx, h)
		if err != nil {
			return err
		}
		return tx.UpdateHold(ctx, h, ledger.HoldReleased)
	})
	require.NoError(t, err)
	return sched
}

func failures(t *testing.T, s ledger.Store) []*ledger.SettlementFailure {
	t.Helper()
	out, err := s.ListFailures(context.Background(), true, 100)
	require.NoError(t, err)
	return out
}

func TestNextPayoutDate(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		weekday time.Weekday
		want    time.Time
	}{
		{"monday to friday", t0, time.Friday, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)},
		{"same weekday is next week", t0, time.Monday, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)},
		{"midnight on the day is next week", time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), time.Friday, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)},
		{"tomorrow", t0, time.Tuesday, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{"non-UTC input", time.Date(2026, 3, 5, 23, 30, 0, 0, time.FixedZone("EST", -5*3600)), time.Friday, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextPayoutDate(tt.now, tt.weekday))
		})
	}
}

func TestAccrue_AccumulatesIntoOnePendingSchedule(t *testing.T) {
	f := newFixture(t)

	s1 := f.release(t, "h1", 9000)
	s2 := f.release(t, "h2", 4500)
	require.Equal(t, s1.ID, s2.ID)

	open, err := f.sched.GetForPayee(context.Background(), "payee_1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(13500), open[0].Amount)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), open[0].ScheduledFor)

	h, err := f.store.GetHold(context.Background(), "h2")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, h.PayoutScheduleID)
}

func TestAccrue_PayeeWeekdayAndZeroNet(t *testing.T) {
	f := newFixture(t)
	wd := time.Wednesday
	_, err := f.sched.UpsertPayee(context.Background(), "payee_1", "acct_1", &wd)
	require.NoError(t, err)

	s := f.release(t, "h1", 100)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), s.ScheduledFor)

	assert.Nil(t, f.release(t, "h0", 0), "nothing to accrue")
}

func TestRequestEarlyPayout(t *testing.T) {
	ctx := context.Background()

	t.Run("below minimum", func(t *testing.T) {
		f := newFixture(t)
		s := f.release(t, "h1", 4999)
		_, err := f.sched.RequestEarlyPayout(ctx, s.ID)
		assert.ErrorIs(t, err, ledger.ErrNotEligible)
	})

	t.Run("account not payout capable", func(t *testing.T) {
		f := newFixture(t)
		f.proc.SetPayoutCapable("acct_1", false)
		s := f.release(t, "h1", 9000)
		_, err := f.sched.RequestEarlyPayout(ctx, s.ID)
		assert.ErrorIs(t, err, ledger.ErrNotEligible)
	})

	t.Run("capability check unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.proc.FailNext(processor.OpPayoutCapable, processor.ErrTransient)
		s := f.release(t, "h1", 9000)
		_, err := f.sched.RequestEarlyPayout(ctx, s.ID)
		assert.ErrorIs(t, err, ledger.ErrNotEligible)
		assert.NotErrorIs(t, err, processor.ErrTransient)
	})

	t.Run("unknown schedule", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.sched.RequestEarlyPayout(ctx, "sch_missing")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("eligible", func(t *testing.T) {
		f := newFixture(t)
		s := f.release(t, "h1", 5000)
		out, err := f.sched.RequestEarlyPayout(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, out.EarlyPayoutRequested)

		select {
		case <-f.sched.Nudged():
		default:
			t.Fatal("timer was not nudged")
		}

		due, err := f.store.ListDueSchedules(ctx, t0, 3, 10)
		require.NoError(t, err)
		require.Len(t, due, 1, "early request makes the schedule due before its weekday")
	})
}

func TestExecuteSchedule_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.NotEmpty(t, out.ProcessorRef)
	require.NotNil(t, out.PaidAt)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"))
	assert.Equal(t, []string{s.ID}, f.notifier.paid)

	_, err = f.sched.ExecuteSchedule(ctx, s.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidStateTransition)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"))

	// The next release opens a fresh schedule.
	next := f.release(t, "h2", 100)
	assert.NotEqual(t, s.ID, next.ID)
}

func TestExecuteSchedule_FailureRevertsAndRecordsOnExhaustion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)
	f.proc.FailNext(processor.OpTransfer, processor.ErrTransient)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err, "processor failures are not returned to the caller")
	assert.Equal(t, ledger.SchedulePending, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Contains(t, out.LastError, "transient")
	assert.Equal(t, []string{s.ID}, f.notifier.failed)
	assert.Empty(t, failures(t, f.store), "attempts remain, nothing for operators yet")

	for i := 0; i < 2; i++ {
		f.proc.FailNext(processor.OpTransfer, processor.ErrTransient)
		out, err = f.sched.ExecuteSchedule(ctx, s.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, out.Attempts)

	fs := failures(t, f.store)
	require.Len(t, fs, 1)
	assert.Equal(t, ledger.FailurePayout, fs[0].Kind)
	assert.Equal(t, s.ID, fs[0].EntityID)
	assert.Equal(t, 3, fs[0].Attempts)

	out, err = f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"))
}

func TestExecuteSchedule_FailureMergesNewerPendingSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	claimed, account, err := f.sched.claim(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "acct_1", account)

	// A release lands while the transfer is in flight.
	newer := f.release(t, "h2", 2500)
	require.NotEqual(t, claimed.ID, newer.ID)

	out, err := f.sched.markFailed(ctx, claimed.ID, processor.ErrTimeout)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePending, out.State)
	assert.Equal(t, int64(11500), out.Amount)

	merged, err := f.store.GetSchedule(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ScheduleMerged, merged.State)
	assert.Equal(t, s.ID, merged.MergedInto)

	h2, err := f.store.GetHold(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, s.ID, h2.PayoutScheduleID)

	open, err := f.sched.GetForPayee(ctx, "payee_1")
	require.NoError(t, err)
	require.Len(t, open, 1)

	links, err := f.store.ScheduleLinkages(ctx)
	require.NoError(t, err)
	for _, l := range links {
		assert.Equal(t, l.Amount, l.LinkedNet, "schedule %s", l.ScheduleID)
	}
}

func TestExecuteSchedule_LostResponseIsNotPaidTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)
	f.proc.LoseResponses(processor.OpTransfer, 1)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePending, out.State)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"), "the transfer landed")

	out, err = f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"))
	assert.Equal(t, 1, f.proc.Calls(processor.OpTransfer), "second attempt found the first transfer")
}

func TestExecuteSchedule_LostResponseThenMergePaysOnlyTheDifference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	claimed, account, err := f.sched.claim(ctx, s.ID)
	require.NoError(t, err)
	f.proc.LoseResponses(processor.OpTransfer, 1)
	_, transferErr := f.sched.transfer(ctx, claimed, account)
	require.ErrorIs(t, transferErr, processor.ErrTimeout)

	f.release(t, "h2", 2500)
	_, err = f.sched.markFailed(ctx, claimed.ID, transferErr)
	require.NoError(t, err)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.Equal(t, int64(11500), out.Amount)
	assert.Equal(t, int64(11500), f.proc.Paid("acct_1"))
}

func TestExecuteSchedule_DeclineStopsAutomaticRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)
	f.proc.FailNext(processor.OpTransfer, processor.ErrTerminalDecline)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)

	f.now = t0.Add(30 * 24 * time.Hour)
	paid, err := f.sched.ExecuteDue(ctx, f.now)
	require.NoError(t, err)
	assert.Zero(t, paid)
	assert.Equal(t, 1, f.proc.Calls(processor.OpTransfer))

	// Operators can still push it through.
	out, err = f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
}

func TestExecuteSchedule_NoProcessorAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sched.UpsertPayee(ctx, "payee_1", "", nil)
	require.NoError(t, err)
	s := f.release(t, "h1", 9000)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePending, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Zero(t, f.proc.Calls(processor.OpTransfer))
}

// cancelAfterTransfer lets the transfer through, then cancels the caller's
// context, as a client disconnect or shutdown would.
type cancelAfterTransfer struct {
	*processor.Memory
	cancel context.CancelFunc
	err    error
}

func (p *cancelAfterTransfer) Transfer(ctx context.Context, req processor.TransferRequest) (string, error) {
	if p.err != nil {
		p.cancel()
		return "", p.err
	}
	ref, err := p.Memory.Transfer(ctx, req)
	p.cancel()
	return ref, err
}

func TestExecuteSchedule_OutcomeRecordedAfterCancel(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState ledger.ScheduleState
		wantPaid  int64
	}{
		{"transfer landed", nil, ledger.SchedulePaid, 9000},
		{"transfer aborted", context.Canceled, ledger.SchedulePending, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.release(t, "h1", 9000)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			proc := &cancelAfterTransfer{Memory: f.proc, cancel: cancel, err: tt.err}
			sched := NewScheduler(f.store, proc, f.sched.cfg, logging.Discard()).
				WithClock(func() time.Time { return f.now })

			out, err := sched.ExecuteSchedule(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantPaid, f.proc.Paid("acct_1"))

			got, err := f.store.GetSchedule(context.Background(), s.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State, "not left in processing")
		})
	}
}

func TestRequeueStale_ResumesUnderOriginalKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	// The executor claims and transfers, then dies before recording.
	claimed, account, err := f.sched.claim(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.sched.transfer(ctx, claimed, account)
	require.NoError(t, err)

	f.now = t0.Add(5 * time.Minute)
	n, err := f.sched.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stale yet")

	f.now = t0.Add(11 * time.Minute)
	n, err = f.sched.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, errInterrupted.Error(), got.LastError)
	assert.Equal(t, []string{s.ID}, f.notifier.failed)

	fs := failures(t, f.store)
	require.Len(t, fs, 1)
	assert.Equal(t, s.ID, fs[0].EntityID)
	assert.Equal(t, errInterrupted.Error(), fs[0].Reason)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.Equal(t, int64(9000), f.proc.Paid("acct_1"))
	assert.Equal(t, 1, f.proc.Calls(processor.OpTransfer), "the interrupted transfer was found, not repeated")
}

func TestRequeueStale_MergesNewerScheduleAndPaysOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	claimed, account, err := f.sched.claim(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.sched.transfer(ctx, claimed, account)
	require.NoError(t, err)
	newer := f.release(t, "h2", 2500)

	f.now = t0.Add(time.Hour)
	n, err := f.sched.RequeueStale(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.store.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePending, got.State)
	assert.Equal(t, int64(11500), got.Amount)
	assert.Equal(t, 1, got.Attempts)

	merged, err := f.store.GetSchedule(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ScheduleMerged, merged.State)

	out, err := f.sched.ExecuteSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, out.State)
	assert.Equal(t, int64(11500), f.proc.Paid("acct_1"))

	n, err = f.sched.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequeueStale_SkipsActiveProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)
	_, _, err := f.sched.claim(ctx, s.ID)
	require.NoError(t, err)

	f.now = t0.Add(time.Minute)
	n, err := f.sched.RequeueStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.store.GetSchedule(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ScheduleProcessing, got.State)
	assert.Empty(t, failures(t, f.store))
}

func TestExecuteDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.release(t, "h1", 9000)

	paid, err := f.sched.ExecuteDue(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, paid, "not yet Friday")

	friday := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	f.now = friday
	paid, err = f.sched.ExecuteDue(ctx, friday)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)

	got, err := f.sched.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SchedulePaid, got.State)
}

func TestTimer_NudgeRunsEarlyPayout(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := NewTimer(f.sched, time.Hour, logging.Discard())
	go timer.Start(ctx)
	require.Eventually(t, timer.Running, time.Second, 5*time.Millisecond)

	s := f.release(t, "h1", 9000)
	_, err := f.sched.RequestEarlyPayout(ctx, s.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.store.GetSchedule(context.Background(), s.ID)
		return err == nil && got.State == ledger.SchedulePaid
	}, 2*time.Second, 10*time.Millisecond)

	timer.Stop()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	require.NoError(t, timer.Wait(waitCtx))
	assert.False(t, timer.Running())
}
