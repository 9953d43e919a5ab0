// Package payouts accrues released escrow into per-payee payout schedules
// and transfers them to the payee's processor account.
//
// Each payee has at most one pending schedule per currency. Releases add
// their net amount to it inside the release transaction. A schedule becomes
// due on the payee's payout weekday, or immediately once an early payout is
// requested; execution claims it (pending -> processing), transfers the full
// amount and marks it paid. A failed transfer returns the schedule to
// pending, absorbing any schedule opened for the payee in the meantime.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/processor"
	"github.com/mbd888/escrowd/internal/traces"
)

// Notifier is told about schedules that were paid or failed a transfer.
// Calls happen after the ledger change has committed.
type Notifier interface {
	PayoutPaid(ctx context.Context, s *ledger.PayoutSchedule)
	PayoutFailed(ctx context.Context, s *ledger.PayoutSchedule)
}

// Config tunes the scheduler.
type Config struct {
	// DefaultWeekday is used for payees without their own payout weekday.
	DefaultWeekday time.Weekday
	// EarlyPayoutMin is the smallest schedule amount, in minor units, that
	// may be paid out early.
	EarlyPayoutMin int64
	// MaxAttempts bounds automatic execution; operators may still execute
	// a schedule explicitly after it is exhausted.
	MaxAttempts int
	// CallTimeout bounds each processor call.
	CallTimeout time.Duration
	// StaleAfter is how long a schedule may sit in processing before
	// RequeueStale assumes its executor died.
	StaleAfter time.Duration
}

// ledgerWriteTimeout bounds the ledger writes that record a transfer's
// outcome. They run detached from the caller's context.
const ledgerWriteTimeout = 10 * time.Second

// Scheduler manages payout schedules.
type Scheduler struct {
	store    ledger.Store
	proc     processor.Processor
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	nudge    chan struct{}
}

// NewScheduler creates a payout scheduler.
func NewScheduler(store ledger.Store, proc processor.Processor, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Scheduler{
		store:  store,
		proc:   proc,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		nudge:  make(chan struct{}, 1),
	}
}

// WithNotifier sets the receiver of paid/failed notifications.
func (s *Scheduler) WithNotifier(n Notifier) *Scheduler {
	s.notifier = n
	return s
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Nudged is signalled when an early payout is requested so the timer can
// run without waiting for its next tick.
func (s *Scheduler) Nudged() <-chan struct{} {
	return s.nudge
}

// NextPayoutDate returns 00:00 UTC of the first weekday strictly after now.
func NextPayoutDate(now time.Time, weekday time.Weekday) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := (int(weekday) - int(day.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return day.AddDate(0, 0, days)
}

// Accrue adds the released hold's net amount to its payee's pending
// schedule, creating the schedule when none is open, and links the hold to
// it by setting h.PayoutScheduleID. It runs inside the caller's transaction;
// the caller persists h.
func (s *Scheduler) Accrue(ctx context.Context, tx ledger.Tx, h *ledger.EscrowHold) (*ledger.PayoutSchedule, error) {
	if h.NetAmount < 0 {
		return nil, fmt.Errorf("%w: negative net amount", ledger.ErrInvalidAmount)
	}
	if h.NetAmount == 0 {
		return nil, nil
	}

	weekday := s.cfg.DefaultWeekday
	payee, err := tx.GetPayee(ctx, h.PayeeID)
	switch {
	case err == nil:
		if payee.PayoutWeekday != nil {
			weekday = *payee.PayoutWeekday
		}
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return nil, fmt.Errorf("load payee: %w", err)
	}

	now := s.now().UTC()
	sched, err := tx.AccrueSchedule(ctx, &ledger.PayoutSchedule{
		ID:           idgen.WithPrefix("sch_"),
		PayeeID:      h.PayeeID,
		Currency:     h.Currency,
		Amount:       h.NetAmount,
		State:        ledger.SchedulePending,
		ScheduledFor: NextPayoutDate(now, weekday),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("accrue schedule: %w", err)
	}
	h.PayoutScheduleID = sched.ID
	payoutAccruedAmount.WithLabelValues(sched.Currency).Add(float64(h.NetAmount))
	return sched, nil
}

// RequestEarlyPayout marks a pending schedule for execution ahead of its
// payout weekday. The schedule must hold at least EarlyPayoutMin and the
// payee's account must be able to receive transfers.
func (s *Scheduler) RequestEarlyPayout(ctx context.Context, scheduleID string) (*ledger.PayoutSchedule, error) {
	ctx, span := traces.StartSpan(ctx, "payouts.RequestEarlyPayout", traces.ScheduleID(scheduleID))
	var retErr error
	defer func() { traces.EndSpan(span, retErr) }()

	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		retErr = err
		return nil, err
	}
	if sched.State != ledger.SchedulePending {
		retErr = fmt.Errorf("%w: schedule is %s", ledger.ErrInvalidStateTransition, sched.State)
		return nil, retErr
	}
	if sched.Amount < s.cfg.EarlyPayoutMin {
		retErr = fmt.Errorf("%w: amount %s below early payout minimum %s",
			ledger.ErrNotEligible, money.Format(sched.Amount), money.Format(s.cfg.EarlyPayoutMin))
		return nil, retErr
	}
	if err := s.checkCapable(ctx, sched.PayeeID); err != nil {
		retErr = err
		return nil, err
	}

	var out *ledger.PayoutSchedule
	err = s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetScheduleForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		if cur.State != ledger.SchedulePending {
			return fmt.Errorf("%w: schedule is %s", ledger.ErrInvalidStateTransition, cur.State)
		}
		cur.EarlyPayoutRequested = true
		cur.UpdatedAt = s.now().UTC()
		if err := tx.UpdateSchedule(ctx, cur, ledger.SchedulePending); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		retErr = err
		return nil, err
	}

	earlyPayoutRequests.Inc()
	select {
	case s.nudge <- struct{}{}:
	default:
	}
	s.logger.Info("early payout requested", "scheduleId", out.ID, "payeeId", out.PayeeID, "amount", money.Format(out.Amount))
	return out, nil
}

func (s *Scheduler) checkCapable(ctx context.Context, payeeID string) error {
	payee, err := s.store.GetPayee(ctx, payeeID)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && payee.ProcessorAccount == "") {
		return fmt.Errorf("%w: payee has no processor account", ledger.ErrNotEligible)
	}
	if err != nil {
		return err
	}
	capable, err := processor.Call(ctx, s.cfg.CallTimeout, func(ctx context.Context) (bool, error) {
		return s.proc.PayoutCapable(ctx, payee.ProcessorAccount)
	})
	if err != nil {
		// Processor trouble is not surfaced to the requester; they can retry.
		s.logger.Warn("payout capability check failed", "payeeId", payeeID, "error", err)
		return fmt.Errorf("%w: payout capability could not be verified", ledger.ErrNotEligible)
	}
	if !capable {
		return fmt.Errorf("%w: payee account cannot receive payouts", ledger.ErrNotEligible)
	}
	return nil
}

// ExecuteSchedule transfers a pending schedule's amount to the payee. The
// returned schedule is paid on success. A failed transfer is not an error:
// the schedule comes back pending with LastError set, and a settlement
// failure is recorded once its automatic attempts are used up.
func (s *Scheduler) ExecuteSchedule(ctx context.Context, scheduleID string) (*ledger.PayoutSchedule, error) {
	ctx, span := traces.StartSpan(ctx, "payouts.ExecuteSchedule", traces.ScheduleID(scheduleID))
	var retErr error
	defer func() { traces.EndSpan(span, retErr) }()

	claimed, account, err := s.claim(ctx, scheduleID)
	if err != nil {
		retErr = err
		return nil, err
	}

	ref, transferErr := s.transfer(ctx, claimed, account)

	// Once claimed, the outcome is recorded even if the caller has gone away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()

	if transferErr == nil {
		paid, err := s.markPaid(ctx, claimed.ID, ref)
		if err != nil {
			retErr = err
			return nil, err
		}
		payoutsExecuted.WithLabelValues("paid").Inc()
		payoutPaidAmount.WithLabelValues(paid.Currency).Add(float64(paid.Amount))
		s.logger.Info("payout paid",
			"scheduleId", paid.ID, "payeeId", paid.PayeeID, "amount", money.Format(paid.Amount),
			"currency", paid.Currency, "processorRef", ref)
		if s.notifier != nil {
			s.notifier.PayoutPaid(ctx, paid)
		}
		return paid, nil
	}

	failed, err := s.markFailed(ctx, claimed.ID, transferErr)
	if err != nil {
		retErr = err
		return nil, err
	}
	payoutsExecuted.WithLabelValues(failureOutcome(transferErr)).Inc()
	s.logger.Warn("payout transfer failed",
		"scheduleId", failed.ID, "payeeId", failed.PayeeID, "attempts", failed.Attempts, "error", transferErr)
	if s.notifier != nil {
		s.notifier.PayoutFailed(ctx, failed)
	}
	return failed, nil
}

// claim moves the schedule to processing and returns it with the payee's
// processor account.
func (s *Scheduler) claim(ctx context.Context, scheduleID string) (*ledger.PayoutSchedule, string, error) {
	var (
		out     *ledger.PayoutSchedule
		account string
	)
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetScheduleForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		if cur.State != ledger.SchedulePending {
			return fmt.Errorf("%w: schedule is %s", ledger.ErrInvalidStateTransition, cur.State)
		}
		payee, err := tx.GetPayee(ctx, cur.PayeeID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return err
		}
		if payee != nil {
			account = payee.ProcessorAccount
		}
		cur.State = ledger.ScheduleProcessing
		cur.UpdatedAt = s.now().UTC()
		if err := tx.UpdateSchedule(ctx, cur, ledger.SchedulePending); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, account, err
}

type lookupResult struct {
	processor.Settlement
	found bool
}

var errNoAccount = fmt.Errorf("%w: payee has no processor account", processor.ErrTerminalDecline)

// transfer pays out whatever part of the schedule earlier attempts did not
// already move. Lookups cover every prior attempt's idempotency key, so a
// transfer whose response was lost is counted rather than repeated.
func (s *Scheduler) transfer(ctx context.Context, sched *ledger.PayoutSchedule, account string) (string, error) {
	if account == "" {
		return "", errNoAccount
	}

	var (
		settled int64
		lastRef string
	)
	for attempt := 0; attempt <= sched.Attempts; attempt++ {
		key := fmt.Sprintf("payout_%s_%d", sched.ID, attempt)
		res, err := processor.Call(ctx, s.cfg.CallTimeout, func(ctx context.Context) (lookupResult, error) {
			st, found, err := s.proc.LookupTransfer(ctx, key)
			return lookupResult{st, found}, err
		})
		if err != nil {
			return "", fmt.Errorf("lookup %s: %w", key, err)
		}
		if res.found {
			settled += res.Amount
			lastRef = res.Ref
		}
	}

	remaining := sched.Amount - settled
	if remaining <= 0 {
		return lastRef, nil
	}
	return processor.Call(ctx, s.cfg.CallTimeout, func(ctx context.Context) (string, error) {
		return s.proc.Transfer(ctx, processor.TransferRequest{
			Account:        account,
			Amount:         remaining,
			Currency:       sched.Currency,
			Description:    "escrow payout " + sched.ID,
			IdempotencyKey: sched.IdempotencyKey(),
		})
	})
}

func (s *Scheduler) markPaid(ctx context.Context, scheduleID, ref string) (*ledger.PayoutSchedule, error) {
	var out *ledger.PayoutSchedule
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetScheduleForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		cur.State = ledger.SchedulePaid
		cur.ProcessorRef = ref
		cur.LastError = ""
		cur.PaidAt = &now
		cur.UpdatedAt = now
		if err := tx.UpdateSchedule(ctx, cur, ledger.ScheduleProcessing); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

// markFailed returns the schedule to pending and consumes an attempt. A
// settlement failure is recorded once no automatic attempts remain; a
// decline exhausts them at once.
func (s *Scheduler) markFailed(ctx context.Context, scheduleID string, cause error) (*ledger.PayoutSchedule, error) {
	var out *ledger.PayoutSchedule
	err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.GetScheduleForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if _, err := absorbPending(ctx, tx, cur, now); err != nil {
			return err
		}

		cur.Attempts++
		if errors.Is(cause, processor.ErrTerminalDecline) && cur.Attempts < s.cfg.MaxAttempts {
			// Declines are not retried automatically.
			cur.Attempts = s.cfg.MaxAttempts
		}
		cur.LastError = cause.Error()
		cur.State = ledger.SchedulePending
		cur.UpdatedAt = now
		if err := tx.UpdateSchedule(ctx, cur, ledger.ScheduleProcessing); err != nil {
			return err
		}
		if cur.Attempts >= s.cfg.MaxAttempts {
			if err := recordFailure(ctx, tx, cur, cause.Error(), now); err != nil {
				return err
			}
		}
		out = cur
		return nil
	})
	return out, err
}

// absorbPending merges a pending schedule opened for cur's payee and
// currency while cur was processing into cur, keeping one pending schedule
// per payee and currency. It reports whether anything was merged.
func absorbPending(ctx context.Context, tx ledger.Tx, cur *ledger.PayoutSchedule, now time.Time) (bool, error) {
	newer, err := tx.PendingScheduleForUpdate(ctx, cur.PayeeID, cur.Currency)
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	newer.State = ledger.ScheduleMerged
	newer.MergedInto = cur.ID
	newer.UpdatedAt = now
	if err := tx.UpdateSchedule(ctx, newer, ledger.SchedulePending); err != nil {
		return false, fmt.Errorf("merge schedule %s: %w", newer.ID, err)
	}
	if _, err := tx.RelinkHolds(ctx, newer.ID, cur.ID); err != nil {
		return false, fmt.Errorf("relink holds: %w", err)
	}
	cur.Amount += newer.Amount
	cur.EarlyPayoutRequested = cur.EarlyPayoutRequested || newer.EarlyPayoutRequested
	payoutsMerged.Inc()
	return true, nil
}

func recordFailure(ctx context.Context, tx ledger.Tx, sched *ledger.PayoutSchedule, reason string, now time.Time) error {
	return tx.InsertFailure(ctx, &ledger.SettlementFailure{
		ID:        idgen.WithPrefix("fail_"),
		Kind:      ledger.FailurePayout,
		EntityID:  sched.ID,
		Reason:    reason,
		Attempts:  sched.Attempts,
		CreatedAt: now,
	})
}

// errInterrupted is the LastError of a schedule found abandoned in processing.
var errInterrupted = errors.New("payout interrupted while processing")

// RequeueStale returns schedules stuck in processing for longer than
// StaleAfter to pending and records a settlement failure for each. The
// attempt count is kept, so the next execution looks up the interrupted
// transfer under its original idempotency key. If a newer pending schedule
// has to be merged in, the attempt count moves on instead, so the larger
// remainder is sent under a fresh key.
func (s *Scheduler) RequeueStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListStaleSchedules(ctx, cutoff, dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale schedules: %w", err)
	}

	requeued := 0
	for _, st := range stale {
		var out *ledger.PayoutSchedule
		err := s.store.WithTx(ctx, func(tx ledger.Tx) error {
			cur, err := tx.GetScheduleForUpdate(ctx, st.ID)
			if err != nil {
				return err
			}
			if cur.State != ledger.ScheduleProcessing || !cur.UpdatedAt.Before(cutoff) {
				return nil // finished or reclaimed since listing
			}
			merged, err := absorbPending(ctx, tx, cur, now)
			if err != nil {
				return err
			}
			if merged {
				cur.Attempts++
			}
			cur.State = ledger.SchedulePending
			cur.LastError = errInterrupted.Error()
			cur.UpdatedAt = now
			if err := tx.UpdateSchedule(ctx, cur, ledger.ScheduleProcessing); err != nil {
				return err
			}
			if err := recordFailure(ctx, tx, cur, errInterrupted.Error(), now); err != nil {
				return err
			}
			out = cur
			return nil
		})
		if err != nil {
			return requeued, fmt.Errorf("requeue schedule %s: %w", st.ID, err)
		}
		if out == nil {
			continue
		}
		requeued++
		payoutsRequeued.Inc()
		s.logger.Warn("requeued stale payout schedule",
			"scheduleId", out.ID, "payeeId", out.PayeeID, "amount", money.Format(out.Amount), "attempts", out.Attempts)
		if s.notifier != nil {
			s.notifier.PayoutFailed(ctx, out)
		}
	}
	return requeued, nil
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, processor.ErrTerminalDecline):
		return "declined"
	case errors.Is(err, processor.ErrTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// ExecuteDue runs every schedule due at now that has attempts left. It
// returns how many were paid.
func (s *Scheduler) ExecuteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDueSchedules(ctx, now, s.cfg.MaxAttempts, dueBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	paid := 0
	for _, sched := range due {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		out, err := s.ExecuteSchedule(ctx, sched.ID)
		if err != nil {
			// Lost a race with another executor or an accrual; next tick.
			s.logger.Debug("skipping due schedule", "scheduleId", sched.ID, "error", err)
			continue
		}
		if out.State == ledger.SchedulePaid {
			paid++
		}
	}
	return paid, nil
}

const dueBatchSize = 100

// Get returns a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, scheduleID string) (*ledger.PayoutSchedule, error) {
	return s.store.GetSchedule(ctx, scheduleID)
}

// GetForPayee returns the payee's pending and processing schedules.
func (s *Scheduler) GetForPayee(ctx context.Context, payeeID string) ([]*ledger.PayoutSchedule, error) {
	return s.store.ListOpenSchedules(ctx, payeeID)
}

// UpsertPayee registers or updates a payee's payout account. A nil weekday
// means the default payout weekday applies.
func (s *Scheduler) UpsertPayee(ctx context.Context, payeeID, account string, weekday *time.Weekday) (*ledger.Payee, error) {
	now := s.now().UTC()
	return s.store.UpsertPayee(ctx, &ledger.Payee{
		ID:               payeeID,
		ProcessorAccount: account,
		PayoutWeekday:    weekday,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
}
