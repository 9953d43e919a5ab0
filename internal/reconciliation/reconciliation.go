// Package reconciliation reports balances computed from the ledger and
// checks that the ledger agrees with itself.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/ledger"
	"golang.org/x/sync/errgroup"
)

// farFuture bounds all-time paid-out queries.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// PayeeSummary is a payee's position across every currency.
type PayeeSummary struct {
	PayeeID        string        `json:"payeeId"`
	Held           ledger.Totals `json:"held"`
	PendingPayouts ledger.Totals `json:"pendingPayouts"`
	PaidOut        ledger.Totals `json:"paidOut"`
}

// IntegrityReport is the outcome of CheckIntegrity.
type IntegrityReport struct {
	OK                 bool                     `json:"ok"`
	ScheduleMismatches []ledger.ScheduleLinkage `json:"scheduleMismatches"`
	OverRefundedHolds  []string                 `json:"overRefundedHolds"`
	OpenFailures       int64                    `json:"openFailures"`
	StaleRefunds       int64                    `json:"staleRefunds"`
	StalePayouts       int64                    `json:"stalePayouts"`
	CheckedAt          time.Time                `json:"checkedAt"`
}

// Reporter answers balance queries straight from ledger rows.
type Reporter struct {
	store              ledger.Store
	staleAfter         time.Duration
	scheduleStaleAfter time.Duration
	now                func() time.Time
}

// NewReporter creates a reporter. staleAfter is how long a refund, or a
// payout schedule unless WithScheduleStaleAfter says otherwise, may sit in
// processing before it counts as stuck.
func NewReporter(store ledger.Store, staleAfter time.Duration) *Reporter {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Reporter{store: store, staleAfter: staleAfter, scheduleStaleAfter: staleAfter, now: time.Now}
}

// WithScheduleStaleAfter sets the processing age at which a payout schedule
// counts as stuck.
func (r *Reporter) WithScheduleStaleAfter(d time.Duration) *Reporter {
	if d > 0 {
		r.scheduleStaleAfter = d
	}
	return r
}

// WithClock overrides the time source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// HeldBalance totals the unrefunded amount of the payee's held and
// disputed holds.
func (r *Reporter) HeldBalance(ctx context.Context, payeeID string) (ledger.Totals, error) {
	return r.store.SumHeld(ctx, payeeID)
}

// PendingPayoutBalance totals the payee's unpaid payout schedules.
func (r *Reporter) PendingPayoutBalance(ctx context.Context, payeeID string) (ledger.Totals, error) {
	return r.store.SumPendingPayouts(ctx, payeeID)
}

// TotalPaidOut totals payouts paid to the payee in [from, to).
func (r *Reporter) TotalPaidOut(ctx context.Context, payeeID string, from, to time.Time) (ledger.Totals, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end before start", ledger.ErrInvalidInput)
	}
	return r.store.SumPaidOut(ctx, payeeID, from, to)
}

// EscrowAggregate returns the platform-wide escrow position.
func (r *Reporter) EscrowAggregate(ctx context.Context) (*ledger.Aggregate, error) {
	return r.store.Aggregate(ctx)
}

// PayeeSummary runs the three payee balance queries concurrently.
func (r *Reporter) PayeeSummary(ctx context.Context, payeeID string) (*PayeeSummary, error) {
	out := &PayeeSummary{PayeeID: payeeID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Held, err = r.HeldBalance(gctx, payeeID)
		return err
	})
	g.Go(func() (err error) {
		out.PendingPayouts, err = r.PendingPayoutBalance(gctx, payeeID)
		return err
	})
	g.Go(func() (err error) {
		out.PaidOut, err = r.TotalPaidOut(gctx, payeeID, time.Time{}, farFuture)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckIntegrity verifies that every schedule's amount equals the net of
// the holds linked to it and that no hold is refunded beyond its amount.
// Open failures and stuck refunds or payouts are reported but do not fail
// the check.
func (r *Reporter) CheckIntegrity(ctx context.Context) (*IntegrityReport, error) {
	now := r.now().UTC()
	rep := &IntegrityReport{CheckedAt: now}

	var linkages []ledger.ScheduleLinkage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		linkages, err = r.store.ScheduleLinkages(gctx)
		return err
	})
	g.Go(func() (err error) {
		rep.OverRefundedHolds, err = r.store.OverRefundedHolds(gctx)
		return err
	})
	g.Go(func() (err error) {
		rep.OpenFailures, err = r.store.CountOpenFailures(gctx)
		return err
	})
	g.Go(func() (err error) {
		rep.StaleRefunds, err = r.store.CountStaleRefunds(gctx, now.Add(-r.staleAfter))
		return err
	})
	g.Go(func() (err error) {
		rep.StalePayouts, err = r.store.CountStaleSchedules(gctx, now.Add(-r.scheduleStaleAfter))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("integrity check: %w", err)
	}

	for _, l := range linkages {
		if l.Amount != l.LinkedNet {
			rep.ScheduleMismatches = append(rep.ScheduleMismatches, l)
		}
	}
	rep.OK = len(rep.ScheduleMismatches) == 0 && len(rep.OverRefundedHolds) == 0
	return rep, nil
}

// Failures lists settlement failures, newest first.
func (r *Reporter) Failures(ctx context.Context, includeAcknowledged bool, limit int) ([]*ledger.SettlementFailure, error) {
	return r.store.ListFailures(ctx, includeAcknowledged, limit)
}

// AcknowledgeFailure marks a failure as handled by an operator.
func (r *Reporter) AcknowledgeFailure(ctx context.Context, id string) (*ledger.SettlementFailure, error) {
	return r.store.AcknowledgeFailure(ctx, id, r.now().UTC())
}
