package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists the ledger in PostgreSQL.
//
// Transactions run at READ COMMITTED. Rows are locked with SELECT ... FOR
// UPDATE and every state change is a conditional UPDATE on the observed
// state. One-active-hold-per-booking and one-pending-schedule-per-payee are
// enforced by partial unique indexes.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	holdColumns = `id, booking_id, payee_id, payment_ref, amount, currency, state,
		refunded_amount, fee_amount, net_amount, payout_schedule_id, released_by,
		dispute_reason, resolution, created_at, held_at, released_at, cancelled_at,
		resolved_at, updated_at`

	refundColumns = `id, escrow_hold_id, payment_ref, amount, currency, reason, state,
		attempts, max_attempts, last_error, next_attempt_at, processor_ref,
		created_at, updated_at, resolved_at`

	scheduleColumns = `id, payee_id, currency, amount, state, scheduled_for,
		early_payout_requested, attempts, last_error, processor_ref, merged_into,
		created_at, updated_at, paid_at`

	payeeColumns = `id, processor_account, payout_weekday, created_at, updated_at`

	failureColumns = `id, kind, entity_id, reason, attempts, acknowledged,
		created_at, acknowledged_at`
)

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	q queryer
}

func (t *pgTx) GetHoldForUpdate(ctx context.Context, id string) (*EscrowHold, error) {
	return getHold(ctx, t.q, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) LatestHoldForBookingForUpdate(ctx context.Context, bookingID string) (*EscrowHold, error) {
	return getHold(ctx, t.q, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE booking_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		FOR UPDATE`, bookingID)
}

func (t *pgTx) InsertHold(ctx context.Context, h *EscrowHold) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO escrow_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		h.ID, h.BookingID, h.PayeeID, h.PaymentRef, h.Amount, h.Currency, string(h.State),
		h.RefundedAmount, h.FeeAmount, h.NetAmount, nullString(h.PayoutScheduleID), nullString(h.ReleasedBy),
		nullString(h.DisputeReason), nullString(h.Resolution), h.CreatedAt, h.HeldAt,
		nullTime(h.ReleasedAt), nullTime(h.CancelledAt), nullTime(h.ResolvedAt), h.UpdatedAt,
	)
	if isUniqueViolation(err, "escrow_holds_one_active") {
		return ErrDuplicateHold
	}
	return err
}

func (t *pgTx) UpdateHold(ctx context.Context, h *EscrowHold, from HoldState) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE escrow_holds SET
			state = $1, refunded_amount = $2, fee_amount = $3, net_amount = $4,
			payout_schedule_id = $5, released_by = $6, dispute_reason = $7, resolution = $8,
			released_at = $9, cancelled_at = $10, resolved_at = $11, updated_at = $12
		WHERE id = $13 AND state = $14`,
		string(h.State), h.RefundedAmount, h.FeeAmount, h.NetAmount,
		nullString(h.PayoutScheduleID), nullString(h.ReleasedBy), nullString(h.DisputeReason), nullString(h.Resolution),
		nullTime(h.ReleasedAt), nullTime(h.CancelledAt), nullTime(h.ResolvedAt), h.UpdatedAt,
		h.ID, string(from),
	)
	if err != nil {
		if isCheckViolation(err, "escrow_holds_refund_cap") {
			return ErrRefundExceedsHold
		}
		return err
	}
	return conditionalResult(ctx, t.q, result, "escrow_holds", h.ID)
}

func (t *pgTx) InsertRefund(ctx context.Context, r *RefundRequest) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO refund_requests (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.EscrowHoldID, r.PaymentRef, r.Amount, r.Currency, nullString(r.Reason), string(r.State),
		r.Attempts, r.MaxAttempts, nullString(r.LastError), r.NextAttemptAt, nullString(r.ProcessorRef),
		r.CreatedAt, r.UpdatedAt, nullTime(r.ResolvedAt),
	)
	return err
}

func (t *pgTx) GetRefundForUpdate(ctx context.Context, id string) (*RefundRequest, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1 FOR UPDATE`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (t *pgTx) UpdateRefund(ctx context.Context, r *RefundRequest, from RefundState) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE refund_requests SET
			state = $1, attempts = $2, last_error = $3, next_attempt_at = $4,
			processor_ref = $5, updated_at = $6, resolved_at = $7
		WHERE id = $8 AND state = $9`,
		string(r.State), r.Attempts, nullString(r.LastError), r.NextAttemptAt,
		nullString(r.ProcessorRef), r.UpdatedAt, nullTime(r.ResolvedAt),
		r.ID, string(from),
	)
	if err != nil {
		return err
	}
	return conditionalResult(ctx, t.q, result, "refund_requests", r.ID)
}

func (t *pgTx) AccrueSchedule(ctx context.Context, c *PayoutSchedule) (*PayoutSchedule, error) {
	row := t.q.QueryRowContext(ctx, `
		INSERT INTO payout_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, 'pending', $5, FALSE, 0, NULL, NULL, NULL, $6, $7, NULL)
		ON CONFLICT (payee_id, currency) WHERE state = 'pending'
		DO UPDATE SET
			amount = payout_schedules.amount + EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
		RETURNING `+scheduleColumns,
		c.ID, c.PayeeID, c.Currency, c.Amount, c.ScheduledFor, c.CreatedAt, c.UpdatedAt,
	)
	return scanSchedule(row)
}

func (t *pgTx) GetScheduleForUpdate(ctx context.Context, id string) (*PayoutSchedule, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM payout_schedules WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (t *pgTx) PendingScheduleForUpdate(ctx context.Context, payeeID, currency string) (*PayoutSchedule, error) {
	row := t.q.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+` FROM payout_schedules
		WHERE payee_id = $1 AND currency = $2 AND state = 'pending'
		FOR UPDATE`, payeeID, currency)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (t *pgTx) UpdateSchedule(ctx context.Context, s *PayoutSchedule, from ScheduleState) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE payout_schedules SET
			amount = $1, state = $2, scheduled_for = $3, early_payout_requested = $4,
			attempts = $5, last_error = $6, processor_ref = $7, merged_into = $8,
			updated_at = $9, paid_at = $10
		WHERE id = $11 AND state = $12`,
		s.Amount, string(s.State), s.ScheduledFor, s.EarlyPayoutRequested,
		s.Attempts, nullString(s.LastError), nullString(s.ProcessorRef), nullString(s.MergedInto),
		s.UpdatedAt, nullTime(s.PaidAt),
		s.ID, string(from),
	)
	if err != nil {
		if isUniqueViolation(err, "payout_schedules_one_pending") {
			return ErrInvalidStateTransition
		}
		return err
	}
	return conditionalResult(ctx, t.q, result, "payout_schedules", s.ID)
}

func (t *pgTx) RelinkHolds(ctx context.Context, fromID, toID string) (int64, error) {
	result, err := t.q.ExecContext(ctx,
		`UPDATE escrow_holds SET payout_schedule_id = $1 WHERE payout_schedule_id = $2`, toID, fromID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (t *pgTx) GetPayee(ctx context.Context, id string) (*Payee, error) {
	return getPayee(ctx, t.q, id)
}

func (t *pgTx) InsertFailure(ctx context.Context, f *SettlementFailure) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO settlement_failures (`+failureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, string(f.Kind), f.EntityID, f.Reason, f.Attempts, f.Acknowledged, f.CreatedAt, nullTime(f.AcknowledgedAt),
	)
	return err
}

// Reader methods

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*EscrowHold, error) {
	return getHold(ctx, p.db, `SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
}

func (p *PostgresStore) GetHoldByBooking(ctx context.Context, bookingID string) (*EscrowHold, error) {
	return getHold(ctx, p.db, `
		SELECT `+holdColumns+` FROM escrow_holds
		WHERE booking_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, bookingID)
}

func (p *PostgresStore) ListRefundsByHold(ctx context.Context, holdID string) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+refundColumns+` FROM refund_requests
		WHERE escrow_hold_id = $1
		ORDER BY created_at, id`, holdID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*RefundRequest
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetRefund(ctx context.Context, id string) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refund_requests WHERE id = $1`, id)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ClaimNextRefund(ctx context.Context, now time.Time) (*RefundRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE refund_requests SET state = 'processing', updated_at = $1
		WHERE id = (
			SELECT id FROM refund_requests
			WHERE state = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+refundColumns, now)
	r, err := scanRefund(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) RequeueStaleRefunds(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE refund_requests SET state = 'pending', next_attempt_at = $2, updated_at = $2
		WHERE state = 'processing' AND updated_at < $1`, cutoff, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) GetSchedule(ctx context.Context, id string) (*PayoutSchedule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM payout_schedules WHERE id = $1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListOpenSchedules(ctx context.Context, payeeID string) ([]*PayoutSchedule, error) {
	return p.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM payout_schedules
		WHERE payee_id = $1 AND state IN ('pending', 'processing')
		ORDER BY created_at, id`, payeeID)
}

func (p *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*PayoutSchedule, error) {
	return p.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM payout_schedules
		WHERE state = 'pending'
		  AND (scheduled_for <= $1 OR early_payout_requested)
		  AND attempts < $2
		ORDER BY scheduled_for, id
		LIMIT $3`, now, maxAttempts, limit)
}

func (p *PostgresStore) ListStaleSchedules(ctx context.Context, cutoff time.Time, limit int) ([]*PayoutSchedule, error) {
	return p.listSchedules(ctx, `
		SELECT `+scheduleColumns+` FROM payout_schedules
		WHERE state = 'processing' AND updated_at < $1
		ORDER BY updated_at, id
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) listSchedules(ctx context.Context, query string, args ...any) ([]*PayoutSchedule, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PayoutSchedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetPayee(ctx context.Context, id string) (*Payee, error) {
	return getPayee(ctx, p.db, id)
}

func (p *PostgresStore) UpsertPayee(ctx context.Context, payee *Payee) (*Payee, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO payees (`+payeeColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			processor_account = EXCLUDED.processor_account,
			payout_weekday = EXCLUDED.payout_weekday,
			updated_at = EXCLUDED.updated_at
		RETURNING `+payeeColumns,
		payee.ID, payee.ProcessorAccount, nullWeekday(payee.PayoutWeekday), payee.CreatedAt, payee.UpdatedAt,
	)
	return scanPayee(row)
}

func (p *PostgresStore) ListFailures(ctx context.Context, includeAcknowledged bool, limit int) ([]*SettlementFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+failureColumns+` FROM settlement_failures
		WHERE $1 OR NOT acknowledged
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, includeAcknowledged, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SettlementFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AcknowledgeFailure(ctx context.Context, id string, at time.Time) (*SettlementFailure, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE settlement_failures SET
			acknowledged = TRUE,
			acknowledged_at = COALESCE(acknowledged_at, $2)
		WHERE id = $1
		RETURNING `+failureColumns, id, at)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

func (p *PostgresStore) SumHeld(ctx context.Context, payeeID string) (Totals, error) {
	return p.sumTotals(ctx, `
		SELECT currency, COALESCE(SUM(amount - refunded_amount), 0) FROM escrow_holds
		WHERE state IN ('held', 'disputed') AND ($1 = '' OR payee_id = $1)
		GROUP BY currency`, payeeID)
}

func (p *PostgresStore) SumPendingPayouts(ctx context.Context, payeeID string) (Totals, error) {
	return p.sumTotals(ctx, `
		SELECT currency, COALESCE(SUM(amount), 0) FROM payout_schedules
		WHERE state IN ('pending', 'processing') AND ($1 = '' OR payee_id = $1)
		GROUP BY currency`, payeeID)
}

func (p *PostgresStore) SumPaidOut(ctx context.Context, payeeID string, from, to time.Time) (Totals, error) {
	return p.sumTotals(ctx, `
		SELECT currency, COALESCE(SUM(amount), 0) FROM payout_schedules
		WHERE state = 'paid' AND paid_at >= $2 AND paid_at < $3
		  AND ($1 = '' OR payee_id = $1)
		GROUP BY currency`, payeeID, from, to)
}

func (p *PostgresStore) sumTotals(ctx context.Context, query string, args ...any) (Totals, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := Totals{}
	for rows.Next() {
		var currency string
		var amount int64
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, err
		}
		totals.Add(currency, amount)
	}
	return totals, rows.Err()
}

func (p *PostgresStore) Aggregate(ctx context.Context) (*Aggregate, error) {
	agg := NewAggregate()

	err := p.eachGroup(ctx, `
		SELECT state, currency, COUNT(*), COALESCE(SUM(amount - refunded_amount), 0), COALESCE(SUM(fee_amount), 0)
		FROM escrow_holds GROUP BY state, currency`,
		func(state, currency string, vals []int64) {
			agg.HoldCounts[state] += vals[0]
			switch HoldState(state) {
			case HoldHeld:
				agg.Held.Add(currency, vals[1])
			case HoldDisputed:
				agg.Disputed.Add(currency, vals[1])
			case HoldReleased:
				agg.PlatformFees.Add(currency, vals[2])
			}
		}, 3)
	if err != nil {
		return nil, fmt.Errorf("aggregate holds: %w", err)
	}

	err = p.eachGroup(ctx, `
		SELECT state, currency, COALESCE(SUM(amount), 0)
		FROM payout_schedules GROUP BY state, currency`,
		func(state, currency string, vals []int64) {
			switch ScheduleState(state) {
			case SchedulePending, ScheduleProcessing:
				agg.PendingPayouts.Add(currency, vals[0])
			case SchedulePaid:
				agg.PaidOut.Add(currency, vals[0])
			}
		}, 1)
	if err != nil {
		return nil, fmt.Errorf("aggregate schedules: %w", err)
	}

	err = p.eachGroup(ctx, `
		SELECT state, currency, COALESCE(SUM(amount), 0)
		FROM refund_requests GROUP BY state, currency`,
		func(state, currency string, vals []int64) {
			switch RefundState(state) {
			case RefundPending, RefundProcessing:
				agg.RefundsOutstanding.Add(currency, vals[0])
			case RefundCompleted:
				agg.RefundsCompleted.Add(currency, vals[0])
			case RefundFailed:
				agg.RefundsFailed.Add(currency, vals[0])
			}
		}, 1)
	if err != nil {
		return nil, fmt.Errorf("aggregate refunds: %w", err)
	}

	return agg, nil
}

// eachGroup scans rows of (state, currency, n int64 values).
func (p *PostgresStore) eachGroup(ctx context.Context, query string, fn func(state, currency string, vals []int64), n int) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state, currency string
		vals := make([]int64, n)
		dest := []any{&state, &currency}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		fn(state, currency, vals)
	}
	return rows.Err()
}

func (p *PostgresStore) ScheduleLinkages(ctx context.Context) ([]ScheduleLinkage, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.amount, COALESCE(SUM(h.net_amount), 0)
		FROM payout_schedules s
		LEFT JOIN escrow_holds h ON h.payout_schedule_id = s.id
		WHERE s.state <> 'merged'
		GROUP BY s.id
		ORDER BY s.created_at, s.id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []ScheduleLinkage
	for rows.Next() {
		var l ScheduleLinkage
		if err := rows.Scan(&l.ScheduleID, &l.Amount, &l.LinkedNet); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) OverRefundedHolds(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM escrow_holds WHERE refunded_amount > amount ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) CountOpenFailures(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement_failures WHERE NOT acknowledged`).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountStaleRefunds(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refund_requests WHERE state = 'processing' AND updated_at < $1`, cutoff).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountStaleSchedules(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payout_schedules WHERE state = 'processing' AND updated_at < $1`, cutoff).Scan(&n)
	return n, err
}

// conditionalResult turns a zero-row conditional update into ErrNotFound or
// ErrInvalidStateTransition.
func conditionalResult(ctx context.Context, q queryer, result sql.Result, table, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	// table is one of a fixed set of names from this file.
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil { // #nosec G202
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidStateTransition
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getHold(ctx context.Context, q queryer, query string, args ...any) (*EscrowHold, error) {
	h, err := scanHold(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

func scanHold(row scanner) (*EscrowHold, error) {
	h := &EscrowHold{}
	var (
		state                                      string
		scheduleID, releasedBy, reason, resolution sql.NullString
		releasedAt, cancelledAt, resolvedAt        sql.NullTime
	)
	err := row.Scan(
		&h.ID, &h.BookingID, &h.PayeeID, &h.PaymentRef, &h.Amount, &h.Currency, &state,
		&h.RefundedAmount, &h.FeeAmount, &h.NetAmount, &scheduleID, &releasedBy,
		&reason, &resolution, &h.CreatedAt, &h.HeldAt, &releasedAt, &cancelledAt,
		&resolvedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if h.State, err = ParseHoldState(state); err != nil {
		return nil, err
	}
	h.PayoutScheduleID = scheduleID.String
	h.ReleasedBy = releasedBy.String
	h.DisputeReason = reason.String
	h.Resolution = resolution.String
	h.ReleasedAt = timePtr(releasedAt)
	h.CancelledAt = timePtr(cancelledAt)
	h.ResolvedAt = timePtr(resolvedAt)
	return h, nil
}

func scanRefund(row scanner) (*RefundRequest, error) {
	r := &RefundRequest{}
	var (
		state                         string
		reason, lastErr, processorRef sql.NullString
		resolvedAt                    sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.EscrowHoldID, &r.PaymentRef, &r.Amount, &r.Currency, &reason, &state,
		&r.Attempts, &r.MaxAttempts, &lastErr, &r.NextAttemptAt, &processorRef,
		&r.CreatedAt, &r.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.State, err = ParseRefundState(state); err != nil {
		return nil, err
	}
	r.Reason = reason.String
	r.LastError = lastErr.String
	r.ProcessorRef = processorRef.String
	r.ResolvedAt = timePtr(resolvedAt)
	return r, nil
}

func scanSchedule(row scanner) (*PayoutSchedule, error) {
	s := &PayoutSchedule{}
	var (
		state                             string
		lastErr, processorRef, mergedInto sql.NullString
		paidAt                            sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.PayeeID, &s.Currency, &s.Amount, &state, &s.ScheduledFor,
		&s.EarlyPayoutRequested, &s.Attempts, &lastErr, &processorRef, &mergedInto,
		&s.CreatedAt, &s.UpdatedAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}
	if s.State, err = ParseScheduleState(state); err != nil {
		return nil, err
	}
	s.LastError = lastErr.String
	s.ProcessorRef = processorRef.String
	s.MergedInto = mergedInto.String
	s.PaidAt = timePtr(paidAt)
	return s, nil
}

func getPayee(ctx context.Context, q queryer, id string) (*Payee, error) {
	p, err := scanPayee(q.QueryRowContext(ctx, `SELECT `+payeeColumns+` FROM payees WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPayee(row scanner) (*Payee, error) {
	p := &Payee{}
	var weekday sql.NullInt16
	if err := row.Scan(&p.ID, &p.ProcessorAccount, &weekday, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if weekday.Valid {
		wd := time.Weekday(weekday.Int16)
		p.PayoutWeekday = &wd
	}
	return p, nil
}

func scanFailure(row scanner) (*SettlementFailure, error) {
	f := &SettlementFailure{}
	var (
		kind  string
		ackAt sql.NullTime
	)
	err := row.Scan(&f.ID, &kind, &f.EntityID, &f.Reason, &f.Attempts, &f.Acknowledged, &f.CreatedAt, &ackAt)
	if err != nil {
		return nil, err
	}
	if f.Kind, err = ParseFailureKind(kind); err != nil {
		return nil, err
	}
	f.AcknowledgedAt = timePtr(ackAt)
	return f, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func isCheckViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514" && pqErr.Constraint == constraint
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullWeekday(wd *time.Weekday) sql.NullInt16 {
	if wd == nil {
		return sql.NullInt16{}
	}
	return sql.NullInt16{Int16: int16(*wd), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
