package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total notification events emitted by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook endpoint deliveries by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors, webhookDeliveries)
}

// Broadcaster receives every event for live operator feeds.
type Broadcaster interface {
	BroadcastEvent(eventType string, data map[string]any)
}

// Emitter turns ledger transitions into events for the dispatcher and the
// operator feed. All methods are fire-and-forget: errors are logged but
// never returned, and a nil Emitter is a no-op.
type Emitter struct {
	d           *Dispatcher
	broadcaster Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewEmitter creates a new emitter. d and b may each be nil.
func NewEmitter(d *Dispatcher, b Broadcaster, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, broadcaster: b, logger: logger, now: time.Now}
}

func (e *Emitter) emit(eventType EventType, data map[string]any) {
	if e == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	if e.broadcaster != nil {
		e.broadcaster.BroadcastEvent(string(eventType), data)
	}
	if e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: e.now().UTC(),
		Data:      data,
	}
	if err := e.d.Dispatch(context.Background(), event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// --- Hold events ---

// HoldReleased emits a hold.released event.
func (e *Emitter) HoldReleased(_ context.Context, h *ledger.EscrowHold) {
	e.emit(EventHoldReleased, map[string]any{
		"holdId":           h.ID,
		"bookingId":        h.BookingID,
		"payeeId":          h.PayeeID,
		"currency":         h.Currency,
		"gross":            money.Format(h.FeeAmount + h.NetAmount),
		"fee":              money.Format(h.FeeAmount),
		"net":              money.Format(h.NetAmount),
		"payoutScheduleId": h.PayoutScheduleID,
		"releasedBy":       h.ReleasedBy,
	})
}

// HoldRefunded emits a hold.refunded event.
func (e *Emitter) HoldRefunded(_ context.Context, h *ledger.EscrowHold) {
	e.emit(EventHoldRefunded, map[string]any{
		"holdId":         h.ID,
		"bookingId":      h.BookingID,
		"payeeId":        h.PayeeID,
		"currency":       h.Currency,
		"state":          string(h.State),
		"refundedAmount": money.Format(h.RefundedAmount),
		"resolution":     h.Resolution,
	})
}

// --- Refund events ---

// RefundCompleted emits a refund.completed event.
func (e *Emitter) RefundCompleted(_ context.Context, r *ledger.RefundRequest) {
	e.emit(EventRefundCompleted, refundData(r))
}

// RefundFailed emits a refund.failed event.
func (e *Emitter) RefundFailed(_ context.Context, r *ledger.RefundRequest) {
	data := refundData(r)
	data["lastError"] = r.LastError
	e.emit(EventRefundFailed, data)
}

func refundData(r *ledger.RefundRequest) map[string]any {
	return map[string]any{
		"refundId":     r.ID,
		"holdId":       r.EscrowHoldID,
		"amount":       money.Format(r.Amount),
		"currency":     r.Currency,
		"attempts":     r.Attempts,
		"processorRef": r.ProcessorRef,
	}
}

// --- Payout events ---

// PayoutPaid emits a payout.paid event.
func (e *Emitter) PayoutPaid(_ context.Context, s *ledger.PayoutSchedule) {
	e.emit(EventPayoutPaid, scheduleData(s))
}

// PayoutFailed emits a payout.failed event.
func (e *Emitter) PayoutFailed(_ context.Context, s *ledger.PayoutSchedule) {
	data := scheduleData(s)
	data["lastError"] = s.LastError
	e.emit(EventPayoutFailed, data)
}

func scheduleData(s *ledger.PayoutSchedule) map[string]any {
	return map[string]any{
		"scheduleId":   s.ID,
		"payeeId":      s.PayeeID,
		"amount":       money.Format(s.Amount),
		"currency":     s.Currency,
		"attempts":     s.Attempts,
		"processorRef": s.ProcessorRef,
	}
}
