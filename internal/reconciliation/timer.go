package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically refreshes the reconciliation gauges.
type Timer struct {
	reporter *Reporter
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer.
func NewTimer(reporter *Reporter, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		reporter: reporter,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	defer close(t.done)
	select {
	case <-t.stop:
		return
	default:
	}

	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop asks the loop to return once the current refresh finishes.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Wait blocks until Start has returned or ctx ends. It returns at once if
// Start was never called.
func (t *Timer) Wait(ctx context.Context) error {
	if !t.started.Load() {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.run(ctx); err != nil {
		reconcileErrors.Inc()
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}

// run refreshes every gauge from a fresh read of the ledger.
func (t *Timer) run(ctx context.Context) error {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	agg, err := t.reporter.EscrowAggregate(ctx)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	held := map[string]int64{}
	for c, v := range agg.Held {
		held[c] += v
	}
	for c, v := range agg.Disputed {
		held[c] += v
	}
	setTotals(heldTotal, held)
	setTotals(pendingPayouts, agg.PendingPayouts)

	rep, err := t.reporter.CheckIntegrity(ctx)
	if err != nil {
		return err
	}
	openFailures.Set(float64(rep.OpenFailures))
	staleRefunds.Set(float64(rep.StaleRefunds))
	stalePayouts.Set(float64(rep.StalePayouts))
	integrityMismatches.Set(float64(len(rep.ScheduleMismatches) + len(rep.OverRefundedHolds)))

	if !rep.OK {
		t.logger.Error("ledger integrity check failed",
			"scheduleMismatches", len(rep.ScheduleMismatches), "overRefundedHolds", rep.OverRefundedHolds)
	}
	return nil
}
