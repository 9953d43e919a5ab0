package payouts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer periodically executes due payout schedules. Early payout requests
// trigger an immediate run.
type Timer struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	started   atomic.Bool
	running   atomic.Bool
}

// NewTimer creates a new payout timer.
func NewTimer(scheduler *Scheduler, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the payout loop. Call in a goroutine.
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
		case <-t.scheduler.Nudged():
			t.safeRun(ctx)
		}
	}
}

// Stop asks the loop to return once the current run finishes.
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
			t.logger.Error("panic in payout timer", "panic", fmt.Sprint(r))
		}
	}()
	t.run(ctx)
}

func (t *Timer) run(ctx context.Context) {
	start := time.Now()
	defer func() { payoutTickDuration.Observe(time.Since(start).Seconds()) }()

	if n, err := t.scheduler.RequeueStale(ctx); err != nil {
		t.logger.Warn("stale payout requeue failed", "error", err)
	} else if n > 0 {
		t.logger.Warn("stale payouts requeued", "count", n)
	}

	paid, err := t.scheduler.ExecuteDue(ctx, t.scheduler.now())
	if err != nil {
		t.logger.Warn("payout run failed", "error", err)
		return
	}
	if paid > 0 {
		t.logger.Info("payouts executed", "paid", paid)
	}
}
