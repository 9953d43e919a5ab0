package refunds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBatchSize = 50

// Worker periodically requeues stale claims and drains due refunds.
type Worker struct {
	queue     *Queue
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	started   atomic.Bool
	running   atomic.Bool
}

// NewWorker creates a refund worker.
func NewWorker(queue *Queue, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		queue:     queue,
		interval:  interval,
		batchSize: defaultBatchSize,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the worker loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	defer close(w.done)
	select {
	case <-w.stop:
		return
	default:
	}

	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeRun(ctx)
		}
	}
}

// Stop asks the loop to return once the current batch finishes.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Wait blocks until Start has returned or ctx ends. It returns at once if
// Start was never called.
func (w *Worker) Wait(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in refund worker", "panic", fmt.Sprint(r))
		}
	}()
	w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	start := time.Now()
	defer func() { workerTickDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := w.queue.RequeueStale(ctx); err != nil {
		w.logger.Warn("refund requeue failed", "error", err)
	}
	n, err := w.queue.Drain(ctx, w.batchSize)
	if err != nil {
		w.logger.Warn("refund drain failed", "processed", n, "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("refunds processed", "count", n)
	}
}
