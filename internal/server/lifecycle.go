package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	loopStopTimeout = 20 * time.Second
	loopCancelGrace = 5 * time.Second
)

// startBackground launches the operator feed and the settlement loops.
// They run until ctx is cancelled or stopBackground is called.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	go s.refundWorker.Start(ctx)
	go s.payoutTimer.Start(ctx)
	go s.reconcileTimer.Start(ctx)
}

// loop is a background worker that can be asked to stop and waited on.
type loop interface {
	Stop()
	Wait(ctx context.Context) error
}

// stopBackground lets the loops finish their current tick before the run
// context is cancelled. A loop still busy after loopStopTimeout is
// cancelled and given loopCancelGrace to return.
func (s *Server) stopBackground() {
	loops := map[string]loop{
		"refund_worker":   s.refundWorker,
		"payout_timer":    s.payoutTimer,
		"reconcile_timer": s.reconcileTimer,
	}
	for _, l := range loops {
		l.Stop()
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), loopStopTimeout)
	pending := waitLoops(waitCtx, loops)
	cancel()

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if len(pending) > 0 {
		s.logger.Warn("background loops still running, cancelling", "loops", slices.Sorted(maps.Keys(pending)))
		graceCtx, cancel := context.WithTimeout(context.Background(), loopCancelGrace)
		if still := waitLoops(graceCtx, pending); len(still) > 0 {
			s.logger.Error("background loops did not stop", "loops", slices.Sorted(maps.Keys(still)))
		}
		cancel()
	}

	s.rateLimiter.Stop()
	if s.dispatcher != nil {
		s.dispatcher.Wait()
	}
}

// waitLoops waits for every loop and returns those still running when ctx
// ends.
func waitLoops(ctx context.Context, loops map[string]loop) map[string]loop {
	pending := make(map[string]loop)
	for name, l := range loops {
		if err := l.Wait(ctx); err != nil {
			pending[name] = l
		}
	}
	return pending
}

// Run serves HTTP and runs the background loops until ctx is cancelled,
// SIGINT or SIGTERM arrives, or the listener fails. It then shuts down.
func (s *Server) Run(ctx context.Context) error {
	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		s.logger.Info("listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env, "processor", s.cfg.Processor)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	s.startBackground(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() == nil && sigCtx.Err() != nil {
			s.logger.Info("shutdown signal received")
		}
		return s.Shutdown()
	})
	return g.Wait()
}

// Shutdown drains traffic, stops HTTP, waits for the background loops and
// pending webhook deliveries, then closes the database.
// Later calls return the first call's result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() { s.shutdownErr = s.shutdown() })
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("shutting down", "drain_delay", s.drainDelay)
	time.Sleep(s.drainDelay)

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown", "error", err)
		}
	}

	s.stopBackground()

	if s.db != nil {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Error("database close", "error", cerr)
		}
	}
	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return err
}
