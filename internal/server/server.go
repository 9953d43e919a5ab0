// Package server assembles the settlement engine and serves its HTTP API.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/processor"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/refunds"
	"github.com/mbd888/escrowd/internal/webhooks"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	version = "0.1.0"

	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// Server wires the settlement engine to HTTP.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	router  *gin.Engine
	httpSrv *http.Server

	db    *sql.DB
	store ledger.Store
	proc  processor.Processor

	holds      *escrow.Manager
	refundQ    *refunds.Queue
	scheduler  *payouts.Scheduler
	reporter   *reconciliation.Reporter
	dispatcher *webhooks.Dispatcher
	hub        *realtime.Hub

	refundWorker   *refunds.Worker
	payoutTimer    *payouts.Timer
	reconcileTimer *reconciliation.Timer
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry

	healthy      atomic.Bool
	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor overrides the processor selected by configuration.
func WithProcessor(p processor.Processor) Option {
	return func(s *Server) {
		s.proc = p
	}
}

// New builds every component named by cfg. Background loops start with Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		checks:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = ledger.NewPostgresStore(db)
		s.checks.Register("database", health.Ping("database", db))
		if err := metrics.RegisterDB(prometheus.DefaultRegisterer, db); err != nil {
			s.logger.Warn("database pool metrics unavailable", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
	}

	if s.proc == nil {
		switch cfg.Processor {
		case "stripe":
			s.proc = processor.NewStripe(cfg.StripeSecretKey)
		default:
			s.proc = processor.NewMemory()
			s.logger.Warn("using simulated payment processor")
		}
	}
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)
	s.proc = processor.NewGuarded(s.proc, breaker, s.logger)
	s.checks.Register("processor", health.Circuits("processor", breaker.OpenKeys))

	// Notifications fan out to webhooks and the operator feed
	s.hub = realtime.NewHub(s.logger)
	if len(cfg.WebhookURLs) > 0 {
		s.dispatcher = webhooks.NewDispatcher(cfg.WebhookURLs, cfg.WebhookSecret, s.logger)
		s.logger.Info("webhook delivery enabled", "endpoints", len(cfg.WebhookURLs))
	}
	emitter := webhooks.NewEmitter(s.dispatcher, s.hub, s.logger)

	s.scheduler = payouts.NewScheduler(s.store, s.proc, payouts.Config{
		DefaultWeekday: cfg.PayoutWeekday,
		EarlyPayoutMin: cfg.EarlyPayoutMin,
		MaxAttempts:    cfg.PayoutMaxAttempts,
		CallTimeout:    cfg.PayoutCallTimeout,
		StaleAfter:     cfg.PayoutStaleAfter,
	}, s.logger).WithNotifier(emitter)

	s.holds = escrow.NewManager(s.store, s.scheduler, escrow.Config{
		FeeBps:            cfg.PlatformFeeBps,
		DefaultCurrency:   cfg.DefaultCurrency,
		RefundMaxAttempts: cfg.RefundMaxAttempts,
	}, s.logger).WithNotifier(emitter)

	s.refundQ = refunds.NewQueue(s.store, s.proc, refunds.Config{
		BaseDelay:   cfg.RefundBaseDelay,
		MaxDelay:    cfg.RefundMaxDelay,
		CallTimeout: cfg.RefundCallTimeout,
		StaleAfter:  cfg.RefundStaleAfter,
	}, s.logger).WithNotifier(emitter)

	s.reporter = reconciliation.NewReporter(s.store, cfg.RefundStaleAfter).
		WithScheduleStaleAfter(cfg.PayoutStaleAfter)

	s.refundWorker = refunds.NewWorker(s.refundQ, cfg.RefundInterval, s.logger)
	s.payoutTimer = payouts.NewTimer(s.scheduler, cfg.PayoutInterval, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reporter, cfg.ReconcileInterval, s.logger)

	s.checks.Register("refund_worker", health.Loop("refund_worker", s.refundWorker.Running))
	s.checks.Register("payout_timer", health.Loop("payout_timer", s.payoutTimer.Running))
	s.checks.Register("reconcile_timer", health.Loop("reconcile_timer", s.reconcileTimer.Running))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN replaces the password in a connection URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
