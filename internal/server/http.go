package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/refunds"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

func (s *Server) setupMiddleware() {
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	// Outermost first. Request IDs are attached before logging so every
	// handler log line carries one.
	s.router.Use(
		gin.CustomRecovery(s.recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		s.rateLimiter.Middleware(),
		metrics.Middleware(),
		traces.Middleware(),
		s.requestContext(),
		s.accessLog(),
	)
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("handler panicked", "panic", recovered, "route", c.FullPath())
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "internal error",
	})
}

// requestContext puts a request ID and the server logger on the request
// context. A client-supplied ID is kept when it is short enough.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = idgen.New()
		}
		c.Header(requestIDHeader, id)

		ctx := logging.WithLogger(logging.WithRequestID(c.Request.Context(), id), s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.GET("/health", s.healthHandler)
	r.GET("/health/live", s.livenessHandler)
	r.GET("/health/ready", s.readinessHandler)
	r.GET("/metrics", metrics.Handler())

	holds := escrow.NewHandler(s.holds)
	payoutsH := payouts.NewHandler(s.scheduler)
	reports := reconciliation.NewHandler(s.reporter)

	v1 := r.Group("/v1")
	holds.RegisterRoutes(v1)
	refunds.NewHandler(s.refundQ).RegisterRoutes(v1)
	payoutsH.RegisterRoutes(v1)
	reports.RegisterRoutes(v1)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are unauthenticated")
	}
	admin := v1.Group("/admin", security.RequireAdmin(s.cfg.AdminSecret))
	holds.RegisterAdminRoutes(admin)
	payoutsH.RegisterAdminRoutes(admin)
	reports.RegisterAdminRoutes(admin)
	admin.GET("/feed", gin.WrapF(s.hub.HandleWebSocket))
	admin.GET("/feed/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())
	resp := HealthResponse{
		Status:    "healthy",
		Version:   version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !ok {
		resp.Status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler passes from New until Shutdown completes.
func (s *Server) livenessHandler(c *gin.Context) {
	probe(c, s.healthy.Load(), "alive", "unhealthy")
}

// readinessHandler passes between Run starting the loops and Shutdown.
func (s *Server) readinessHandler(c *gin.Context) {
	probe(c, s.ready.Load(), "ready", "not_ready")
}

func probe(c *gin.Context, ok bool, up, down string) {
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": up})
}

// Router exposes the HTTP handler for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}
