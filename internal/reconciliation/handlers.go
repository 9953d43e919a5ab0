package reconciliation

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/validation"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
)

// Handler serves balance reports and the operator failure list.
type Handler struct {
	reporter *Reporter
}

// NewHandler creates a new reconciliation handler.
func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// RegisterRoutes sets up the public report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payee := r.Group("/payees/:payeeId", validation.IDParamMiddleware("payeeId"))
	payee.GET("/balances", h.GetBalances)
	payee.GET("/paid-out", h.GetPaidOut)
	r.GET("/reports/escrow", h.GetEscrowReport)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/integrity", h.GetIntegrity)
	r.GET("/failures", h.ListFailures)
	r.POST("/failures/:id/ack", validation.IDParamMiddleware("id"), h.AcknowledgeFailure)
}

// formatTotals renders minor-unit totals as major-unit strings.
func formatTotals(t ledger.Totals) map[string]string {
	out := make(map[string]string, len(t))
	for currency, amount := range t {
		out[currency] = money.Format(amount)
	}
	return out
}

// GetBalances handles GET /v1/payees/:payeeId/balances
func (h *Handler) GetBalances(c *gin.Context) {
	s, err := h.reporter.PayeeSummary(c.Request.Context(), c.Param("payeeId"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payeeId":        s.PayeeID,
		"held":           formatTotals(s.Held),
		"pendingPayouts": formatTotals(s.PendingPayouts),
		"paidOut":        formatTotals(s.PaidOut),
	})
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

// GetPaidOut handles GET /v1/payees/:payeeId/paid-out?from=&to=
func (h *Handler) GetPaidOut(c *gin.Context) {
	from, to := time.Time{}, farFuture
	if v := c.Query("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			validation.WriteBadRequest(c, "from must be an RFC 3339 time or YYYY-MM-DD date")
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			validation.WriteBadRequest(c, "to must be an RFC 3339 time or YYYY-MM-DD date")
			return
		}
		to = t
	}

	totals, err := h.reporter.TotalPaidOut(c.Request.Context(), c.Param("payeeId"), from, to)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	resp := gin.H{"payeeId": c.Param("payeeId"), "paidOut": formatTotals(totals)}
	if !from.IsZero() {
		resp["from"] = from
	}
	if !to.Equal(farFuture) {
		resp["to"] = to
	}
	c.JSON(http.StatusOK, resp)
}

// GetEscrowReport handles GET /v1/reports/escrow
func (h *Handler) GetEscrowReport(c *gin.Context) {
	agg, err := h.reporter.EscrowAggregate(c.Request.Context())
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"held":               formatTotals(agg.Held),
		"disputed":           formatTotals(agg.Disputed),
		"pendingPayouts":     formatTotals(agg.PendingPayouts),
		"paidOut":            formatTotals(agg.PaidOut),
		"platformFees":       formatTotals(agg.PlatformFees),
		"refundsOutstanding": formatTotals(agg.RefundsOutstanding),
		"refundsCompleted":   formatTotals(agg.RefundsCompleted),
		"refundsFailed":      formatTotals(agg.RefundsFailed),
		"holdCounts":         agg.HoldCounts,
	})
}

// GetIntegrity handles GET /v1/admin/integrity
func (h *Handler) GetIntegrity(c *gin.Context) {
	rep, err := h.reporter.CheckIntegrity(c.Request.Context())
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrity": rep})
}

// ListFailures handles GET /v1/admin/failures?all=true&limit=
func (h *Handler) ListFailures(c *gin.Context) {
	limit := defaultFailureLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			validation.WriteBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFailureLimit)
	}
	all := c.Query("all") == "true"

	failures, err := h.reporter.Failures(c.Request.Context(), all, limit)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	if failures == nil {
		failures = []*ledger.SettlementFailure{}
	}
	c.JSON(http.StatusOK, gin.H{
		"failures": failures,
		"count":    len(failures),
	})
}

// AcknowledgeFailure handles POST /v1/admin/failures/:id/ack
func (h *Handler) AcknowledgeFailure(c *gin.Context) {
	f, err := h.reporter.AcknowledgeFailure(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"failure": f})
}
