package payouts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for payees and payout schedules.
type Handler struct {
	scheduler *Scheduler
}

// NewHandler creates a new payouts handler.
func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes sets up payee and schedule routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/payees/:payeeId", validation.IDParamMiddleware("payeeId"), h.UpsertPayee)
	r.GET("/payees/:payeeId/payout-schedule", validation.IDParamMiddleware("payeeId"), h.GetPayoutSchedule)
	r.POST("/payout-schedules/:id/early", validation.IDParamMiddleware("id"), h.RequestEarlyPayout)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payout-schedules/:id/execute", validation.IDParamMiddleware("id"), h.ExecuteSchedule)
}

// scheduleResponse renders amounts as major-unit strings.
type scheduleResponse struct {
	*ledger.PayoutSchedule
	Amount string `json:"amount"`
}

func newScheduleResponse(s *ledger.PayoutSchedule) scheduleResponse {
	return scheduleResponse{PayoutSchedule: s, Amount: money.Format(s.Amount)}
}

type upsertPayeeRequest struct {
	ProcessorAccount string `json:"processorAccount"`
	PayoutWeekday    string `json:"payoutWeekday"`
}

// UpsertPayee handles PUT /v1/payees/:payeeId
func (h *Handler) UpsertPayee(c *gin.Context) {
	var req upsertPayeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.WriteBadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("processorAccount", req.ProcessorAccount),
		validation.ValidID("processorAccount", req.ProcessorAccount),
	); len(errs) > 0 {
		validation.WriteValidation(c, errs)
		return
	}

	var weekday *time.Weekday
	if req.PayoutWeekday != "" {
		wd, err := config.ParseWeekday(req.PayoutWeekday)
		if err != nil {
			validation.WriteValidation(c, validation.ValidationErrors{{Field: "payoutWeekday", Message: "must be a day of the week"}})
			return
		}
		weekday = &wd
	}

	payee, err := h.scheduler.UpsertPayee(c.Request.Context(), c.Param("payeeId"), req.ProcessorAccount, weekday)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payee": payee})
}

// GetPayoutSchedule handles GET /v1/payees/:payeeId/payout-schedule
func (h *Handler) GetPayoutSchedule(c *gin.Context) {
	schedules, err := h.scheduler.GetForPayee(c.Request.Context(), c.Param("payeeId"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	out := make([]scheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, newScheduleResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{
		"schedules": out,
		"count":     len(out),
	})
}

// RequestEarlyPayout handles POST /v1/payout-schedules/:id/early
func (h *Handler) RequestEarlyPayout(c *gin.Context) {
	s, err := h.scheduler.RequestEarlyPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"schedule": newScheduleResponse(s)})
}

// ExecuteSchedule handles POST /v1/admin/payout-schedules/:id/execute
func (h *Handler) ExecuteSchedule(c *gin.Context) {
	s, err := h.scheduler.ExecuteSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": newScheduleResponse(s)})
}
