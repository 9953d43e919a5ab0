package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow holds.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up hold and booking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	holds := r.Group("/holds")
	holds.POST("", h.CreateHold)
	byID := holds.Group("/:id", validation.IDParamMiddleware("id"))
	byID.GET("", h.GetHold)
	byID.GET("/refunds", h.ListRefunds)
	byID.POST("/refunds", h.RequestRefund)
	byID.POST("/release", h.Release)
	byID.POST("/cancel", h.Cancel)
	byID.POST("/dispute", h.OpenDispute)

	bookings := r.Group("/bookings/:bookingId", validation.IDParamMiddleware("bookingId"))
	bookings.GET("/hold", h.GetHoldByBooking)
	bookings.POST("/completed", h.BookingCompleted)
	bookings.POST("/cancelled", h.BookingCancelled)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/holds/:id/resolve", validation.IDParamMiddleware("id"), h.ResolveDispute)
}

// holdResponse renders amounts as major-unit strings.
type holdResponse struct {
	*ledger.EscrowHold
	Amount         string `json:"amount"`
	RefundedAmount string `json:"refundedAmount"`
	FeeAmount      string `json:"feeAmount"`
	NetAmount      string `json:"netAmount"`
}

func newHoldResponse(h *ledger.EscrowHold) holdResponse {
	return holdResponse{
		EscrowHold:     h,
		Amount:         money.Format(h.Amount),
		RefundedAmount: money.Format(h.RefundedAmount),
		FeeAmount:      money.Format(h.FeeAmount),
		NetAmount:      money.Format(h.NetAmount),
	}
}

// refundResponse renders a refund request with a major-unit amount.
type refundResponse struct {
	*ledger.RefundRequest
	Amount string `json:"amount"`
}

// newRefundResponse wraps r for JSON output.
func newRefundResponse(r *ledger.RefundRequest) refundResponse {
	return refundResponse{RefundRequest: r, Amount: money.Format(r.Amount)}
}

type createHoldRequest struct {
	BookingID  string `json:"bookingId"`
	PayeeID    string `json:"payeeId"`
	PaymentRef string `json:"paymentRef"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
}

// CreateHold handles POST /v1/holds
func (h *Handler) CreateHold(c *gin.Context) {
	var req createHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.WriteBadRequest(c, "Invalid request body")
		return
	}
	var amount int64
	if errs := validation.Validate(
		validation.Required("bookingId", req.BookingID),
		validation.ValidID("bookingId", req.BookingID),
		validation.Required("payeeId", req.PayeeID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.Required("paymentRef", req.PaymentRef),
		validation.ValidID("paymentRef", req.PaymentRef),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount, &amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		validation.WriteValidation(c, errs)
		return
	}

	hold, err := h.manager.CreateHold(c.Request.Context(), CreateHoldRequest{
		BookingID:  req.BookingID,
		PayeeID:    req.PayeeID,
		PaymentRef: req.PaymentRef,
		Amount:     amount,
		Currency:   req.Currency,
	})
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": newHoldResponse(hold)})
}

// GetHold handles GET /v1/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

// GetHoldByBooking handles GET /v1/bookings/:bookingId/hold
func (h *Handler) GetHoldByBooking(c *gin.Context) {
	hold, err := h.manager.GetByBooking(c.Request.Context(), c.Param("bookingId"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

// ListRefunds handles GET /v1/holds/:id/refunds
func (h *Handler) ListRefunds(c *gin.Context) {
	refunds, err := h.manager.ListRefunds(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	out := make([]refundResponse, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, newRefundResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{
		"refunds": out,
		"count":   len(out),
	})
}

type actorRequest struct {
	Actor string `json:"actor"`
}

// bindActor reads an optional {"actor": ...} body; an empty body means the
// system released the hold.
func bindActor(c *gin.Context) (Actor, bool) {
	var req actorRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.WriteBadRequest(c, "Invalid request body")
			return "", false
		}
	}
	if req.Actor == "" {
		return ActorSystem, true
	}
	actor, err := ParseActor(req.Actor)
	if err != nil {
		validation.WriteError(c, err)
		return "", false
	}
	return actor, true
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func bindReason(c *gin.Context) (string, bool) {
	var req reasonRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			validation.WriteBadRequest(c, "Invalid request body")
			return "", false
		}
	}
	if errs := validation.Validate(validation.MaxLength("reason", req.Reason, validation.MaxReasonLength)); len(errs) > 0 {
		validation.WriteValidation(c, errs)
		return "", false
	}
	return validation.SanitizeString(req.Reason, validation.MaxReasonLength), true
}

// Release handles POST /v1/holds/:id/release
func (h *Handler) Release(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	hold, err := h.manager.Release(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

// Cancel handles POST /v1/holds/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	hold, err := h.manager.Cancel(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

// OpenDispute handles POST /v1/holds/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	hold, err := h.manager.OpenDispute(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

type refundRequest struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// RequestRefund handles POST /v1/holds/:id/refunds
func (h *Handler) RequestRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.WriteBadRequest(c, "Invalid request body")
		return
	}
	var amount int64
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount, &amount),
		validation.MaxLength("reason", req.Reason, validation.MaxReasonLength),
	); len(errs) > 0 {
		validation.WriteValidation(c, errs)
		return
	}

	refund, err := h.manager.RequestRefund(c.Request.Context(), c.Param("id"), amount,
		validation.SanitizeString(req.Reason, validation.MaxReasonLength))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"refund": newRefundResponse(refund)})
}

// BookingCompleted handles POST /v1/bookings/:bookingId/completed
func (h *Handler) BookingCompleted(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	hold, err := h.manager.BookingCompleted(c.Request.Context(), c.Param("bookingId"), actor)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

// BookingCancelled handles POST /v1/bookings/:bookingId/cancelled
func (h *Handler) BookingCancelled(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	hold, err := h.manager.BookingCancelled(c.Request.Context(), c.Param("bookingId"), reason)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}

type resolveRequest struct {
	Outcome             string `json:"outcome"`
	PartialRefundAmount string `json:"partialRefundAmount"`
}

// ResolveDispute handles POST /v1/admin/holds/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.WriteBadRequest(c, "Invalid request body")
		return
	}
	outcome, err := ParseOutcome(req.Outcome)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	var partial int64
	if outcome == OutcomeSplit {
		if errs := validation.Validate(
			validation.Required("partialRefundAmount", req.PartialRefundAmount),
			validation.ValidAmount("partialRefundAmount", req.PartialRefundAmount, &partial),
		); len(errs) > 0 {
			validation.WriteValidation(c, errs)
			return
		}
	}

	hold, err := h.manager.ResolveDispute(c.Request.Context(), c.Param("id"), outcome, partial)
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": newHoldResponse(hold)})
}
