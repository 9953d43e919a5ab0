package refunds

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/money"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler serves refund status queries.
type Handler struct {
	queue *Queue
}

// NewHandler creates a new refund handler.
func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// RegisterRoutes sets up refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/refunds/:id", validation.IDParamMiddleware("id"), h.GetRefund)
}

type refundResponse struct {
	*ledger.RefundRequest
	Amount string `json:"amount"`
}

// GetRefund handles GET /v1/refunds/:id
func (h *Handler) GetRefund(c *gin.Context) {
	r, err := h.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": refundResponse{RefundRequest: r, Amount: money.Format(r.Amount)}})
}
