package validation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
)

// WriteError maps err onto an HTTP status and the {"error", "message"}
// envelope. Unrecognised errors are logged and reported as 500 without
// leaking their text.
func WriteError(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// WriteValidation reports field errors as a 400.
func WriteValidation(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// WriteBadRequest reports a malformed request body.
func WriteBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

func classify(err error) (int, string) {
	var verrs ValidationErrors
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrRefundExceedsHold):
		return http.StatusBadRequest, "refund_exceeds_hold"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidInput), errors.As(err, &verrs):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ledger.ErrDuplicateHold):
		return http.StatusConflict, "duplicate_hold"
	case errors.Is(err, ledger.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, ledger.ErrNotEligible):
		return http.StatusUnprocessableEntity, "not_eligible"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
