// Package validation checks API input and maps ledger errors onto the
// JSON error envelope used by every handler.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/money"
)

const (
	// MaxRequestSize caps request bodies at 1MB.
	MaxRequestSize = 1 << 20
	// MaxIDLength bounds booking, payee and payment identifiers.
	MaxIDLength = 128
	// MaxReasonLength bounds free-text refund and dispute reasons.
	MaxReasonLength = 1000
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// IsValidID reports whether s is an acceptable external identifier.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idPattern.MatchString(s)
}

// SanitizeString trims s, drops NUL bytes and cuts it to at most maxLen
// bytes without splitting a UTF-8 sequence.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) <= maxLen {
		return s
	}
	s = s[:maxLen]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every rejected field of a request, in rule order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it passes.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// check builds a Rule from a predicate that returns a failure message.
// Empty values pass unless required is set; presence is Required's job.
func check(field, value string, required bool, fail func(string) string) Rule {
	return func() *ValidationError {
		if value == "" && !required {
			return nil
		}
		if msg := fail(value); msg != "" {
			return &ValidationError{Field: field, Message: msg}
		}
		return nil
	}
}

func Required(field, value string) Rule {
	return check(field, value, true, func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "is required"
		}
		return ""
	})
}

func ValidID(field, value string) Rule {
	return check(field, value, false, func(v string) string {
		if !IsValidID(v) {
			return fmt.Sprintf("must be alphanumeric (with _ . : -) and at most %d characters", MaxIDLength)
		}
		return ""
	})
}

func MaxLength(field, value string, limit int) Rule {
	return check(field, value, false, func(v string) string {
		if len(v) > limit {
			return fmt.Sprintf("exceeds maximum length of %d", limit)
		}
		return ""
	})
}

// ValidAmount accepts a positive major-unit decimal with at most
// minor-unit precision, such as "120.50". On success the amount in minor
// units is stored in dst when dst is non-nil.
func ValidAmount(field, value string, dst *int64) Rule {
	return check(field, value, false, func(v string) string {
		minor, err := money.Parse(v)
		switch {
		case err != nil:
			return err.Error()
		case minor <= 0:
			return "amount must be greater than zero"
		}
		if dst != nil {
			*dst = minor
		}
		return ""
	})
}

// ValidCurrency accepts an ISO 4217 style three-letter code in any case.
func ValidCurrency(field, value string) Rule {
	return check(field, value, false, func(v string) string {
		if _, err := money.NormalizeCurrency(v); err != nil {
			return "must be a three-letter currency code"
		}
		return ""
	})
}

// RequestSizeMiddleware rejects bodies larger than maxSize once read.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware answers 400 invalid_id when any of the named path
// parameters is not a well-formed identifier.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			if v := c.Param(name); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": name + " is not a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}
