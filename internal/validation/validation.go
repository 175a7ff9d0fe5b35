// Package validation provides request validation helpers for the HTTP API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/commissions/internal/apperr"
	"github.com/mbd888/commissions/internal/idgen"
	"github.com/mbd888/commissions/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// MaxProofRefs caps the proof references accepted per delivery.
const MaxProofRefs = 20

// IdempotencyKeyHeader carries a client-chosen key on create requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// MaxIdempotencyKeyLength caps client-chosen idempotency keys.
const MaxIdempotencyKeyLength = 255

// userIDRegex accepts opaque ids issued by the identity provider.
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks the shape of a user id
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// IdempotencyKey resolves a create request's idempotency key: the header,
// then the body field, else a fresh key so that store retries within this
// request replay rather than duplicate.
func IdempotencyKey(c *gin.Context, body string) string {
	if k := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader)); k != "" {
		return k
	}
	if k := strings.TrimSpace(body); k != "" {
		return k
	}
	return idgen.New()
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Unwrap classifies validation failures as invalid arguments.
func (e ValidationErrors) Unwrap() error {
	return apperr.ErrInvalidArgument
}

// Validate runs validators and returns the failures
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Respond writes a 400 with every failure listed.
func Respond(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks a user id field
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits or _.:@-"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks a positive decimal amount with at most two fractional digits
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := money.ParsePositive(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a positive amount with at most 2 decimals"}
		}
		return nil
	}
}

// ValidProofRefs checks proof-of-delivery references are absolute URLs
func ValidProofRefs(field string, refs []string) func() *ValidationError {
	return func() *ValidationError {
		if len(refs) > MaxProofRefs {
			return &ValidationError{Field: field, Message: "too many proof references"}
		}
		for _, r := range refs {
			u, err := url.Parse(strings.TrimSpace(r))
			if err != nil || u.Scheme == "" || u.Host == "" {
				return &ValidationError{Field: field, Message: "must be absolute URLs"}
			}
		}
		return nil
	}
}

// UserIDParamMiddleware rejects malformed :userId URL parameters early.
func UserIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "userId must be 1-128 characters of letters, digits or _.:@-",
			})
			return
		}
		c.Next()
	}
}
