// Package validation provides input validation helpers and middleware for the paycore API.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// currencyRegex matches ISO-4217 alphabetic codes
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
	// identifierRegex matches order, payer and run identifiers
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks for a three-letter ISO currency code
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidIdentifier checks an external identifier
func IsValidIdentifier(id string) bool {
	return identifierRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidIdentifier checks an optional identifier field
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidIdentifier(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, _ - : ."}
		}
		return nil
	}
}

// ValidCurrency checks for a three-letter ISO currency code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter ISO currency code"}
		}
		return nil
	}
}

// PositiveAmount checks that an amount is greater than zero
func PositiveAmount(field string, value decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !value.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AmountAtMost checks an amount against an upper limit. A zero limit disables the check.
func AmountAtMost(field string, value, limit decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if limit.IsPositive() && value.GreaterThan(limit) {
			return &ValidationError{Field: field, Message: "amount exceeds the limit of " + limit.String()}
		}
		return nil
	}
}

// OneOf checks that value is one of the allowed values
func OneOf(field, value string, allowed []string) func() *ValidationError {
	return func() *ValidationError {
		if !slices.Contains(allowed, value) {
			return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
		}
		return nil
	}
}
