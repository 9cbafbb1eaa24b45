package enrichment

import (
	"fmt"
	"net/http"

	"kwenrich/internal/recovery"
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Category   recovery.Category
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("enrichment api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("enrichment api %d: %s", e.StatusCode, e.Message)
}

// ErrorCategory implements recovery.Categorized.
func (e *APIError) ErrorCategory() recovery.Category { return e.Category }

// NewQuotaError reports an exhausted provider quota.
func NewQuotaError(msg string) *APIError {
	return &APIError{StatusCode: http.StatusPaymentRequired, Code: "QUOTA_EXCEEDED", Message: msg, Category: recovery.CategoryQuotaExceeded}
}

// NewAuthError reports rejected credentials.
func NewAuthError(msg string) *APIError {
	return &APIError{StatusCode: http.StatusUnauthorized, Code: "UNAUTHENTICATED", Message: msg, Category: recovery.CategoryAuth}
}

// NewRateLimitError reports a short-term throttle.
func NewRateLimitError(msg string) *APIError {
	return &APIError{StatusCode: http.StatusTooManyRequests, Code: "RATE_LIMIT_EXCEEDED", Message: msg, Category: recovery.CategoryRateLimit}
}

// categoryForStatus maps provider HTTP status codes to error categories.
// Providers signal quota exhaustion with 402, some with a 403 + code.
func categoryForStatus(status int, code string) recovery.Category {
	if code == "QUOTA_EXCEEDED" {
		return recovery.CategoryQuotaExceeded
	}
	switch {
	case status == http.StatusPaymentRequired:
		return recovery.CategoryQuotaExceeded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return recovery.CategoryAuth
	case status == http.StatusTooManyRequests:
		return recovery.CategoryRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return recovery.CategoryTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusNotFound:
		return recovery.CategoryInvalidRequest
	case status >= 500:
		return recovery.CategoryNetwork
	default:
		return recovery.CategoryUnknown
	}
}
