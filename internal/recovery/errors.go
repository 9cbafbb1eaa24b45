// Package recovery classifies execution errors and applies a recovery
// strategy to them: retry with backoff, a per-operation circuit breaker,
// graceful degradation, fallback values or failing fast.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category is the normalized class of an error.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAuth           Category = "auth"
	CategoryQuotaExceeded  Category = "quota_exceeded"
	CategoryParsing        Category = "parsing"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryValidation     Category = "validation"
	CategoryWorker         Category = "worker"
	CategoryCancellation   Category = "cancellation"
	CategoryUnknown        Category = "unknown"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Categorized is implemented by errors that know their own category, such
// as API errors returned by the enrichment backend.
type Categorized interface {
	error
	ErrorCategory() Category
}

// ErrorContext describes where an error happened.
type ErrorContext struct {
	Operation string
	Endpoint  string
	JobID     string
	Keywords  []string
	Timestamp time.Time
}

// Key identifies the circuit breaker guarding this operation.
func (c ErrorContext) Key() string {
	if c.Endpoint == "" {
		return c.Operation
	}
	return c.Operation + ":" + c.Endpoint
}

// ErrorRecord is a classified error.
type ErrorRecord struct {
	Category  Category
	Message   string
	Retryable bool
	Context   ErrorContext
	Cause     error
}

func (r *ErrorRecord) Error() string {
	if r.Context.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", r.Context.Operation, r.Category, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Category, r.Message)
}

func (r *ErrorRecord) Unwrap() error { return r.Cause }

// NewRecord builds a record with an explicit category, bypassing
// classification.
func NewRecord(cat Category, err error, ec ErrorContext) ErrorRecord {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now().UTC()
	}
	msg := string(cat)
	if err != nil {
		msg = err.Error()
	}
	return ErrorRecord{
		Category:  cat,
		Message:   msg,
		Retryable: IsRetryable(cat),
		Context:   ec,
		Cause:     err,
	}
}

// Classify maps an arbitrary error onto a Category.
func Classify(err error, ec ErrorContext) ErrorRecord {
	var existing *ErrorRecord
	if errors.As(err, &existing) {
		rec := *existing
		if rec.Context.Operation == "" {
			rec.Context = ec
		}
		return rec
	}
	return NewRecord(categorize(err), err, ec)
}

func categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var c Categorized
	if errors.As(err, &c) {
		return c.ErrorCategory()
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return CategoryNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCancellation
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryParsing
	}

	msg := strings.ToLower(err.Error())
	status := statusCode(msg)
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || status == 429:
		return CategoryRateLimit
	case strings.Contains(msg, "quota"):
		return CategoryQuotaExceeded
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "invalid api key") || status == 401 || status == 403:
		return CategoryAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return CategoryTimeout
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") || strings.Contains(msg, "econnreset"):
		return CategoryNetwork
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unexpected end of json") || strings.Contains(msg, "invalid character"):
		return CategoryParsing
	case strings.Contains(msg, "bad request") || strings.Contains(msg, "invalid request") || status == 400:
		return CategoryInvalidRequest
	}
	return CategoryUnknown
}

// statusPattern only accepts a code introduced as an HTTP status, so ids,
// sizes or ports that happen to contain the digits do not match.
var statusPattern = regexp.MustCompile(`\b(?:status|http|code)\W{0,3}([1-5]\d\d)\b`)

// statusCode extracts an HTTP status from a lower-cased error message, or
// returns 0.
func statusCode(msg string) int {
	m := statusPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// IsRetryable reports whether errors of this category may succeed when
// tried again.
func IsRetryable(cat Category) bool {
	switch cat {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryWorker, CategoryUnknown:
		return true
	default:
		return false
	}
}

// IsFailFast reports whether a job failing with this category must never
// be rescheduled, whatever its remaining retry budget.
func IsFailFast(cat Category) bool {
	switch cat {
	case CategoryAuth, CategoryInvalidRequest, CategoryValidation:
		return true
	default:
		return false
	}
}
