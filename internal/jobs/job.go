// Package jobs holds the enrichment job data model shared by the queue,
// the store backends and the worker pool.
package jobs

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kwenrich/internal/enrichment"
	"kwenrich/internal/recovery"
)

// Type selects the payload variant and the executor used for a job.
type Type string

const (
	TypeSingleItem   Type = "single_item"
	TypeBulkBatch    Type = "bulk_batch"
	TypeRefreshSweep Type = "refresh_sweep"
)

// AllTypes lists every job type.
var AllTypes = []Type{TypeSingleItem, TypeBulkBatch, TypeRefreshSweep}

func (t Type) Valid() bool {
	switch t {
	case TypeSingleItem, TypeBulkBatch, TypeRefreshSweep:
		return true
	}
	return false
}

// Priority orders jobs at dequeue time; higher values go first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts the lower-case names returned by String.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Config carries per-job execution settings. Zero values are filled from
// queue defaults at enqueue time, except MaxRetries where only nil means
// unset so that a job can ask for no retries at all.
type Config struct {
	BatchSize        int   `json:"batchSize"`
	MaxRetries       *int  `json:"maxRetries,omitempty"`
	RetryBaseDelayMs int64 `json:"retryBaseDelayMs"`
	TimeoutMs        int64 `json:"timeoutMs"`
	PreserveOrder    bool  `json:"preserveOrder"`
}

// Retries returns an optional MaxRetries value.
func Retries(n int) *int {
	return &n
}

// RetryLimit is the retry budget; an unset MaxRetries allows none.
func (c Config) RetryLimit() int {
	if c.MaxRetries == nil {
		return 0
	}
	return *c.MaxRetries
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Progress tracks item counters for a running job.
type Progress struct {
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Successful  int        `json:"successful"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	CurrentItem string     `json:"currentItem,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	AvgItemMs   float64    `json:"avgItemMs"`
	ETA         *time.Time `json:"eta,omitempty"`
}

// Payload is a tagged union keyed by the job Type: Keyword for
// single_item, Keywords for bulk_batch and Filter for refresh_sweep.
type Payload struct {
	Keyword  *enrichment.Keyword     `json:"keyword,omitempty"`
	Keywords []enrichment.Keyword    `json:"keywords,omitempty"`
	Filter   *enrichment.StaleFilter `json:"filter,omitempty"`
}

// Spec is what a caller submits.
type Spec struct {
	Type     Type     `json:"type"`
	Priority Priority `json:"priority"`
	Payload  Payload  `json:"payload"`
	Config   Config   `json:"config"`
}

// ItemResult is the outcome of enriching one keyword.
type ItemResult struct {
	Keyword    string                     `json:"keyword"`
	Locale     string                     `json:"locale"`
	Success    bool                       `json:"success"`
	Skipped    bool                       `json:"skipped,omitempty"`
	Source     enrichment.Source          `json:"source,omitempty"`
	Error      string                     `json:"error,omitempty"`
	Category   recovery.Category          `json:"category,omitempty"`
	QuotaUnits int                        `json:"quotaUnits"`
	Metrics    *enrichment.KeywordMetrics `json:"metrics,omitempty"`
}

// Result is stored on a job when it completes.
type Result struct {
	Items      []ItemResult `json:"items"`
	Total      int          `json:"total"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	QuotaUsed  int          `json:"quotaUsed"`
	DurationMs int64        `json:"durationMs"`
}

// ErrorInfo is the last error recorded on a job.
type ErrorInfo struct {
	Category  recovery.Category `json:"category"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	At        time.Time         `json:"at"`
}

// ErrorInfoFrom converts a classified error for storage on a job row.
func ErrorInfoFrom(rec recovery.ErrorRecord, at time.Time) *ErrorInfo {
	return &ErrorInfo{
		Category:  rec.Category,
		Message:   rec.Message,
		Retryable: rec.Retryable,
		At:        at.UTC(),
	}
}

// Job is one unit of enrichment work with its own lifecycle and lock.
type Job struct {
	ID       uuid.UUID `json:"id"`
	OwnerID  string    `json:"ownerId"`
	Type     Type      `json:"type"`
	Status   Status    `json:"status"`
	Priority Priority  `json:"priority"`
	Payload  Payload   `json:"payload"`
	Config   Config    `json:"config"`
	Progress Progress  `json:"progress"`

	RetryCount   int        `json:"retryCount"`
	LastRetryAt  *time.Time `json:"lastRetryAt,omitempty"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`

	WorkerID string     `json:"workerId,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	Result    *Result    `json:"result,omitempty"`
	LastError *ErrorInfo `json:"lastError,omitempty"`
}

// NewID returns a time-ordered UUIDv7, falling back to v4.
func NewID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

// Items returns the keywords a single or bulk job works on. Sweep jobs
// resolve their keywords at execution time and return nil.
func (j *Job) Items() []enrichment.Keyword {
	switch j.Type {
	case TypeSingleItem:
		if j.Payload.Keyword != nil {
			return []enrichment.Keyword{*j.Payload.Keyword}
		}
	case TypeBulkBatch:
		return j.Payload.Keywords
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = j.Payload.clone()
	if j.Config.MaxRetries != nil {
		c.Config.MaxRetries = Retries(*j.Config.MaxRetries)
	}
	c.Progress.StartedAt = cloneTime(j.Progress.StartedAt)
	c.Progress.ETA = cloneTime(j.Progress.ETA)
	c.LastRetryAt = cloneTime(j.LastRetryAt)
	c.NextRetryAt = cloneTime(j.NextRetryAt)
	c.ScheduledFor = cloneTime(j.ScheduledFor)
	c.LockedAt = cloneTime(j.LockedAt)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.CancelledAt = cloneTime(j.CancelledAt)
	if j.Result != nil {
		r := *j.Result
		r.Items = append([]ItemResult(nil), j.Result.Items...)
		c.Result = &r
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}

func (p Payload) clone() Payload {
	out := Payload{}
	if p.Keyword != nil {
		k := *p.Keyword
		out.Keyword = &k
	}
	if p.Keywords != nil {
		out.Keywords = append([]enrichment.Keyword(nil), p.Keywords...)
	}
	if p.Filter != nil {
		f := *p.Filter
		out.Filter = &f
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
