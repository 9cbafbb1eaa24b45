package jobs

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a submitted Spec.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid job: " + strings.Join(e.Problems, "; ")
}

// Validate checks the type-specific payload. maxBulk bounds the number of
// keywords in a bulk job; zero disables the bound.
func (s Spec) Validate(maxBulk int) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.Priority != 0 && !s.Priority.Valid() {
		add("priority must be between %d and %d", PriorityLow, PriorityCritical)
	}
	if s.Config.BatchSize < 0 || s.Config.RetryLimit() < 0 || s.Config.TimeoutMs < 0 || s.Config.RetryBaseDelayMs < 0 {
		add("config values must not be negative")
	}

	switch s.Type {
	case TypeSingleItem:
		if s.Payload.Keyword == nil {
			add("single_item requires payload.keyword")
			break
		}
		if strings.TrimSpace(s.Payload.Keyword.Text) == "" {
			add("keyword must not be empty")
		}
		if strings.TrimSpace(s.Payload.Keyword.Locale) == "" {
			add("locale must not be empty")
		}
	case TypeBulkBatch:
		if len(s.Payload.Keywords) == 0 {
			add("bulk_batch requires a non-empty payload.keywords list")
			break
		}
		if maxBulk > 0 && len(s.Payload.Keywords) > maxBulk {
			add("bulk_batch accepts at most %d keywords, got %d", maxBulk, len(s.Payload.Keywords))
		}
		for i, kw := range s.Payload.Keywords {
			if strings.TrimSpace(kw.Text) == "" {
				add("keywords[%d]: keyword must not be empty", i)
			}
			if strings.TrimSpace(kw.Locale) == "" {
				add("keywords[%d]: locale must not be empty", i)
			}
		}
	case TypeRefreshSweep:
		if s.Payload.Filter == nil {
			add("refresh_sweep requires payload.filter")
			break
		}
		if s.Payload.Filter.OlderThanDays <= 0 {
			add("filter.olderThanDays must be positive")
		}
		if s.Payload.Filter.Limit < 0 {
			add("filter.limit must not be negative")
		}
	default:
		add("unknown job type %q", s.Type)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
