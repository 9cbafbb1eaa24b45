// Package enrichment defines the contract of the third-party SEO metrics
// provider and the adapters layered in front of it.
package enrichment

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source records where a metrics record came from.
type Source string

const (
	SourceLive     Source = "live"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Keyword is a keyword in a given locale (e.g. "en-US").
type Keyword struct {
	Text   string `json:"keyword"`
	Locale string `json:"locale"`
}

// Normalize trims the keyword and lower-cases both fields so that cache
// keys and stored metrics line up.
func (k Keyword) Normalize() Keyword {
	return Keyword{
		Text:   strings.ToLower(strings.TrimSpace(k.Text)),
		Locale: strings.ToLower(strings.TrimSpace(k.Locale)),
	}
}

// KeywordMetrics is the SEO data returned for a single keyword.
type KeywordMetrics struct {
	Keyword     string          `json:"keyword"`
	Locale      string          `json:"locale"`
	Volume      int64           `json:"volume"`
	CPC         decimal.Decimal `json:"cpc"`
	Competition float64         `json:"competition"`
	Difficulty  int             `json:"difficulty"`
	FetchedAt   time.Time       `json:"fetchedAt"`
	Source      Source          `json:"source,omitempty"`
}

// Quota is the provider's consumption budget.
type Quota struct {
	Used    int64     `json:"used"`
	Limit   int64     `json:"limit"`
	ResetAt time.Time `json:"resetAt"`
}

// Ratio returns Used/Limit, or 0 when the limit is unknown.
func (q Quota) Ratio() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return float64(q.Used) / float64(q.Limit)
}

// StaleFilter selects stored keywords whose metrics are due for refresh.
type StaleFilter struct {
	Locale        string `json:"locale,omitempty"`
	OlderThanDays int    `json:"olderThanDays"`
	Limit         int    `json:"limit,omitempty"`
}

// Backend is the quota-limited metrics provider.
type Backend interface {
	FetchData(ctx context.Context, keywords []string, locale string) ([]KeywordMetrics, error)
	QuotaStatus(ctx context.Context) (Quota, error)
}

// StaleSource lists keywords whose stored metrics are older than a cutoff.
type StaleSource interface {
	StaleKeywords(ctx context.Context, filter StaleFilter, now time.Time) ([]Keyword, error)
}

// MetricsSink persists freshly fetched metrics.
type MetricsSink interface {
	SaveMetrics(ctx context.Context, records []KeywordMetrics) error
}
