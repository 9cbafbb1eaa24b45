package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitedBackend enforces a per-minute fixed-window limit on live
// provider calls, shared by every process using the same redis.
type RateLimitedBackend struct {
	next   Backend
	rdb    *redis.Client
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// NewRateLimitedBackend wraps next with a redis fixed-window limiter.
func NewRateLimitedBackend(next Backend, rdb *redis.Client, perMinute int, logger *slog.Logger) *RateLimitedBackend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RateLimitedBackend{next: next, rdb: rdb, limit: perMinute, logger: logger, now: time.Now}
}

func windowKey(now time.Time) string {
	return "kwenrich:rl:backend:" + now.UTC().Format("200601021504") // YYYYMMDDHHMM minute window
}

// take consumes one call from the current window. Redis failures let the
// call through; the provider's own throttling still applies.
func (b *RateLimitedBackend) take(ctx context.Context) error {
	if b.limit <= 0 {
		return nil
	}

	key := windowKey(b.now())
	count, err := b.rdb.Incr(ctx, key).Result()
	if err != nil {
		b.logger.Warn("enrichment_rate_limit_unavailable", "error", err)
		return nil
	}
	if count == 1 {
		// First hit in this window; set TTL
		_ = b.rdb.Expire(ctx, key, time.Minute)
	}
	if count > int64(b.limit) {
		return NewRateLimitError(fmt.Sprintf("local limit of %d calls per minute reached", b.limit))
	}
	return nil
}

func (b *RateLimitedBackend) FetchData(ctx context.Context, keywords []string, locale string) ([]KeywordMetrics, error) {
	if err := b.take(ctx); err != nil {
		return nil, err
	}
	return b.next.FetchData(ctx, keywords, locale)
}

func (b *RateLimitedBackend) QuotaStatus(ctx context.Context) (Quota, error) {
	return b.next.QuotaStatus(ctx)
}
