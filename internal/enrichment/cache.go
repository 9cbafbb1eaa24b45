package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
)

// CacheKey returns the redis key holding metrics for keyword in locale.
// Inputs are normalized first so "Shoes" and " shoes" share an entry.
func CacheKey(keyword, locale string) string {
	k := Keyword{Text: keyword, Locale: locale}.Normalize()
	return fmt.Sprintf("kwenrich:kw:%016x", xxhash.Sum64String(k.Locale+"\x00"+k.Text))
}

// CachedBackend serves metrics from redis when present and only sends
// cache misses to the wrapped backend. Cache errors degrade to a live
// fetch.
type CachedBackend struct {
	next   Backend
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedBackend wraps next with a redis read-through cache.
func NewCachedBackend(next Backend, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedBackend {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CachedBackend{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// FetchData returns cached records tagged SourceCache plus live records for
// the misses.
func (c *CachedBackend) FetchData(ctx context.Context, keywords []string, locale string) ([]KeywordMetrics, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	keys := make([]string, len(keywords))
	for i, kw := range keywords {
		keys[i] = CacheKey(kw, locale)
	}

	out := make([]KeywordMetrics, 0, len(keywords))
	misses := keywords

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Warn("enrichment_cache_read_failed", "error", err)
	} else {
		misses = make([]string, 0, len(keywords))
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, keywords[i])
				continue
			}
			var m KeywordMetrics
			if err := json.Unmarshal([]byte(s), &m); err != nil {
				misses = append(misses, keywords[i])
				continue
			}
			m.Source = SourceCache
			out = append(out, m)
		}
	}

	if len(misses) == 0 {
		return out, nil
	}

	live, err := c.next.FetchData(ctx, misses, locale)
	if err != nil {
		return nil, err
	}

	pipe := c.rdb.Pipeline()
	for _, m := range live {
		payload, err := json.Marshal(m)
		if err != nil {
			continue
		}
		pipe.Set(ctx, CacheKey(m.Keyword, locale), payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("enrichment_cache_write_failed", "error", err)
	}

	return append(out, live...), nil
}

// QuotaStatus is never cached.
func (c *CachedBackend) QuotaStatus(ctx context.Context) (Quota, error) {
	return c.next.QuotaStatus(ctx)
}
