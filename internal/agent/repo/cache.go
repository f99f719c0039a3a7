package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/chative-companion/server/internal/resilience"
	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultCacheTTL = 600 * time.Second

	cacheLookupsMetric = "chative_cache_lookups_total"
	scanBatchSize      = 100
)

func ProfileKey(userID int64) string {
	return fmt.Sprintf("profile:%d", userID)
}

func ContextKey(userID int64) string {
	return fmt.Sprintf("context:%d", userID)
}

func MemoriesKey(userID int64) string {
	return fmt.Sprintf("memories:%d", userID)
}

// UserKeys lists every cache key derived from a user's stored state.
func UserKeys(userID int64) []string {
	return []string{ProfileKey(userID), ContextKey(userID), MemoriesKey(userID)}
}

// CacheStats combines the server-side keyspace counters with the hits and
// misses seen by this process.
type CacheStats struct {
	KeyspaceHits   int64
	KeyspaceMisses int64
	HitRate        float64
	LocalHits      int64
	LocalMisses    int64
}

// CacheRepository is a best-effort JSON cache in front of the store. No method
// ever fails the caller: a broken cache degrades to a miss.
type CacheRepository struct {
	rdb   redis.Cmdable
	guard *resilience.Guard
	ttl   time.Duration

	hits    atomic.Int64
	misses  atomic.Int64
	lookups metric.Int64Counter
}

type CacheOption func(*CacheRepository)

func WithCacheMeter(meter metric.Meter) CacheOption {
	return func(r *CacheRepository) {
		if meter == nil {
			return
		}
		counter, err := meter.Int64Counter(
			cacheLookupsMetric,
			metric.WithDescription("Cache lookups by result"),
			metric.WithUnit("1"),
		)
		if err != nil {
			logx.Warn().Err(err).Str("metric", cacheLookupsMetric).Msg("failed to create cache counter")
			return
		}
		r.lookups = counter
	}
}

func NewCacheRepository(rdb redis.Cmdable, guard *resilience.Guard, ttl time.Duration, opts ...CacheOption) *CacheRepository {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	r := &CacheRepository{rdb: rdb, guard: guard, ttl: ttl}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CacheRepository) TTL() time.Duration { return r.ttl }

// Get decodes the value at key into dst and reports whether it was a hit.
func (r *CacheRepository) Get(ctx context.Context, key string, dst any) bool {
	var raw []byte
	found := false
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		b, err := r.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = b, true
		return nil
	})
	if err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		r.recordLookup(ctx, "error")
		return false
	}
	if !found {
		r.recordLookup(ctx, "miss")
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("failed to decode cached value")
		r.recordLookup(ctx, "corrupt")
		return false
	}
	r.recordLookup(ctx, "hit")
	return true
}

// GetMany reads every key with a single MGET and decodes each value into the
// dst at the same index. The result reports a hit per key.
func (r *CacheRepository) GetMany(ctx context.Context, keys []string, dsts ...any) []bool {
	hits := make([]bool, len(keys))
	if len(keys) == 0 {
		return hits
	}
	if len(dsts) != len(keys) {
		logx.Error().Strs("keys", keys).Int("dsts", len(dsts)).Msg("cache multi-get needs one destination per key")
		return hits
	}
	var vals []any
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		vals, err = r.rdb.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		logx.Warn().Err(errx.WrapRedis(err)).Strs("keys", keys).Msg("cache multi-get failed, treating as misses")
		for range keys {
			r.recordLookup(ctx, "error")
		}
		return hits
	}
	for i, key := range keys {
		raw, ok := vals[i].(string)
		if !ok {
			r.recordLookup(ctx, "miss")
			continue
		}
		if err := json.Unmarshal([]byte(raw), dsts[i]); err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("failed to decode cached value")
			r.recordLookup(ctx, "corrupt")
			continue
		}
		hits[i] = true
		r.recordLookup(ctx, "hit")
	}
	return hits
}

func (r *CacheRepository) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	b, err := json.Marshal(value)
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to marshal cache value")
		return
	}
	err = r.guard.Do(ctx, func(ctx context.Context) error {
		return r.rdb.Set(ctx, key, b, ttl).Err()
	})
	if err != nil {
		logx.Error().Err(errx.WrapRedis(err)).Str("key", key).Dur("ttl", ttl).Msg("failed to write cache")
	}
}

func (r *CacheRepository) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return r.rdb.Del(ctx, keys...).Err()
	})
	if err != nil {
		logx.Warn().Err(errx.WrapRedis(err)).Strs("keys", keys).Msg("failed to invalidate cache keys")
	}
}

// InvalidatePattern deletes every key matching a glob pattern and returns how
// many were removed.
func (r *CacheRepository) InvalidatePattern(ctx context.Context, pattern string) int64 {
	var deleted int64
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		deleted = 0
		var cursor uint64
		for {
			keys, next, err := r.rdb.Scan(ctx, cursor, pattern, scanBatchSize).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := r.rdb.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				deleted += n
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		logx.Warn().Err(errx.WrapRedis(err)).Str("pattern", pattern).Msg("failed to invalidate cache pattern")
		return deleted
	}
	logx.Debug().Str("pattern", pattern).Int64("deleted", deleted).Msg("invalidated cache pattern")
	return deleted
}

func (r *CacheRepository) Stats(ctx context.Context) CacheStats {
	stats := CacheStats{LocalHits: r.hits.Load(), LocalMisses: r.misses.Load()}
	var info string
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		info, err = r.rdb.Info(ctx, "stats").Result()
		return err
	})
	if err != nil {
		logx.Warn().Err(errx.WrapRedis(err)).Msg("failed to read cache stats")
		return stats
	}
	stats.KeyspaceHits = infoField(info, "keyspace_hits")
	stats.KeyspaceMisses = infoField(info, "keyspace_misses")
	if total := stats.KeyspaceHits + stats.KeyspaceMisses; total > 0 {
		stats.HitRate = float64(stats.KeyspaceHits) / float64(total)
	}
	return stats
}

func (r *CacheRepository) recordLookup(ctx context.Context, result string) {
	if result == "hit" {
		r.hits.Add(1)
	} else {
		r.misses.Add(1)
	}
	if r.lookups != nil {
		r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func infoField(info, name string) int64 {
	for _, line := range strings.Split(info, "\n") {
		k, v, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || k != name {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
