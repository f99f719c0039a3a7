package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/resilience"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

const counterDay = 24 * time.Hour

// Usage is the daily-message state of one user after a hit.
type Usage struct {
	// Count saturates at Limit once the cap is reached.
	Count     int64
	Limit     int64
	Remaining int64
	Reached   bool
}

// DailyCounter is the shared per-user daily message counter. Keys carry the
// calendar day, so counts reset at midnight UTC and the entry itself expires
// a day after the first hit. With a guard, every store call shares the
// breaker and retry policy of the cache it lives in.
type DailyCounter struct {
	limiter *limiter.Limiter
	limit   int64
	guard   *resilience.Guard
	now     func() time.Time
}

// NewDailyCounter builds a counter over store. guard may be nil for stores
// that cannot fail, such as the in-process one.
func NewDailyCounter(store limiter.Store, limit int64, guard *resilience.Guard) *DailyCounter {
	return &DailyCounter{
		limiter: limiter.New(store, limiter.Rate{Period: counterDay, Limit: limit}),
		limit:   limit,
		guard:   guard,
		now:     time.Now,
	}
}

// NewRedisDailyCounter shares the count across every process using client.
// guard is normally the cache guard, since the counter lives in the same Redis.
func NewRedisDailyCounter(client *redis.Client, guard *resilience.Guard, cfg model.LimitsConfig) (*DailyCounter, error) {
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: cfg.CounterPrefix})
	if err != nil {
		return nil, fmt.Errorf("create daily counter store: %w", err)
	}
	return NewDailyCounter(store, cfg.DailyMessages, guard), nil
}

// NewMemoryDailyCounter is process-local and meant for single-instance runs.
func NewMemoryDailyCounter(cfg model.LimitsConfig) *DailyCounter {
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          cfg.CounterPrefix,
		CleanUpInterval: time.Hour,
	})
	return NewDailyCounter(store, cfg.DailyMessages, nil)
}

func (c *DailyCounter) Enabled() bool {
	return c != nil && c.limit > 0
}

func (c *DailyCounter) key(userID int64) string {
	return fmt.Sprintf("%d:%s", userID, c.now().UTC().Format("2006-01-02"))
}

func (c *DailyCounter) do(ctx context.Context, op func(ctx context.Context) error) error {
	if c.guard == nil {
		return op(ctx)
	}
	return c.guard.Do(ctx, op)
}

// Hit atomically counts one message for the user and reports whether the
// user is now over the daily cap.
func (c *DailyCounter) Hit(ctx context.Context, userID int64) (Usage, error) {
	key := c.key(userID)
	var lctx limiter.Context
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		lctx, err = c.limiter.Get(ctx, key)
		return err
	})
	if err != nil {
		return Usage{}, fmt.Errorf("increment daily counter: %w", err)
	}
	return usageOf(lctx), nil
}

// Peek reads the current usage without counting a message.
func (c *DailyCounter) Peek(ctx context.Context, userID int64) (Usage, error) {
	key := c.key(userID)
	var lctx limiter.Context
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		lctx, err = c.limiter.Peek(ctx, key)
		return err
	})
	if err != nil {
		return Usage{}, fmt.Errorf("peek daily counter: %w", err)
	}
	return usageOf(lctx), nil
}

func (c *DailyCounter) Reset(ctx context.Context, userID int64) error {
	key := c.key(userID)
	err := c.do(ctx, func(ctx context.Context) error {
		_, err := c.limiter.Reset(ctx, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset daily counter: %w", err)
	}
	return nil
}

func usageOf(lctx limiter.Context) Usage {
	return Usage{
		Count:     lctx.Limit - lctx.Remaining,
		Limit:     lctx.Limit,
		Remaining: lctx.Remaining,
		Reached:   lctx.Reached,
	}
}
