// Package repotest wires a Repository over a throwaway SQLite file and an
// in-process Redis for tests in other packages.
package repotest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo"
	"github.com/chative-companion/server/internal/agent/repo/sqlite"
	"github.com/chative-companion/server/internal/resilience"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Policy is a retry policy with millisecond backoff.
func Policy(name string) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		Name:           name,
		Attempts:       2,
		BaseDelay:      time.Millisecond,
		Multiplier:     2,
		MaxDelay:       2 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
	}
}

// Guard trips after two failures and stays open for a minute.
func Guard(name string) *resilience.Guard {
	breaker := resilience.NewCircuitBreaker(name, resilience.BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	return resilience.NewGuard(breaker, Policy(name))
}

type Env struct {
	Repo   *repo.Repository
	Store  *sqlite.Store
	Redis  *miniredis.Miniredis
	Client *redis.Client
}

// New builds an Env. wrap, when given, decorates the store seen by the
// Repository, which is handy for counting or failing calls.
func New(t testing.TB, wrap ...func(model.Store) model.Store) *Env {
	t.Helper()
	db, err := sqlite.Open(t.Context(), sqlite.Config{Path: filepath.Join(t.TempDir(), "chative.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	sq := sqlite.NewStore(db)
	var store model.Store = sq
	for _, w := range wrap {
		store = w(store)
	}
	cache := repo.NewCacheRepository(rdb, Guard("cache"), time.Minute)
	return &Env{
		Repo:   repo.NewRepository(store, cache, Guard("database")),
		Store:  sq,
		Redis:  mr,
		Client: rdb,
	}
}
