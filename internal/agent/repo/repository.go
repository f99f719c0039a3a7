package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/resilience"
)

// Repository fronts the system of record with the cache. Every mutation
// deletes the affected cache keys before it touches the store, so a failed or
// partial write can never leave a stale cached copy behind. Store calls go
// through the database guard, so an unhealthy store fails fast once its
// breaker opens.
type Repository struct {
	store model.Store
	cache *CacheRepository
	guard *resilience.Guard
}

func NewRepository(store model.Store, cache *CacheRepository, guard *resilience.Guard) *Repository {
	return &Repository{store: store, cache: cache, guard: guard}
}

func (r *Repository) Cache() *CacheRepository { return r.cache }

func (r *Repository) LoadContext(ctx context.Context, userID int64, limit int) (*model.StoredContext, error) {
	var sc *model.StoredContext
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		sc, err = r.store.LoadContext(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load context for user %d: %w", userID, err)
	}
	return sc, nil
}

func (r *Repository) GetProfile(ctx context.Context, userID int64) (*model.Profile, error) {
	var p model.Profile
	if r.cache.Get(ctx, ProfileKey(userID), &p) {
		return &p, nil
	}
	var out *model.Profile
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.GetProfile(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get profile for user %d: %w", userID, err)
	}
	r.cache.Set(ctx, ProfileKey(userID), out, 0)
	return out, nil
}

func (r *Repository) GetLatestSummary(ctx context.Context, userID int64) (*model.Summary, error) {
	var out *model.Summary
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.GetLatestSummary(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get summary for user %d: %w", userID, err)
	}
	return out, nil
}

// GetUnsummarizedMessages returns every message newer than the latest summary.
func (r *Repository) GetUnsummarizedMessages(ctx context.Context, userID int64) ([]model.ChatMessage, error) {
	var out []model.ChatMessage
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.store.GetRecentMessages(ctx, userID, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get unsummarized messages for user %d: %w", userID, err)
	}
	return out, nil
}

func (r *Repository) SaveMessage(ctx context.Context, msg *model.ChatMessage) error {
	keys := []string{ContextKey(msg.UserID)}
	if msg.Role == model.RoleUser {
		keys = append(keys, ProfileKey(msg.UserID))
	}
	r.cache.Delete(ctx, keys...)
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return r.store.SaveMessage(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("save %s message for user %d: %w", msg.Role, msg.UserID, err)
	}
	return nil
}

func (r *Repository) UpdateProfile(ctx context.Context, p *model.Profile) error {
	r.cache.Delete(ctx, ProfileKey(p.UserID), ContextKey(p.UserID))
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return r.store.UpdateProfile(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("update profile for user %d: %w", p.UserID, err)
	}
	return nil
}

func (r *Repository) ApplySummary(ctx context.Context, upd model.SummaryUpdate) error {
	r.cache.Delete(ctx, ProfileKey(upd.UserID), ContextKey(upd.UserID))
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return r.store.ApplySummary(ctx, upd)
	})
	if err != nil {
		return fmt.Errorf("apply summary for user %d: %w", upd.UserID, err)
	}
	return nil
}

func (r *Repository) SaveMemory(ctx context.Context, m *model.Memory) (bool, error) {
	r.cache.Delete(ctx, MemoriesKey(m.UserID))
	var saved bool
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		saved, err = r.store.SaveMemory(ctx, m)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("save memory for user %d: %w", m.UserID, err)
	}
	return saved, nil
}

// SearchMemories filters the user's cached memory list case-insensitively and
// returns at most limit matches, newest first. An empty query matches all.
func (r *Repository) SearchMemories(ctx context.Context, userID int64, query string, limit int) ([]model.Memory, error) {
	var all []model.Memory
	if !r.cache.Get(ctx, MemoriesKey(userID), &all) {
		err := r.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			all, err = r.store.SearchMemories(ctx, userID, "", 0)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("search memories for user %d: %w", userID, err)
		}
		r.cache.Set(ctx, MemoriesKey(userID), all, 0)
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]model.Memory, 0, min(len(all), max(limit, 0)))
	for _, m := range all {
		if needle != "" && !strings.Contains(strings.ToLower(m.Fact), needle) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
