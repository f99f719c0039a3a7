package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.Context(), Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func saveMessages(t *testing.T, s *Store, userID int64, texts ...string) []model.ChatMessage {
	t.Helper()
	out := make([]model.ChatMessage, 0, len(texts))
	for i, text := range texts {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleModel
		}
		msg := &model.ChatMessage{UserID: userID, Role: role, Content: text}
		require.NoError(t, s.SaveMessage(context.Background(), msg))
		out = append(out, *msg)
	}
	return out
}

func TestBuildDSN(t *testing.T) {
	t.Run("Should build DSN for file path with pragmas", func(t *testing.T) {
		d := buildDSN(Config{Path: "/tmp/test.db"})
		assert.Contains(t, d, "file:/tmp/test.db?")
		assert.Contains(t, d, "_pragma=journal_mode%28WAL%29")
		assert.Contains(t, d, "_pragma=busy_timeout%285000%29")
		assert.Contains(t, d, "_time_format=sqlite")
	})
	t.Run("Should build DSN for in-memory shared cache", func(t *testing.T) {
		d := buildDSN(Config{Path: ":memory:"})
		assert.Contains(t, d, "file::memory:?cache=shared")
	})
}

func TestStore_Profiles(t *testing.T) {
	ctx := context.Background()

	t.Run("Should report unknown users as not found", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.GetProfile(ctx, 404)
		assert.ErrorIs(t, err, errx.ErrNotFound)
	})

	t.Run("Should round trip a profile", func(t *testing.T) {
		s := newTestStore(t)
		name, tz := "Ann", "Asia/Tokyo"
		expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		in := &model.Profile{
			UserID: 1, Name: &name, Timezone: &tz,
			RelationshipLevel: 3, RelationshipScore: 200,
			SubscriptionPlan: model.PlanPremium, SubscriptionExpires: &expires,
		}
		require.NoError(t, s.UpdateProfile(ctx, in))

		got, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Ann", got.DisplayName())
		assert.Equal(t, "Asia/Tokyo", got.TimezoneName())
		assert.Equal(t, 3, got.RelationshipLevel)
		assert.True(t, got.IsPremium(time.Now()))
		require.NotNil(t, got.SubscriptionExpires)
		assert.True(t, expires.Equal(*got.SubscriptionExpires))
	})
}

func TestStore_Messages(t *testing.T) {
	ctx := context.Background()

	t.Run("Should create the profile and count user messages per day", func(t *testing.T) {
		s := newTestStore(t)
		day := time.Date(2025, 3, 1, 22, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return day }
		saveMessages(t, s, 5, "one", "reply", "two")

		p, err := s.GetProfile(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 2, p.DailyMessageCount)
		assert.Equal(t, 1, p.RelationshipLevel)
		assert.Equal(t, model.PlanFree, p.SubscriptionPlan)

		day = day.Add(4 * time.Hour)
		saveMessages(t, s, 5, "next day")
		p, err = s.GetProfile(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, p.DailyMessageCount)
		require.NotNil(t, p.LastMessageDate)
		assert.Equal(t, "2025-03-02", p.LastMessageDate.Format(dateLayout))
	})

	t.Run("Should load the newest messages in ascending order", func(t *testing.T) {
		s := newTestStore(t)
		saved := saveMessages(t, s, 1, "a", "b", "c", "d", "e")
		saveMessages(t, s, 2, "other user")

		sc, err := s.LoadContext(ctx, 1, 3)
		require.NoError(t, err)
		require.NotNil(t, sc.Profile)
		assert.Nil(t, sc.Summary)
		require.Len(t, sc.Messages, 3)
		assert.Equal(t, saved[2].ID, sc.Messages[0].ID)
		assert.Equal(t, "e", sc.Messages[2].Content)
		assert.Equal(t, model.RoleUser, sc.Messages[2].Role)
	})

	t.Run("Should return an empty context for a new user", func(t *testing.T) {
		s := newTestStore(t)
		sc, err := s.LoadContext(ctx, 99, 20)
		require.NoError(t, err)
		assert.Nil(t, sc.Profile)
		assert.Nil(t, sc.Summary)
		assert.Empty(t, sc.Messages)
	})
}

func TestStore_ApplySummary(t *testing.T) {
	ctx := context.Background()

	t.Run("Should store the summary, prune, score folded user messages and level up together", func(t *testing.T) {
		s := newTestStore(t)
		saved := saveMessages(t, s, 1, "a", "b", "c", "d")
		unlocked := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

		err := s.ApplySummary(ctx, model.SummaryUpdate{
			UserID: 1, Summary: "talked about tea", LastMessageID: saved[2].ID,
			ScoreDelta: 60, NewLevel: 2, LevelUnlockedAt: unlocked,
		})
		require.NoError(t, err)

		sum, err := s.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, sum)
		assert.Equal(t, "talked about tea", sum.Summary)
		assert.Equal(t, saved[2].ID, sum.LastMessageID)

		rest, err := s.GetRecentMessages(ctx, 1, 0)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "d", rest[0].Content)

		p, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, p.RelationshipScore, "two user messages were folded")
		assert.Equal(t, 2, p.RelationshipLevel)
		assert.True(t, unlocked.Equal(p.LevelUnlockedAt))
	})

	t.Run("Should leave nothing behind when a step fails", func(t *testing.T) {
		s := newTestStore(t)
		saved := saveMessages(t, s, 1, "a", "b")
		_, err := s.DB().ExecContext(ctx, `CREATE TRIGGER block_prune BEFORE DELETE ON chat_history BEGIN SELECT RAISE(ABORT, 'blocked'); END`)
		require.NoError(t, err)

		err = s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "s", LastMessageID: saved[1].ID, ScoreDelta: 5})
		require.Error(t, err)

		sum, err := s.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, sum)
		p, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0, p.RelationshipScore)
	})

	t.Run("Should refuse a summary that does not move forward", func(t *testing.T) {
		s := newTestStore(t)
		saved := saveMessages(t, s, 1, "a", "b", "c", "d")
		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "up to c", LastMessageID: saved[2].ID}))

		for _, last := range []int64{saved[2].ID, saved[0].ID} {
			err := s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "stale", LastMessageID: last, NewLevel: 3})
			assert.ErrorIs(t, err, errx.ErrStaleUpdate)
		}
		sum, err := s.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "up to c", sum.Summary)
		p, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, p.RelationshipScore)
		assert.Equal(t, 1, p.RelationshipLevel)
	})

	t.Run("Should never lower the level", func(t *testing.T) {
		s := newTestStore(t)
		saveMessages(t, s, 1, "a")
		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, NewLevel: 3}))
		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, NewLevel: 2}))
		p, err := s.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, p.RelationshipLevel)
	})

	t.Run("Should replace the previous summary", func(t *testing.T) {
		s := newTestStore(t)
		saved := saveMessages(t, s, 1, "a", "b", "c")
		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "first", LastMessageID: saved[0].ID}))
		require.NoError(t, s.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "second", LastMessageID: saved[2].ID}))

		sum, err := s.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "second", sum.Summary)
		rest, err := s.GetRecentMessages(ctx, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, rest)
	})
}

func TestStore_Memories(t *testing.T) {
	ctx := context.Background()

	t.Run("Should ignore a fact that is already remembered", func(t *testing.T) {
		s := newTestStore(t)
		saved, err := s.SaveMemory(ctx, &model.Memory{UserID: 1, Fact: "Has a cat named Miso"})
		require.NoError(t, err)
		assert.True(t, saved)

		saved, err = s.SaveMemory(ctx, &model.Memory{UserID: 1, Fact: " has a cat named miso "})
		require.NoError(t, err)
		assert.False(t, saved)

		saved, err = s.SaveMemory(ctx, &model.Memory{UserID: 2, Fact: "Has a cat named Miso"})
		require.NoError(t, err)
		assert.True(t, saved, "other users keep their own facts")
	})

	t.Run("Should search case-insensitively, newest first", func(t *testing.T) {
		s := newTestStore(t)
		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		hobby := "hobby"
		for i, fact := range []string{"Plays JAZZ piano", "likes tea", "went to a jazz club", "100% vegan"} {
			_, err := s.SaveMemory(ctx, &model.Memory{UserID: 1, Fact: fact, Category: &hobby, Timestamp: base.Add(time.Duration(i) * time.Hour)})
			require.NoError(t, err)
		}

		got, err := s.SearchMemories(ctx, 1, "Jazz", 5)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "went to a jazz club", got[0].Fact)
		assert.Equal(t, "hobby", *got[0].Category)

		got, err = s.SearchMemories(ctx, 1, "%", 5)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "100% vegan", got[0].Fact)

		got, err = s.SearchMemories(ctx, 1, "", 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}
