package conversations

import (
	"context"
	"encoding/base64"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo"
	"github.com/chative-companion/server/internal/agent/repo/repotest"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	model.Store
	loads atomic.Int32
}

func (s *countingStore) LoadContext(ctx context.Context, userID int64, limit int) (*model.StoredContext, error) {
	s.loads.Add(1)
	return s.Store.LoadContext(ctx, userID, limit)
}

func newTestAssembler(t *testing.T, limit int) (*Assembler, *repotest.Env, *countingStore) {
	t.Helper()
	counter := &countingStore{}
	env := repotest.New(t, func(s model.Store) model.Store {
		counter.Store = s
		return counter
	})
	a := NewAssembler(env.Repo, model.ConversationConfig{HistoryLimit: limit})
	return a, env, counter
}

func TestAssembler_Assemble(t *testing.T) {
	ctx := context.Background()

	t.Run("Should load once on a cold cache and then serve from cache", func(t *testing.T) {
		a, env, counter := newTestAssembler(t, 20)
		require.NoError(t, env.Store.UpdateProfile(ctx, &model.Profile{UserID: 7, RelationshipLevel: 3, SubscriptionPlan: model.PlanFree}))
		for _, text := range []string{"hi", "hello", "how are you"} {
			require.NoError(t, env.Store.SaveMessage(ctx, &model.ChatMessage{UserID: 7, Role: model.RoleUser, Content: text}))
		}

		cc, err := a.Assemble(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, 3, cc.Profile.RelationshipLevel)
		assert.Len(t, cc.RecentMessages, 3)
		assert.Equal(t, int32(1), counter.loads.Load())
		assert.True(t, env.Redis.Exists(repo.ProfileKey(7)))
		assert.True(t, env.Redis.Exists(repo.ContextKey(7)))

		again, err := a.Assemble(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int32(1), counter.loads.Load())
		assert.Equal(t, 3, again.Profile.RelationshipLevel)
		assert.Equal(t, "how are you", again.RecentMessages[2].Content)
	})

	t.Run("Should read both cached halves in a single round trip", func(t *testing.T) {
		a, env, _ := newTestAssembler(t, 20)
		require.NoError(t, env.Store.UpdateProfile(ctx, &model.Profile{UserID: 8, RelationshipLevel: 1, SubscriptionPlan: model.PlanFree}))
		_, err := a.Assemble(ctx, 8)
		require.NoError(t, err)

		before := env.Redis.CommandCount()
		_, err = a.Assemble(ctx, 8)
		require.NoError(t, err)
		assert.Equal(t, before+1, env.Redis.CommandCount())
	})

	t.Run("Should reload when only one half is cached", func(t *testing.T) {
		a, env, counter := newTestAssembler(t, 20)
		require.NoError(t, env.Store.UpdateProfile(ctx, &model.Profile{UserID: 7, RelationshipLevel: 2, SubscriptionPlan: model.PlanFree}))
		_, err := a.Assemble(ctx, 7)
		require.NoError(t, err)

		env.Redis.Del(repo.ContextKey(7))
		_, err = a.Assemble(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, int32(2), counter.loads.Load())
	})

	t.Run("Should give an unknown user a default profile", func(t *testing.T) {
		a, env, _ := newTestAssembler(t, 20)
		cc, err := a.Assemble(ctx, 404)
		require.NoError(t, err)
		require.NotNil(t, cc.Profile)
		assert.True(t, cc.Profile.IsNew)
		assert.Equal(t, 1, cc.Profile.RelationshipLevel)
		assert.Equal(t, model.PlanFree, cc.Profile.SubscriptionPlan)
		assert.Empty(t, cc.RecentMessages)
		assert.False(t, env.Redis.Exists(repo.ProfileKey(404)), "defaults are not cached")
	})

	t.Run("Should keep serving when the cache is down", func(t *testing.T) {
		a, env, counter := newTestAssembler(t, 20)
		env.Redis.Close()
		cc, err := a.Assemble(ctx, 1)
		require.NoError(t, err)
		assert.NotNil(t, cc.Profile)
		assert.Equal(t, int32(1), counter.loads.Load())
	})
}

func TestAssembler_BuildTurns(t *testing.T) {
	ts := time.Date(2025, 3, 1, 21, 5, 0, 0, time.UTC)

	t.Run("Should render system, trimmed history and the stamped message", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{HistoryLimit: 2})
		tz := "Europe/Moscow"
		cc := &model.ConversationContext{
			Profile: &model.Profile{UserID: 1, Timezone: &tz},
			RecentMessages: []model.ChatMessage{
				{Role: model.RoleUser, Content: "old"},
				{Role: model.RoleUser, Content: "question"},
				{Role: model.RoleModel, Content: "answer"},
			},
		}
		turns := a.BuildTurns(cc, "system", "new one", ts, nil)
		require.Len(t, turns, 4)
		assert.Equal(t, schema.System, turns[0].Role)
		assert.Equal(t, "question", turns[1].Content)
		assert.Equal(t, schema.Assistant, turns[2].Role)
		assert.Equal(t, "[02.03.2025 00:05] new one", turns[3].Content)
	})

	t.Run("Should skip the stamp for an unknown zone", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		tz := "Mars/Olympus"
		out := a.FormatUserMessage(&model.Profile{UserID: 1, Timezone: &tz}, "hi", ts)
		assert.Equal(t, "hi", out)
	})

	t.Run("Should use the default zone when the profile has none", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{DefaultTimezone: "UTC"})
		out := a.FormatUserMessage(&model.Profile{UserID: 1}, "hi", ts)
		assert.Equal(t, "[01.03.2025 21:05] hi", out)
	})

	t.Run("Should leave the text alone without any zone", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		assert.Equal(t, "hi", a.FormatUserMessage(model.NewUserProfile(1, ts), "hi", ts))
	})
}

func TestAssembler_Attachment(t *testing.T) {
	ts := time.Date(2025, 3, 1, 21, 5, 0, 0, time.UTC)
	cc := &model.ConversationContext{UserID: 1, Profile: &model.Profile{UserID: 1}}
	photo := base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff\xe0 tiny jpeg"))

	t.Run("Should send the image before the text in one user message", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		turns := a.BuildTurns(cc, "system", "look at this", ts, &model.Attachment{Data: photo})

		last := turns[len(turns)-1]
		assert.Equal(t, schema.User, last.Role)
		assert.Empty(t, last.Content)
		require.Len(t, last.MultiContent, 2)
		image := last.MultiContent[0]
		assert.Equal(t, schema.ChatMessagePartTypeImageURL, image.Type)
		require.NotNil(t, image.ImageURL)
		assert.Equal(t, "image/jpeg", image.ImageURL.MIMEType)
		assert.Equal(t, "data:image/jpeg;base64,"+photo, image.ImageURL.URI)
		assert.Equal(t, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: "look at this"}, last.MultiContent[1])
	})

	t.Run("Should keep the given mime type", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		part, ok := a.ImagePart(1, &model.Attachment{MIMEType: "image/png", Data: photo})
		require.True(t, ok)
		assert.Equal(t, "image/png", part.ImageURL.MIMEType)
	})

	t.Run("Should drop an oversized image and send plain text", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{MaxImageBytes: 16})
		big := strings.Repeat("A", base64.StdEncoding.EncodedLen(16)+4)
		turns := a.BuildTurns(cc, "system", "look", ts, &model.Attachment{Data: big})

		last := turns[len(turns)-1]
		assert.Empty(t, last.MultiContent)
		assert.Equal(t, "look", last.Content)
	})

	t.Run("Should drop an image that is not base64", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		_, ok := a.ImagePart(1, &model.Attachment{Data: "not base64 at all!"})
		assert.False(t, ok)
	})

	t.Run("Should ignore a missing attachment", func(t *testing.T) {
		a := NewAssembler(nil, model.ConversationConfig{})
		_, ok := a.ImagePart(1, nil)
		assert.False(t, ok)
		_, ok = a.ImagePart(1, &model.Attachment{})
		assert.False(t, ok)
	})
}
