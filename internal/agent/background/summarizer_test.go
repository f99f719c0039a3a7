package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo/repotest"
	errx "github.com/chative-companion/server/internal/core/error"
)

type summaryModel struct {
	mu     sync.Mutex
	reply  string
	err    error
	inputs [][]*schema.Message
}

func (m *summaryModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *summaryModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *summaryModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func seedDialogue(t *testing.T, env *repotest.Env, userID int64, pairs int) []model.ChatMessage {
	t.Helper()
	var out []model.ChatMessage
	for i := range pairs {
		for _, role := range []model.Role{model.RoleUser, model.RoleModel} {
			msg := &model.ChatMessage{UserID: userID, Role: role, Content: fmt.Sprintf("%s %d", role, i)}
			require.NoError(t, env.Store.SaveMessage(context.Background(), msg))
			out = append(out, *msg)
		}
	}
	return out
}

func newTestSummarizer(env *repotest.Env, chat *summaryModel, threshold int, now time.Time) *Summarizer {
	s := NewSummarizer(env.Repo, chat, "gemma-3-27b-it", repotest.Guard("llm"), model.SummaryConfig{Threshold: threshold})
	s.now = func() time.Time { return now }
	return s
}

func TestSummarizer_Run(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	job := func(userID int64) *model.BackgroundJob { return model.NewBackgroundJob(userID, model.JobSummarize, 1) }

	t.Run("Should wait for the threshold before calling the model", func(t *testing.T) {
		env := repotest.New(t)
		seedDialogue(t, env, 1, 2)
		chat := &summaryModel{reply: "unused"}

		require.NoError(t, newTestSummarizer(env, chat, 20, now).Run(ctx, job(1)))
		assert.Zero(t, chat.calls())
		rest, err := env.Store.GetRecentMessages(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, rest, 4)
	})

	t.Run("Should summarize, prune and score the folded user messages", func(t *testing.T) {
		env := repotest.New(t)
		saved := seedDialogue(t, env, 1, 3)
		chat := &summaryModel{reply: "  They chatted about numbers.  "}

		require.NoError(t, newTestSummarizer(env, chat, 6, now).Run(ctx, job(1)))
		require.Equal(t, 1, chat.calls())
		prompt := chat.inputs[0][0].Content
		assert.Contains(t, prompt, "user: user 0\nmodel: model 0")
		assert.NotContains(t, prompt, "PREVIOUS SUMMARY")

		sum, err := env.Store.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, sum)
		assert.Equal(t, "They chatted about numbers.", sum.Summary)
		assert.Equal(t, saved[len(saved)-1].ID, sum.LastMessageID)

		rest, err := env.Store.GetRecentMessages(ctx, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, rest)

		p, err := env.Store.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, p.RelationshipScore)
	})

	t.Run("Should build on the previous summary", func(t *testing.T) {
		env := repotest.New(t)
		first := seedDialogue(t, env, 1, 1)
		require.NoError(t, env.Store.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "They met.", LastMessageID: first[1].ID}))
		seedDialogue(t, env, 1, 1)
		chat := &summaryModel{reply: "They met and talked again."}

		require.NoError(t, newTestSummarizer(env, chat, 2, now).Run(ctx, job(1)))
		assert.Contains(t, chat.inputs[0][0].Content, "They met.")
		assert.Contains(t, chat.inputs[0][0].Content, "PREVIOUS SUMMARY")
	})

	t.Run("Should level up once the score and time qualify", func(t *testing.T) {
		env := repotest.New(t)
		seedDialogue(t, env, 1, 1)
		require.NoError(t, env.Store.UpdateProfile(ctx, &model.Profile{
			UserID: 1, RelationshipLevel: 1, RelationshipScore: 49,
			LevelUnlockedAt: now.Add(-48 * time.Hour), SubscriptionPlan: model.PlanFree,
		}))
		chat := &summaryModel{reply: "Short chat."}

		require.NoError(t, newTestSummarizer(env, chat, 2, now).Run(ctx, job(1)))
		p, err := env.Store.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 50, p.RelationshipScore)
		assert.Equal(t, 2, p.RelationshipLevel)
		assert.True(t, now.Equal(p.LevelUnlockedAt))
	})

	t.Run("Should leave everything untouched when the model fails", func(t *testing.T) {
		env := repotest.New(t)
		seedDialogue(t, env, 1, 1)
		chat := &summaryModel{err: errors.New("invalid request")}

		err := newTestSummarizer(env, chat, 2, now).Run(ctx, job(1))
		require.Error(t, err)
		rest, err := env.Store.GetRecentMessages(ctx, 1, 0)
		require.NoError(t, err)
		assert.Len(t, rest, 2)
		sum, err := env.Store.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, sum)
	})

	t.Run("Should reject an empty summary", func(t *testing.T) {
		env := repotest.New(t)
		seedDialogue(t, env, 1, 1)
		chat := &summaryModel{reply: "   "}

		err := newTestSummarizer(env, chat, 2, now).Run(ctx, job(1))
		assert.ErrorIs(t, err, errx.ErrMalformedResponse)
	})

	t.Run("Should fail for a user without a profile", func(t *testing.T) {
		env := repotest.New(t)
		err := newTestSummarizer(env, &summaryModel{}, 2, now).Run(ctx, job(404))
		assert.ErrorIs(t, err, errx.ErrNotFound)
	})
}

// barrierModel holds every call until parties calls have arrived.
type barrierModel struct {
	summaryModel
	parties int
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBarrierModel(reply string, parties int) *barrierModel {
	return &barrierModel{
		summaryModel: summaryModel{reply: reply},
		parties:      parties,
		arrived:      make(chan struct{}, parties),
		release:      make(chan struct{}),
	}
}

func (m *barrierModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.arrived <- struct{}{}
	if len(m.arrived) == m.parties {
		m.once.Do(func() { close(m.release) })
	}
	select {
	case <-m.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.summaryModel.Generate(ctx, input, opts...)
}

func TestSummarizer_ConcurrentJobs(t *testing.T) {
	t.Run("Should score folded messages once when two jobs overlap", func(t *testing.T) {
		ctx := context.Background()
		env := repotest.New(t)
		seeded := seedDialogue(t, env, 1, 3)
		chat := newBarrierModel("They chatted.", 2)
		s := NewSummarizer(env.Repo, chat, "gemma-3-27b-it", repotest.Guard("llm"), model.SummaryConfig{Threshold: 6})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.Run(ctx, model.NewBackgroundJob(1, model.JobSummarize, 1))
			}()
		}
		wg.Wait()
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, 2, chat.calls())

		p, err := env.Store.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, p.RelationshipScore)

		sum, err := env.Store.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		require.NotNil(t, sum)
		assert.Equal(t, seeded[len(seeded)-1].ID, sum.LastMessageID)
	})

	t.Run("Should reject a summary that does not advance", func(t *testing.T) {
		ctx := context.Background()
		env := repotest.New(t)
		seeded := seedDialogue(t, env, 1, 2)
		require.NoError(t, env.Repo.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "newer", LastMessageID: seeded[3].ID}))

		err := env.Repo.ApplySummary(ctx, model.SummaryUpdate{UserID: 1, Summary: "older", LastMessageID: seeded[1].ID, ScoreDelta: 5})
		assert.ErrorIs(t, err, errx.ErrStaleUpdate)

		sum, err := env.Store.GetLatestSummary(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "newer", sum.Summary)
		p, err := env.Store.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, p.RelationshipScore, "only the first summary scored its two user messages")
	})
}
