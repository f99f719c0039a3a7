package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/chative-companion/server/internal/agent/graph/nodes"
	"github.com/chative-companion/server/internal/agent/graph/prompts"
	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/chative-companion/server/internal/resilience"
	logx "github.com/chative-companion/server/pkg/logger"
)

const DefaultSummaryThreshold = 20

// SummaryRepository is what the summarization job reads and writes.
type SummaryRepository interface {
	GetProfile(ctx context.Context, userID int64) (*model.Profile, error)
	GetLatestSummary(ctx context.Context, userID int64) (*model.Summary, error)
	GetUnsummarizedMessages(ctx context.Context, userID int64) ([]model.ChatMessage, error)
	ApplySummary(ctx context.Context, upd model.SummaryUpdate) error
}

// Summarizer folds old messages into the rolling summary and advances the
// relationship. It is the body of JobSummarize.
type Summarizer struct {
	repo      SummaryRepository
	chatModel einomodel.BaseChatModel
	modelName string
	guard     *resilience.Guard
	threshold int
	handlers  []einocb.Handler
	now       func() time.Time
}

func NewSummarizer(repo SummaryRepository, chatModel einomodel.BaseChatModel, modelName string, guard *resilience.Guard, cfg model.SummaryConfig, handlers ...einocb.Handler) *Summarizer {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultSummaryThreshold
	}
	return &Summarizer{
		repo:      repo,
		chatModel: chatModel,
		modelName: modelName,
		guard:     guard,
		threshold: threshold,
		handlers:  handlers,
		now:       time.Now,
	}
}

// Run summarizes once at least threshold messages are waiting. Each user
// message adds one relationship point when it is folded into a summary; the
// store counts the folded messages itself and drops a summary that a
// concurrent job already overtook, so no message is ever counted twice. The
// level check runs on every job.
func (s *Summarizer) Run(ctx context.Context, job *model.BackgroundJob) error {
	userID := job.UserID
	now := s.now().UTC()

	profile, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	msgs, err := s.repo.GetUnsummarizedMessages(ctx, userID)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	upd := model.SummaryUpdate{UserID: userID}
	if len(msgs) >= s.threshold {
		previous, err := s.repo.GetLatestSummary(ctx, userID)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		prevText := ""
		if previous != nil {
			prevText = previous.Summary
		}
		text, err := s.summarize(ctx, userID, prevText, msgs)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		upd.Summary = text
		upd.LastMessageID = msgs[len(msgs)-1].ID
		upd.ScoreDelta = countUserMessages(msgs)
	}

	level, outcome := profile.NextLevel(profile.RelationshipScore+upd.ScoreDelta, now)
	switch outcome {
	case model.LevelUp:
		upd.NewLevel = level
		upd.LevelUnlockedAt = now
		logx.Info().Int64("user_id", userID).Int("level", level).Msg("relationship level up")
	case model.LevelOfferSubscription:
		logx.Info().Int64("user_id", userID).Int("level", profile.RelationshipLevel).Msg("next level requires a subscription")
	}

	if !upd.HasSummary() && upd.ScoreDelta == 0 && upd.NewLevel == 0 {
		logx.Debug().Int64("user_id", userID).Int("pending", len(msgs)).Int("threshold", s.threshold).Msg("nothing to summarize yet")
		return nil
	}
	if err := s.repo.ApplySummary(ctx, upd); err != nil {
		if errors.Is(err, errx.ErrStaleUpdate) {
			logx.Info().Int64("user_id", userID).Int64("last_message_id", upd.LastMessageID).Msg("summary superseded by a concurrent job")
			return nil
		}
		return fmt.Errorf("summarize: %w", err)
	}
	logx.Info().
		Int64("user_id", userID).
		Bool("summarized", upd.HasSummary()).
		Int("pruned", prunedCount(msgs, upd.LastMessageID)).
		Int("score_delta", upd.ScoreDelta).
		Msg("summary applied")
	return nil
}

func (s *Summarizer) summarize(ctx context.Context, userID int64, previous string, msgs []model.ChatMessage) (string, error) {
	input, err := prompts.RenderSummary(ctx, previous, msgs)
	if err != nil {
		return "", err
	}
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      nodes.NodeSummaryChatModel,
		Type:      s.modelName,
		Component: components.ComponentOfChatModel,
	}, s.handlers...)

	var out *schema.Message
	err = s.guard.Do(ctx, func(ctx context.Context) error {
		msg, err := s.chatModel.Generate(ctx, input)
		if err != nil {
			return errx.WrapLLM(err)
		}
		out = msg
		return nil
	})
	if err != nil {
		return "", err
	}
	nodes.RecordUsage(userID, nodes.NodeSummaryChatModel, s.modelName, out)
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", fmt.Errorf("empty summary: %w", errx.ErrMalformedResponse)
	}
	return strings.TrimSpace(out.Content), nil
}

func countUserMessages(msgs []model.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			n++
		}
	}
	return n
}

func prunedCount(msgs []model.ChatMessage, lastID int64) int {
	if lastID == 0 {
		return 0
	}
	n := 0
	for _, m := range msgs {
		if m.ID <= lastID {
			n++
		}
	}
	return n
}
