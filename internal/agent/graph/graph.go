package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"

	"github.com/chative-companion/server/internal/agent/background"
	"github.com/chative-companion/server/internal/agent/graph/conversations"
	"github.com/chative-companion/server/internal/agent/graph/prompts"
	"github.com/chative-companion/server/internal/agent/graph/tools"
	"github.com/chative-companion/server/internal/agent/model"
	"github.com/chative-companion/server/internal/agent/repo"
	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/chative-companion/server/internal/resilience"
	logx "github.com/chative-companion/server/pkg/logger"
)

// LimitReply is sent instead of a model reply once a free user runs out of daily messages.
const LimitReply = "We've talked a lot today! Your daily message limit is used up. Come back tomorrow, or upgrade to premium to keep chatting."

// ErrEmptyMessage rejects an inbound message without text.
var ErrEmptyMessage = errors.New("empty message")

// Config holds the reply-shaping settings of the orchestrator.
type Config struct {
	Conversation   model.ConversationConfig
	ResponsePrompt model.ResponsePromptConfig
}

// Deps are the collaborators the orchestrator is composed from.
type Deps struct {
	Repository *repo.Repository
	ChatModel  einomodel.BaseChatModel
	ModelName  string
	LLMGuard   *resilience.Guard
	Registry   *tools.Registry
	// Counter may be nil to disable the daily cap.
	Counter    *repo.DailyCounter
	Supervisor *background.Supervisor
	// Summarizer may be nil to skip the follow-up summarization.
	Summarizer *background.Summarizer
	Handlers   []einocb.Handler
}

// Orchestrator turns one inbound message into a finalized reply.
type Orchestrator struct {
	repo          *repo.Repository
	assembler     *conversations.Assembler
	loop          *ToolCallLoop
	registry      *tools.Registry
	counter       *repo.DailyCounter
	supervisor    *background.Supervisor
	summarizer    *background.Summarizer
	promptCfg     model.ResponsePromptConfig
	maxIterations int
	now           func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Repository == nil:
		return nil, fmt.Errorf("orchestrator: repository is nil")
	case deps.ChatModel == nil:
		return nil, fmt.Errorf("orchestrator: chat model is nil")
	case deps.LLMGuard == nil:
		return nil, fmt.Errorf("orchestrator: llm guard is nil")
	case deps.Registry == nil:
		return nil, fmt.Errorf("orchestrator: tool registry is nil")
	}
	supervisor := deps.Supervisor
	if supervisor == nil {
		supervisor = background.NewSupervisor()
	}
	return &Orchestrator{
		repo:          deps.Repository,
		assembler:     conversations.NewAssembler(deps.Repository, cfg.Conversation),
		loop:          NewToolCallLoop(deps.ChatModel, deps.ModelName, deps.LLMGuard, deps.Registry, deps.Handlers...),
		registry:      deps.Registry,
		counter:       deps.Counter,
		supervisor:    supervisor,
		summarizer:    deps.Summarizer,
		promptCfg:     cfg.ResponsePrompt,
		maxIterations: cfg.Conversation.Tools.MaxIterations,
		now:           time.Now,
	}, nil
}

// Respond only returns an error when the system of record fails on the
// critical path. Model failures end in a fallback FinalReply instead.
func (o *Orchestrator) Respond(ctx context.Context, in model.Inbound) (model.FinalReply, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return model.FinalReply{}, errx.New(ErrEmptyMessage, http.StatusBadRequest, "message text is required")
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = o.now()
	}
	log := logx.With().Int64("user_id", in.UserID).Logger()

	cc, err := o.assembler.Assemble(ctx, in.UserID)
	if err != nil {
		return model.FinalReply{}, storeError(err)
	}
	defer cc.Release()

	if o.overDailyLimit(ctx, cc) {
		log.Info().Msg("daily message limit reached")
		return model.FinalReply{Text: LimitReply, State: model.StateDone, Degraded: true}, nil
	}

	userMsg := &model.ChatMessage{UserID: in.UserID, Role: model.RoleUser, Content: text, Timestamp: in.Timestamp}
	if err := o.repo.SaveMessage(ctx, userMsg); err != nil {
		return model.FinalReply{}, storeError(err)
	}

	system, err := prompts.RenderResponseSystem(ctx, o.promptCfg, cc, o.now())
	if err != nil {
		return model.FinalReply{}, err
	}
	turns := o.assembler.BuildTurns(cc, system, text, in.Timestamp, in.Attachment)

	reply := o.loop.Run(ctx, cc, turns, o.registry.Infos(), o.maxIterations)
	log.Info().
		Str("state", string(reply.State)).
		Int("iterations", reply.Iterations).
		Int("model_calls", reply.ModelCalls).
		Int("tool_results", len(cc.PendingToolResults)).
		Bool("degraded", reply.Degraded).
		Float64("cost_usd", reply.CostUSD).
		Msg("reply ready")

	if !reply.Degraded && (reply.State == model.StateDone || reply.State == model.StateFailed) {
		modelMsg := &model.ChatMessage{UserID: in.UserID, Role: model.RoleModel, Content: reply.Text, Timestamp: o.now()}
		if err := o.repo.SaveMessage(ctx, modelMsg); err != nil {
			log.Error().Err(err).Msg("failed to save model reply")
		}
	}

	if o.summarizer != nil {
		o.supervisor.Launch(ctx, model.NewBackgroundJob(in.UserID, model.JobSummarize, 1), o.summarizer.Run)
	}
	return reply, nil
}

// overDailyLimit counts the message against the shared daily counter. Premium
// users are never capped, and a counter failure lets the message through.
func (o *Orchestrator) overDailyLimit(ctx context.Context, cc *model.ConversationContext) bool {
	if !o.counter.Enabled() || cc.Profile.IsPremium(o.now()) {
		return false
	}
	usage, err := o.counter.Hit(ctx, cc.UserID)
	if err != nil {
		logx.Warn().Err(err).Int64("user_id", cc.UserID).Msg("daily counter unavailable, allowing message")
		return false
	}
	return usage.Reached
}

// Wait blocks until every launched background job has finished.
func (o *Orchestrator) Wait() {
	o.supervisor.Wait()
}

func storeError(err error) error {
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return errx.New(err, http.StatusServiceUnavailable, errx.StoreErrorMessage)
}
