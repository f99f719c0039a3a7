package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/chative-companion/server/internal/agent/graph/nodes"
	"github.com/chative-companion/server/internal/agent/graph/parsers"
	"github.com/chative-companion/server/internal/agent/graph/tools"
	"github.com/chative-companion/server/internal/agent/model"
	errx "github.com/chative-companion/server/internal/core/error"
	"github.com/chative-companion/server/internal/resilience"
	logx "github.com/chative-companion/server/pkg/logger"
)

const (
	// FallbackReply is sent when the model cannot be reached at all.
	FallbackReply = "Sorry, I can't reply right now. Let's talk a little later?"
	// IterationLimitReply is sent when the tool loop runs out of rounds without any text.
	IterationLimitReply = "I got a bit lost in my thoughts. Could you ask me again?"
)

// ToolCallLoop drives the bounded model/tool exchange for one reply.
type ToolCallLoop struct {
	chatModel einomodel.BaseChatModel
	modelName string
	guard     *resilience.Guard
	registry  *tools.Registry
	handlers  []einocb.Handler
}

func NewToolCallLoop(chatModel einomodel.BaseChatModel, modelName string, guard *resilience.Guard, registry *tools.Registry, handlers ...einocb.Handler) *ToolCallLoop {
	return &ToolCallLoop{
		chatModel: chatModel,
		modelName: modelName,
		guard:     guard,
		registry:  registry,
		handlers:  handlers,
	}
}

// Run never returns an error: every failure ends in a FinalReply. The loop
// makes at most maxIterations model calls.
func (l *ToolCallLoop) Run(ctx context.Context, cc *model.ConversationContext, turns []*schema.Message, infos []*schema.ToolInfo, maxIterations int) model.FinalReply {
	maxIterations = nodes.NormalizeMaxIterations(maxIterations)
	ctx = tools.WithUserID(ctx, cc.UserID)

	var (
		reply    = model.FinalReply{State: model.StateAwaitingModel}
		pending  []schema.ToolCall
		lastText string
		idSeq    int
	)
	for {
		switch reply.State {
		case model.StateAwaitingModel:
			msg, err := l.generate(ctx, turns, infos)
			if !errors.Is(err, errx.ErrCircuitOpen) {
				reply.ModelCalls++
			}
			if err != nil {
				logx.Warn().
					Err(err).
					Int64("user_id", cc.UserID).
					Str("error_class", errorClass(err)).
					Int("model_calls", reply.ModelCalls).
					Msg("model call failed, sending fallback reply")
				reply.State = model.StateFailed
				reply.Text = FallbackReply
				reply.Degraded = true
				return reply
			}
			reply.CostUSD += nodes.RecordUsage(cc.UserID, nodes.NodeResponseChatModel, l.modelName, msg)
			turns = append(turns, msg)

			if len(msg.ToolCalls) == 0 {
				parsed := parsers.ParseReply(msg)
				if parsed.Fallback {
					logx.Warn().Int64("user_id", cc.UserID).Str("finish_reason", parsed.FinishReason).Msg("model returned no text")
				}
				reply.Text, reply.Voice = parsed.Text, parsed.Voice
				reply.State = model.StateDone
				return reply
			}
			if strings.TrimSpace(msg.Content) != "" {
				lastText = msg.Content
			}
			nodes.NormalizeToolCallIDs(msg, &idSeq)
			pending = msg.ToolCalls
			reply.State = model.StateExecutingTool

		case model.StateExecutingTool:
			for _, call := range pending {
				res := l.registry.Dispatch(ctx, call)
				cc.AppendToolResult(res)
				turns = append(turns, tools.ToolMessage(call.ID, res))
			}
			pending = nil
			reply.Iterations++

			if reply.Iterations >= maxIterations {
				logx.Warn().
					Int64("user_id", cc.UserID).
					Int("iterations", reply.Iterations).
					Err(errx.ErrIterationLimit).
					Msg("tool loop stopped at its iteration cap")
				reply.State = model.StateDone
				reply.Text = IterationLimitReply
				reply.Degraded = lastText == ""
				if lastText != "" {
					parsed := parsers.ParseReply(schema.AssistantMessage(lastText, nil))
					reply.Text, reply.Voice = parsed.Text, parsed.Voice
				}
				return reply
			}
			reply.State = model.StateAwaitingModel

		default:
			return reply
		}
	}
}

func (l *ToolCallLoop) generate(ctx context.Context, turns []*schema.Message, infos []*schema.ToolInfo) (*schema.Message, error) {
	ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      nodes.NodeResponseChatModel,
		Type:      l.modelName,
		Component: components.ComponentOfChatModel,
	}, l.handlers...)

	var out *schema.Message
	err := l.guard.Do(ctx, func(ctx context.Context) error {
		msg, err := l.chatModel.Generate(ctx, turns, einomodel.WithTools(infos))
		if err != nil {
			return errx.WrapLLM(err)
		}
		if msg == nil {
			return fmt.Errorf("empty response: %w", errx.ErrMalformedResponse)
		}
		out = msg
		return nil
	})
	return out, err
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, errx.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, errx.ErrMalformedResponse):
		return "malformed_response"
	case errx.IsTransient(err):
		return "transient_exhausted"
	default:
		return "non_retryable"
	}
}
