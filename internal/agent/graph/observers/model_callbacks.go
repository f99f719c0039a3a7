package observers

import (
	"context"
	"strings"

	logx "github.com/chative-companion/server/pkg/logger"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"
)

// newModelHandler logs the turns sent to the model and what it answered.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input == nil {
				return ctx
			}
			ev := logx.Debug().
				Str("model", info.Name).
				Int("turns", len(input.Messages)).
				Int("tools", len(input.Tools))
			if um := lastUserContent(input.Messages); um != "" {
				ev = ev.Str("user", um)
			}
			ev.Msg("model call started")
			for i, m := range input.Messages {
				if m == nil || strings.TrimSpace(m.Content) == "" {
					continue
				}
				logx.Debug().Int("i", i).Str("role", string(m.Role)).Msg(strings.TrimSpace(m.Content))
			}
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			if output == nil || output.Message == nil {
				return ctx
			}
			ev := logx.Debug().
				Str("model", info.Name).
				Int("tool_calls", len(output.Message.ToolCalls)).
				Str("assistant", strings.TrimSpace(output.Message.Content))
			if u := output.TokenUsage; u != nil {
				ev = ev.Int("prompt_tokens", u.PromptTokens).Int("completion_tokens", u.CompletionTokens)
			}
			ev.Msg("model call finished")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("model", info.Name).Msg("model call failed")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
