package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/chative-companion/server/internal/agent/graph/tools"
	"github.com/chative-companion/server/internal/agent/model"
)

//go:embed template/response_prompt.txt
var coreSystemPrompt string

func voiceStyle(level int) string {
	switch {
	case level >= 3:
		return "Start the spoken text with 'Say in a whisper:'."
	case level >= 2:
		return "Start the spoken text with 'Say excitedly:'."
	default:
		return "Use a neutral voice."
	}
}

// RenderResponseSystem renders the system instruction for one reply and triggers prompt callbacks.
func RenderResponseSystem(ctx context.Context, config model.ResponsePromptConfig, cc *model.ConversationContext, now time.Time) (string, error) {
	if cc == nil || cc.Profile == nil {
		return "", fmt.Errorf("response prompt render: missing profile")
	}
	p := cc.Profile
	level, _ := model.LevelConfig(p.RelationshipLevel)
	if level.Name == "" {
		level.Name = "acquaintance"
	}
	gender := ""
	if p.Gender != nil {
		gender = *p.Gender
	}

	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(coreSystemPrompt),
	)
	vars := map[string]any{
		"PersonaName":     config.PersonaName,
		"Language":        config.Language,
		"UserName":        p.DisplayName(),
		"Gender":          gender,
		"Level":           p.RelationshipLevel,
		"LevelName":       level.Name,
		"NewUser":         p.IsNew,
		"Premium":         p.IsPremium(now),
		"VoiceStyle":      voiceStyle(p.RelationshipLevel),
		"Summary":         cc.SummaryText(),
		"SaveMemoryTool":  tools.SaveMemoryToolName,
		"GetMemoriesTool": tools.GetMemoriesToolName,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("response prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("response prompt render: empty result")
	}
	return msgs[0].Content, nil
}
