package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/chative-companion/server/internal/agent/model"
)

var (
	//go:embed template/summary_initial.txt
	initialSummaryPrompt string
	//go:embed template/summary_cumulative.txt
	cumulativeSummaryPrompt string
)

// Transcript renders messages as "role: content" lines.
func Transcript(msgs []model.ChatMessage) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// RenderSummary builds the summarization request. The cumulative prompt is
// used when a previous summary exists, the initial one otherwise.
func RenderSummary(ctx context.Context, previous string, msgs []model.ChatMessage) ([]*schema.Message, error) {
	body := initialSummaryPrompt
	if strings.TrimSpace(previous) != "" {
		body = cumulativeSummaryPrompt
	}
	tpl := prompt.FromMessages(schema.GoTemplate, schema.UserMessage(body))
	out, err := tpl.Format(ctx, map[string]any{
		"PreviousSummary": previous,
		"Transcript":      Transcript(msgs),
	})
	if err != nil {
		return nil, fmt.Errorf("summary prompt render: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("summary prompt render: empty result")
	}
	return out, nil
}
