package nodes

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/chative-companion/server/internal/agent/model"
	logx "github.com/chative-companion/server/pkg/logger"
)

// Run names reported to callbacks for each step of a reply.
const (
	NodeResponseChatModel = "ResponseChatModel"
	NodeSummaryChatModel  = "SummaryChatModel"
)

// NormalizeToolCallIDs fills in missing tool call IDs. Some providers omit
// them, and tool turns must reference the call they answer.
func NormalizeToolCallIDs(out *schema.Message, seq *int) {
	if out == nil {
		return
	}
	for i := range out.ToolCalls {
		if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
			*seq++
			out.ToolCalls[i].ID = fmt.Sprintf("call_%d", *seq)
		}
	}
}

// RecordUsage computes the USD cost of one model response, attaches it to the
// message Extra and logs it. It returns the total cost, zero without usage data.
func RecordUsage(userID int64, node, modelName string, out *schema.Message) float64 {
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return 0
	}
	usage := out.ResponseMeta.Usage
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Int64("user_id", userID).
		Str("node", node).
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")
	return totalC
}
