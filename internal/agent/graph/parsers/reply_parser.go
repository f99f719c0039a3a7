package parsers

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

const voiceMarker = "[VOICE]"

// Finish reasons reported by the model provider.
const (
	FinishMaxTokens = "MAX_TOKENS"
	FinishSafety    = "SAFETY"
)

const (
	MaxTokensReply = "Oops, I got carried away and the thought didn't fit into one message. Ask me again and I'll keep it shorter."
	SafetyReply    = "I can't talk about that, sorry. Shall we change the subject?"
	RephraseReply  = "I can't answer right now. Could you rephrase that?"
)

// Reply is the user-facing text extracted from a final model message.
type Reply struct {
	Text string
	// Voice is set when the model asked for the reply to be spoken.
	Voice bool
	// Fallback is set when Text is a canned reply standing in for empty output.
	Fallback     bool
	FinishReason string
}

// ParseReply extracts the reply text from msg. Empty output is mapped to a
// canned reply chosen by the finish reason.
func ParseReply(msg *schema.Message) Reply {
	var r Reply
	if msg == nil {
		r.Text, r.Fallback = RephraseReply, true
		return r
	}
	if msg.ResponseMeta != nil {
		r.FinishReason = strings.ToUpper(strings.TrimSpace(msg.ResponseMeta.FinishReason))
	}

	text := strings.TrimSpace(msg.Content)
	if rest, ok := strings.CutPrefix(text, voiceMarker); ok {
		r.Voice = true
		text = strings.TrimSpace(rest)
	}
	if text != "" {
		r.Text = text
		return r
	}

	r.Voice = false
	r.Fallback = true
	r.Text = FallbackFor(r.FinishReason)
	return r
}

// FallbackFor returns the canned reply for an empty response with reason.
func FallbackFor(reason string) string {
	switch strings.ToUpper(reason) {
	case FinishMaxTokens:
		return MaxTokensReply
	case FinishSafety:
		return SafetyReply
	default:
		return RephraseReply
	}
}
