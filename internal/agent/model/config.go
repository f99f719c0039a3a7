package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	HistoryLimit    int           `envconfig:"CONVERSATION_HISTORY_LIMIT" default:"20"`
	CacheTTL        time.Duration `envconfig:"CONVERSATION_CACHE_TTL" default:"10m"`
	DefaultTimezone string        `envconfig:"CONVERSATION_DEFAULT_TIMEZONE" default:""`
	MaxImageBytes   int           `envconfig:"CONVERSATION_MAX_IMAGE_BYTES" default:"10485760"`
	Tools           struct {
		MaxIterations int `envconfig:"CONVERSATION_TOOL_MAX_ITERATIONS" default:"5"`
	}
}

type ResponseModelConfig struct {
	Model          string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens      int     `envconfig:"RESPONSE_MAX_TOKENS" default:"2000"`
	Temperature    float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.8"`
	ThinkingBudget int32   `envconfig:"RESPONSE_THINKING_BUDGET" default:"1024"`
}

type SummaryModelConfig struct {
	Model       string  `envconfig:"SUMMARY_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"SUMMARY_MAX_TOKENS" default:"1500"`
	Temperature float32 `envconfig:"SUMMARY_TEMPERATURE" default:"0.2"`
}

type ResponsePromptConfig struct {
	PersonaName string `envconfig:"PROMPT_PERSONA_NAME" default:"Mira"`
	Language    string `envconfig:"PROMPT_LANGUAGE" default:"English"`
}

type SummaryConfig struct {
	// Threshold is the number of unsummarized messages that triggers a new rolling summary.
	Threshold  int           `envconfig:"SUMMARY_THRESHOLD" default:"20"`
	JobTimeout time.Duration `envconfig:"SUMMARY_JOB_TIMEOUT" default:"2m"`
}

type LimitsConfig struct {
	// DailyMessages caps messages per day for free-tier users. Zero disables the cap.
	DailyMessages int64  `envconfig:"LIMITS_DAILY_MESSAGES" default:"50"`
	CounterPrefix string `envconfig:"LIMITS_COUNTER_PREFIX" default:"chative:daily:"`
}
