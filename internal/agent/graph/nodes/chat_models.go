package nodes

import (
	"context"
	"fmt"

	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/chative-companion/server/internal/agent/model"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey     string
	BaseURL    string
	RespConfig *model.ResponseModelConfig
	SumConfig  *model.SummaryModelConfig
}

// ChatModels holds the reply and summary chat models
type ChatModels struct {
	Response          *gemini.ChatModel
	Summary           *gemini.ChatModel
	ResponseModelName string
	SummaryModelName  string
}

// NewChatModels creates both chat models on one Gemini client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.RespConfig == nil || config.SumConfig == nil {
		return nil, fmt.Errorf("chat model config is incomplete")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	respCfg := &gemini.Config{
		Client:      client,
		Model:       config.RespConfig.Model,
		Temperature: &config.RespConfig.Temperature,
		MaxTokens:   &config.RespConfig.MaxTokens,
	}
	if config.RespConfig.ThinkingBudget > 0 {
		respCfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  genai.Ptr(config.RespConfig.ThinkingBudget),
		}
	}
	chatModelResponse, err := gemini.NewChatModel(ctx, respCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Response model")
		return nil, fmt.Errorf("error creating Response model: %w", err)
	}

	chatModelSummary, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.SumConfig.Model,
		Temperature: &config.SumConfig.Temperature,
		MaxTokens:   &config.SumConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Summary model")
		return nil, fmt.Errorf("error creating Summary model: %w", err)
	}

	return &ChatModels{
		Response:          chatModelResponse,
		Summary:           chatModelSummary,
		ResponseModelName: config.RespConfig.Model,
		SummaryModelName:  config.SumConfig.Model,
	}, nil
}
