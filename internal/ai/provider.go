// Package ai provides text generation adapters for the model providers
// EchoBridge can drive meeting agents with. Each adapter translates a
// provider-neutral Request into the vendor SDK's call shape.
package ai

import (
	"context"
	"fmt"

	"github.com/echobridge/echobridge/internal/common/config"
)

// Request is a provider-neutral text generation request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Provider generates text for meeting turns and transcript interpretation.
type Provider interface {
	// GenerateText returns the model's text response for the request.
	GenerateText(ctx context.Context, req Request) (string, error)

	// Name returns the provider identifier for logging.
	Name() string
}

// New builds the provider selected by cfg.Provider.
func New(cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("ai: OPENAI_API_KEY is required for the openai provider")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.DefaultModel, cfg.BaseURL), nil
	case "openrouter":
		if cfg.OpenRouterKey == "" {
			return nil, fmt.Errorf("ai: OPENROUTER_API_KEY is required for the openrouter provider")
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(cfg.OpenRouterKey, cfg.DefaultModel, baseURL), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ai: ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.DefaultModel), nil
	default:
		return nil, fmt.Errorf("ai: unknown provider %q", cfg.Provider)
	}
}
