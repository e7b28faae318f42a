package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/config"
)

// NewTextGenerator creates the TextGenerator for the configured provider.
func NewTextGenerator(cfg config.LLMConfig, logger *zap.Logger) (TextGenerator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Logger: logger,
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout, Logger: logger,
		}), nil
	case "ollama", "":
		return NewOllamaClient(OllamaConfig{
			BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout, Logger: logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewSubAgent wires a rate limited ReasoningAgent over the configured provider.
func NewSubAgent(cfg config.LLMConfig, logger *zap.Logger) (*ReasoningAgent, error) {
	gen, err := NewTextGenerator(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewReasoningAgent(gen,
		WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		WithAgentLogger(logger),
	), nil
}
