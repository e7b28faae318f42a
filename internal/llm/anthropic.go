package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // default: claude-haiku-4-5-20251001
	BaseURL   string        // default: https://api.anthropic.com
	MaxTokens int           // default: 4096
	Timeout   time.Duration // default: 60s
	Logger    *zap.Logger
}

// AnthropicClient implements TextGenerator using the Anthropic Messages API.
type AnthropicClient struct {
	cfg            AnthropicConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

type anthropicMessagesRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMessagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewAnthropicClient creates a new Anthropic client with the given configuration.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreakerWithConfig(CircuitBreakerConfig{
			Name:   "anthropic",
			Logger: cfg.Logger,
		}),
	}
}

// Complete sends a single-turn message and returns the concatenated text blocks.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := c.circuitBreaker.Execute(ctx, func() (string, error) {
		var resp anthropicMessagesResponse
		err := postJSON(ctx, c.client, "anthropic", c.cfg.BaseURL+"/v1/messages",
			map[string]string{
				"x-api-key":         c.cfg.APIKey,
				"anthropic-version": "2023-06-01",
			},
			anthropicMessagesRequest{
				Model:     c.cfg.Model,
				MaxTokens: c.cfg.MaxTokens,
				Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
			}, &resp)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, block := range resp.Content {
			if block.Type == "" || block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		if b.Len() == 0 {
			return "", errors.New("anthropic returned empty content")
		}
		return b.String(), nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}
	return out, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

var _ TextGenerator = (*AnthropicClient)(nil)
