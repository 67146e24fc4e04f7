package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// AnthropicClient implements ports.Generator against the Anthropic messages API.
type AnthropicClient struct {
	endpoint    string
	model       string
	apiKey      string
	version     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
}

var _ ports.Generator = (*AnthropicClient)(nil)

// NewAnthropicClient builds a client from configuration.
func NewAnthropicClient(cfg config.AnthropicConfig) *AnthropicClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicClient{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		version:     cfg.Version,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

func (c *AnthropicClient) Generate(ctx context.Context, req ports.GenerationRequest) (domain.GeneratedArticle, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.GeneratedArticle{}, fmt.Errorf("anthropic client misconfigured: %w", domain.ErrProviderUnavailable)
	}

	payload := map[string]any{
		"model":       c.model,
		"max_tokens":  c.maxTokens,
		"temperature": c.temperature,
		"messages": []map[string]string{
			{"role": "user", "content": BuildPrompt(req)},
		},
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": c.version,
	}
	if err := postJSON(ctx, c.httpClient, c.endpoint, headers, payload, &resp); err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("anthropic: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseArticle(text.String())
}
