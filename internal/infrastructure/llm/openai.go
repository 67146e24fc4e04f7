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

// OpenAIClient implements ports.Generator backed by OpenAI-compatible chat completion APIs.
type OpenAIClient struct {
	endpoint     string
	model        string
	apiKey       string
	systemPrompt string
	temperature  float64
	maxTokens    int
	httpClient   *http.Client
}

var _ ports.Generator = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client from configuration.
func NewOpenAIClient(cfg config.OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		endpoint:     cfg.Endpoint,
		model:        cfg.Model,
		apiKey:       cfg.APIKey,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Generate posts the article prompt as a user message.
func (c *OpenAIClient) Generate(ctx context.Context, req ports.GenerationRequest) (domain.GeneratedArticle, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return domain.GeneratedArticle{}, fmt.Errorf("openai client misconfigured: %w", domain.ErrProviderUnavailable)
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": safePrompt(c.systemPrompt)},
			{"role": "user", "content": BuildPrompt(req)},
		},
		"temperature":     c.temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	if c.maxTokens > 0 {
		payload["max_tokens"] = c.maxTokens
	}

	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := postJSON(ctx, c.httpClient, c.endpoint, headers, payload, &resp); err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.GeneratedArticle{}, fmt.Errorf("openai: %w: no choices returned", domain.ErrInvalidPayload)
	}

	return ParseArticle(resp.Choices[0].Message.Content)
}

func safePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "You are a professional journalist."
	}
	return prompt
}
