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

// OllamaClient talks to a local Ollama daemon; no API key is needed.
type OllamaClient struct {
	endpoint string
	model    string
	http     *http.Client
}

var _ ports.Generator = (*OllamaClient)(nil)

// NewOllamaClient creates a reusable HTTP client.
func NewOllamaClient(cfg config.OllamaConfig) *OllamaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *OllamaClient) Name() string { return "ollama" }

func (c *OllamaClient) Generate(ctx context.Context, req ports.GenerationRequest) (domain.GeneratedArticle, error) {
	if c.endpoint == "" || c.model == "" {
		return domain.GeneratedArticle{}, fmt.Errorf("ollama client misconfigured: %w", domain.ErrProviderUnavailable)
	}

	payload := map[string]any{
		"model":  c.model,
		"prompt": BuildPrompt(req),
		"stream": false,
		"format": "json",
	}

	var resp struct {
		Response string `json:"response"`
	}
	if err := postJSON(ctx, c.http, c.endpoint+"/api/generate", nil, payload, &resp); err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("ollama: %w", err)
	}

	return ParseArticle(resp.Response)
}
