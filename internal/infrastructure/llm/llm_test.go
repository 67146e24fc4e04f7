package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

const articleJSON = `{"classification":"Spotlight","category":"Sport","title":"Derby","subtitle":"Sub","teaser":"Tease","paragraphs":["One","Two"]}`

func request() ports.GenerationRequest {
	return ports.GenerationRequest{
		Sender:       "press@club.example",
		Subject:      "Derby result",
		Body:         "The derby ended 2-1.",
		Instructions: "Readers are local.",
		Taxonomy:     domain.DefaultTaxonomy(),
	}
}

func TestBuildPromptListsTaxonomy(t *testing.T) {
	t.Parallel()

	prompt := BuildPrompt(request())
	assert.Contains(t, prompt, "Spotlight | Apertura | In Evidenza")
	assert.Contains(t, prompt, "Sport")
	assert.Contains(t, prompt, "between 1 and 3 paragraphs")
	assert.Contains(t, prompt, "Readers are local.")
	assert.Contains(t, prompt, "The derby ended 2-1.")
}

func TestParseArticleStripsFences(t *testing.T) {
	t.Parallel()

	article, err := ParseArticle("```json\n" + articleJSON + "\n```")
	require.NoError(t, err)
	assert.Equal(t, "Derby", article.Title)
	assert.Equal(t, []string{"One", "Two"}, article.Paragraphs)

	article, err = ParseArticle("Here you go: " + articleJSON + " enjoy")
	require.NoError(t, err)
	assert.Equal(t, "Sport", article.Category)

	_, err = ParseArticle("no json at all")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOpenAIGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": articleJSON}}},
		})
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.OpenAIConfig{Endpoint: srv.URL, Model: "gpt-4o", APIKey: "key"})
	article, err := client.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "Spotlight", article.Classification)
}

func TestOpenAIClassifiesStatus(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", int(status.Load()))
	}))
	defer srv.Close()

	client := NewOpenAIClient(config.OpenAIConfig{Endpoint: srv.URL, Model: "gpt-4o", APIKey: "key"})
	_, err := client.Generate(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.True(t, domain.IsTransient(err))

	status.Store(http.StatusUnauthorized)
	_, err = client.Generate(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.False(t, domain.IsTransient(err))
}

func TestOpenAIMisconfigured(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAIClient(config.OpenAIConfig{}).Generate(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestAnthropicGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "```json\n" + articleJSON + "\n```"}},
		})
	}))
	defer srv.Close()

	client := NewAnthropicClient(config.AnthropicConfig{Endpoint: srv.URL, Model: "claude", APIKey: "key", Version: "2023-06-01"})
	article, err := client.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "Derby", article.Title)
}

func TestOllamaGenerate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/api/generate"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["stream"])
		_ = json.NewEncoder(w).Encode(map[string]string{"response": articleJSON})
	}))
	defer srv.Close()

	client := NewOllamaClient(config.OllamaConfig{Endpoint: srv.URL + "/", Model: "llama3.1"})
	article, err := client.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "Sub", article.Subtitle)
}
