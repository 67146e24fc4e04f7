package generator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

type namedGenerator string

func (n namedGenerator) Name() string { return string(n) }

func (n namedGenerator) Generate(context.Context, ports.GenerationRequest) (domain.GeneratedArticle, error) {
	return domain.GeneratedArticle{Title: string(n)}, nil
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(namedGenerator("openai"))
	r.Register(namedGenerator("ollama"))

	got, err := r.Resolve("ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", got.Name())
	assert.Equal(t, []string{"ollama", "openai"}, r.Names())

	_, err = r.Resolve("anthropic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"anthropic" is not registered`)
}
