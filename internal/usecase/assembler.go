package usecase

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/metrics"
	"MailPress/internal/ports"
	"MailPress/internal/retry"
)

// AssemblerConfig carries the generation settings shared by every message.
type AssemblerConfig struct {
	Taxonomy     domain.Taxonomy
	Instructions string
	Retry        retry.Policy
}

// Assembler turns an admitted message into a validated article.
type Assembler struct {
	generator ports.Generator
	retrier   *retry.Retrier
	cfg       AssemblerConfig
	strict    *bluemonday.Policy
	body      *bluemonday.Policy
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewAssembler wires the configured generation provider.
func NewAssembler(generator ports.Generator, retrier *retry.Retrier, cfg AssemblerConfig, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = retry.New(logger)
	}
	return &Assembler{
		generator: generator,
		retrier:   retrier,
		cfg:       cfg,
		strict:    bluemonday.StrictPolicy(),
		body:      bluemonday.UGCPolicy(),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Assemble generates, normalizes and validates the article for msg.
// Malformed payloads fail with domain.ErrInvalidPayload and are never retried.
// Transient provider failures are retried, then reported as domain.ErrProviderUnavailable.
func (a *Assembler) Assemble(ctx context.Context, msg domain.Message) (domain.Article, error) {
	if a.generator == nil {
		return domain.Article{}, fmt.Errorf("assemble %s: no generator: %w", msg.DedupKey, domain.ErrProviderUnavailable)
	}
	provider := a.generator.Name()

	req := ports.GenerationRequest{
		Sender:       msg.Sender,
		Subject:      msg.Subject,
		Body:         msg.Body,
		Instructions: a.cfg.Instructions,
		Taxonomy:     a.cfg.Taxonomy,
	}

	var generated domain.GeneratedArticle
	tries, err := a.retrier.Do(ctx, "generate", a.cfg.Retry, domain.IsTransient, func(ctx context.Context, _ int) error {
		out, err := a.generator.Generate(ctx, req)
		if err != nil {
			return err
		}
		generated = out
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPayload):
			metrics.RecordAssembly(provider, "invalid_payload")
			return domain.Article{}, fmt.Errorf("assemble %s: %w", msg.DedupKey, err)
		case errors.Is(err, context.Canceled):
			return domain.Article{}, fmt.Errorf("assemble %s: %w", msg.DedupKey, err)
		case errors.Is(err, domain.ErrProviderUnavailable):
			metrics.RecordAssembly(provider, "provider_unavailable")
			return domain.Article{}, fmt.Errorf("assemble %s: %w", msg.DedupKey, err)
		default:
			metrics.RecordAssembly(provider, "provider_unavailable")
			return domain.Article{}, fmt.Errorf("assemble %s after %d tries: %w: %w", msg.DedupKey, tries, domain.ErrProviderUnavailable, err)
		}
	}

	// The count is judged on the payload as produced; blank paragraphs still count.
	if n := len(generated.Paragraphs); n < domain.MinParagraphs || n > domain.MaxParagraphs {
		metrics.RecordAssembly(provider, "invalid_payload")
		a.logger.Warn("generated article rejected", "message_key", msg.DedupKey, "provider", provider, "paragraphs", n)
		return domain.Article{}, fmt.Errorf("assemble %s: %w: paragraph count %d outside [%d,%d]",
			msg.DedupKey, domain.ErrInvalidPayload, n, domain.MinParagraphs, domain.MaxParagraphs)
	}

	article := a.normalize(msg, generated, provider)
	if err := article.Validate(a.cfg.Taxonomy); err != nil {
		metrics.RecordAssembly(provider, "invalid_payload")
		a.logger.Warn("generated article rejected", "message_key", msg.DedupKey, "provider", provider, "error", err)
		return domain.Article{}, fmt.Errorf("assemble %s: %w", msg.DedupKey, err)
	}

	metrics.RecordAssembly(provider, "ok")
	a.logger.Info("article assembled",
		"message_key", msg.DedupKey,
		"article_id", article.ID,
		"provider", provider,
		"category", article.Category,
		"paragraphs", len(article.Paragraphs),
		"media", len(article.Media),
		"tries", tries)
	return article, nil
}

func (a *Assembler) normalize(msg domain.Message, g domain.GeneratedArticle, provider string) domain.Article {
	now := a.now().UTC()

	paragraphs := make([]string, 0, len(g.Paragraphs))
	for _, p := range g.Paragraphs {
		if p = strings.TrimSpace(a.body.Sanitize(p)); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var media []domain.MediaRef
	var attachments []string
	for _, att := range msg.Attachments {
		attachments = append(attachments, att.Filename)
		if !att.IsImage() {
			continue
		}
		media = append(media, domain.MediaRef{
			ID:          fmt.Sprintf("%02d-%s", len(media)+1, att.Filename),
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Path:        att.Path,
		})
	}

	metadata := map[string]string{
		"source":       msg.Sender,
		"subject":      msg.Subject,
		"message_key":  msg.DedupKey,
		"generated_at": now.Format(time.RFC3339),
		"provider":     provider,
	}
	if len(attachments) > 0 {
		metadata["attachments"] = strings.Join(attachments, ",")
	}
	if img := a.plain(g.Image); img != "" {
		metadata["image_hint"] = img
	}

	return domain.Article{
		ID:             a.newID(),
		MessageKey:     msg.DedupKey,
		Classification: canonical(a.plain(g.Classification), a.cfg.Taxonomy.Classifications),
		Category:       canonical(a.plain(g.Category), a.cfg.Taxonomy.Categories),
		Title:          a.plain(g.Title),
		Subtitle:       a.plain(g.Subtitle),
		Teaser:         a.plain(g.Teaser),
		Paragraphs:     paragraphs,
		Media:          media,
		Metadata:       metadata,
		CreatedAt:      now,
	}
}

// plain strips markup from single-line fields.
func (a *Assembler) plain(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(a.strict.Sanitize(s))), " ")
}

// canonical maps a case-insensitive match onto the enumeration's spelling.
// Unknown values pass through unchanged so validation rejects them.
func canonical(value string, allowed []string) string {
	for _, v := range allowed {
		if strings.EqualFold(v, value) {
			return v
		}
	}
	return value
}
