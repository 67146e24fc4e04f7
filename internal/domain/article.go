package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	MinParagraphs = 1
	MaxParagraphs = 3
)

// Taxonomy holds the fixed enumerations an article must belong to.
type Taxonomy struct {
	Classifications []string `yaml:"classifications"`
	Categories      []string `yaml:"categories"`
}

// DefaultTaxonomy mirrors the relevance tiers and topic categories of the newsroom CMS.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Classifications: []string{"Spotlight", "Apertura", "In Evidenza"},
		Categories: []string{
			"Scuola", "Sanità", "Economia", "Attualità", "Cultura",
			"Ambiente", "Moda", "Sociale", "Sport", "Territorio",
		},
	}
}

func (t Taxonomy) HasClassification(v string) bool { return slices.Contains(t.Classifications, v) }
func (t Taxonomy) HasCategory(v string) bool       { return slices.Contains(t.Categories, v) }

// GeneratedArticle is the structured payload returned by a generation provider.
type GeneratedArticle struct {
	Classification string   `json:"classification"`
	Category       string   `json:"category"`
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle"`
	Teaser         string   `json:"teaser"`
	Paragraphs     []string `json:"paragraphs"`
	Image          string   `json:"image,omitempty"`
}

// MediaRef points to a media item queued for the article gallery.
type MediaRef struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Path        string `json:"path"`
}

// Article is the canonical generated payload, bound 1:1 to a message.
type Article struct {
	ID             string
	MessageKey     string
	Classification string
	Category       string
	Title          string
	Subtitle       string
	Teaser         string
	Paragraphs     []string
	Media          []MediaRef
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Validate checks the article invariants against the taxonomy.
func (a Article) Validate(t Taxonomy) error {
	var problems []string

	if n := len(a.Paragraphs); n < MinParagraphs || n > MaxParagraphs {
		problems = append(problems, fmt.Sprintf("paragraph count %d outside [%d,%d]", n, MinParagraphs, MaxParagraphs))
	}
	if !t.HasClassification(a.Classification) {
		problems = append(problems, fmt.Sprintf("unknown classification %q", a.Classification))
	}
	if !t.HasCategory(a.Category) {
		problems = append(problems, fmt.Sprintf("unknown category %q", a.Category))
	}
	if strings.TrimSpace(a.Title) == "" {
		problems = append(problems, "empty title")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, strings.Join(problems, "; "))
	}
	return nil
}

// MediaIDs lists media identifiers in upload order.
func (a Article) MediaIDs() []string {
	ids := make([]string, 0, len(a.Media))
	for _, m := range a.Media {
		ids = append(ids, m.ID)
	}
	return ids
}
