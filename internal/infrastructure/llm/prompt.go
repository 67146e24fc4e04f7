package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// BuildPrompt renders the article request sent to every provider.
func BuildPrompt(req ports.GenerationRequest) string {
	var b strings.Builder

	b.WriteString("Turn the content of this email into a well structured news article.\n\n")
	b.WriteString("EMAIL\n")
	fmt.Fprintf(&b, "- Sender: %s\n", req.Sender)
	fmt.Fprintf(&b, "- Subject: %s\n\n", req.Subject)
	b.WriteString("CONTENT\n")
	b.WriteString(strings.TrimSpace(req.Body))
	b.WriteString("\n\n")

	b.WriteString("RULES\n")
	fmt.Fprintf(&b, "1. \"classification\" must be one of: %s.\n", strings.Join(req.Taxonomy.Classifications, " | "))
	fmt.Fprintf(&b, "2. \"category\" must be one of: %s.\n", strings.Join(req.Taxonomy.Categories, " | "))
	fmt.Fprintf(&b, "3. \"paragraphs\" holds between %d and %d paragraphs.\n", domain.MinParagraphs, domain.MaxParagraphs)
	b.WriteString("4. \"teaser\" is a short introductory line of at most ten words.\n")
	b.WriteString("5. Keep an objective journalistic style and use every fact from the email.\n")

	if extra := strings.TrimSpace(req.Instructions); extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}

	b.WriteString("\nReturn ONLY a JSON object with this shape and nothing before or after it:\n")
	b.WriteString(`{"classification": "", "category": "", "title": "", "subtitle": "", "teaser": "", "paragraphs": [""], "image": ""}`)
	b.WriteString("\n")
	return b.String()
}

// ParseArticle decodes a provider reply into the structured article fields.
// Replies wrapped in markdown code fences or surrounded by prose are unwrapped first.
func ParseArticle(reply string) (domain.GeneratedArticle, error) {
	cleaned := stripFences(reply)
	if start, end := strings.Index(cleaned, "{"), strings.LastIndex(cleaned, "}"); start >= 0 && end > start {
		cleaned = cleaned[start : end+1]
	}
	if cleaned == "" {
		return domain.GeneratedArticle{}, fmt.Errorf("%w: empty provider reply", domain.ErrInvalidPayload)
	}

	var article domain.GeneratedArticle
	if err := json.Unmarshal([]byte(cleaned), &article); err != nil {
		return domain.GeneratedArticle{}, fmt.Errorf("%w: decode article json: %v", domain.ErrInvalidPayload, err)
	}
	return article, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		// drop the language tag
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
