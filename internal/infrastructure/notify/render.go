// Package notify renders pipeline events and fans them out to the configured channels.
package notify

import (
	"fmt"
	"strings"
	"time"

	"MailPress/internal/domain"
)

// Message is a channel-neutral rendering of an event.
type Message struct {
	Subject string
	Text    string
}

// Render formats the event for humans, with timestamps in loc.
func Render(event domain.Event, loc *time.Location) Message {
	if loc == nil {
		loc = time.UTC
	}
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	var b strings.Builder
	var subject string
	switch event.Kind {
	case domain.EventPublished:
		subject = "Articolo pubblicato: " + orNA(event.Title)
		b.WriteString("ARTICOLO PUBBLICATO\n\n")
		fmt.Fprintf(&b, "Titolo: %s\n", orNA(event.Title))
		fmt.Fprintf(&b, "Categoria: %s\n", orNA(event.Category))
		fmt.Fprintf(&b, "ID CMS: %s\n", orNA(event.CMSIdentifier))
		fmt.Fprintf(&b, "Foto caricate: %d\n", event.MediaUploaded)
	case domain.EventPublishFailed:
		subject = fmt.Sprintf("Pubblicazione %s: %s", outcomeLabel(event.Outcome), orNA(event.Title))
		fmt.Fprintf(&b, "PUBBLICAZIONE %s\n\n", strings.ToUpper(outcomeLabel(event.Outcome)))
		fmt.Fprintf(&b, "Titolo: %s\n", orNA(event.Title))
		fmt.Fprintf(&b, "Articolo: %s\n", orNA(event.ArticleID))
		fmt.Fprintf(&b, "Tentativo: %s\n", orNA(event.AttemptID))
		if event.CMSIdentifier != "" {
			fmt.Fprintf(&b, "ID CMS: %s\n", event.CMSIdentifier)
		}
		fmt.Fprintf(&b, "Errore: %s\n", orNA(event.Detail))
	default:
		subject = "Comunicato non elaborato: " + orNA(event.Subject)
		b.WriteString("COMUNICATO NON ELABORATO\n\n")
		fmt.Fprintf(&b, "Errore: %s\n", orNA(event.Detail))
	}

	b.WriteString("\nEmail originale:\n")
	fmt.Fprintf(&b, "  Da: %s\n", orNA(event.Sender))
	fmt.Fprintf(&b, "  Oggetto: %s\n", orNA(event.Subject))
	fmt.Fprintf(&b, "\nData: %s\n", at.In(loc).Format("02/01/2006 15:04:05"))

	return Message{Subject: subject, Text: b.String()}
}

func outcomeLabel(outcome domain.Outcome) string {
	if outcome == domain.OutcomeAbandoned {
		return "abbandonata"
	}
	return "fallita"
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}
