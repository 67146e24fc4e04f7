package domain

import "time"

// Credentials authenticate an automation session against the CMS.
type Credentials struct {
	Username string
	Password string
}

// ArticleForm carries the semantic form values written into the CMS editor.
type ArticleForm struct {
	Title         string
	Subtitle      string
	Teaser        string
	Paragraphs    []string
	CategoryValue string
	Source        string
	PublishedAt   time.Time
}

// ActionKind names an action invoked against a bound CMS record.
type ActionKind string

const (
	ActionApprove ActionKind = "approve"
	ActionShow    ActionKind = "show"
)

// MediaItem is a single gallery upload.
type MediaItem struct {
	ID          string
	Filename    string
	ContentType string
	Path        string
}
