package domain

import "time"

// EventKind distinguishes notification events.
type EventKind string

const (
	EventPublished      EventKind = "published"
	EventPublishFailed  EventKind = "publish_failed"
	EventAssemblyFailed EventKind = "assembly_failed"
)

// Event is pushed to notification channels.
type Event struct {
	Kind          EventKind
	DispatchKey   string
	MessageKey    string
	ArticleID     string
	AttemptID     string
	Title         string
	Category      string
	CMSIdentifier string
	MediaUploaded int
	Sender        string
	Subject       string
	Outcome       Outcome
	Detail        string
	OccurredAt    time.Time
}
