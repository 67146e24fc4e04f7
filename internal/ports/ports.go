package ports

import (
	"context"
	"time"

	"MailPress/internal/domain"
)

// Mailbox yields raw inbound messages, oldest first.
type Mailbox interface {
	Fetch(ctx context.Context) ([]domain.RawMessage, error)
	// Ack removes a message from the inbox once the store has recorded a decision about it.
	Ack(ctx context.Context, msg domain.RawMessage) error
}

// GenerationRequest carries message content and provider settings.
type GenerationRequest struct {
	Sender       string
	Subject      string
	Body         string
	Instructions string
	Taxonomy     domain.Taxonomy
}

// Generator turns message content into structured article fields.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (domain.GeneratedArticle, error)
}

// Browser exposes the automation primitives of a single authenticated CMS session.
type Browser interface {
	Authenticate(ctx context.Context, creds domain.Credentials) error
	Navigate(ctx context.Context, endpoint string) error
	FillForm(ctx context.Context, form domain.ArticleForm) error
	Submit(ctx context.Context) error
	ReadListingFragments(ctx context.Context) ([]string, error)
	InvokeAction(ctx context.Context, identifier string, kind domain.ActionKind) error
	UploadMedia(ctx context.Context, identifier string, items []domain.MediaItem) error
}

// Notifier pushes events to outbound channels.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// MessageStore records inbound messages keyed by dedup key.
type MessageStore interface {
	// AdmitMessage atomically inserts the message if absent and claims it (new -> processing).
	AdmitMessage(ctx context.Context, msg domain.Message) (domain.Admission, error)
	UpdateMessageStatus(ctx context.Context, key string, status domain.MessageStatus, detail string) error
	GetMessage(ctx context.Context, key string) (domain.Message, error)
	// ListStrandedMessages returns messages left in processing without an article.
	ListStrandedMessages(ctx context.Context) ([]domain.Message, error)
}

// ArticleStore persists generated articles.
type ArticleStore interface {
	SaveArticle(ctx context.Context, article domain.Article) error
	GetArticle(ctx context.Context, id string) (domain.Article, error)
	// ListUnattemptedArticles returns saved articles that never got a publish attempt.
	ListUnattemptedArticles(ctx context.Context) ([]domain.Article, error)
}

// AttemptStore persists the append-only publish attempt history.
type AttemptStore interface {
	// CreateAttempt appends the next attempt; fails with ErrAttemptOpen if one is non-terminal.
	CreateAttempt(ctx context.Context, articleID string) (domain.PublishAttempt, error)
	// SaveAttempt persists a checkpoint; fails with ErrAttemptTerminal once stored terminal.
	SaveAttempt(ctx context.Context, attempt domain.PublishAttempt) error
	LatestAttempt(ctx context.Context, articleID string) (domain.PublishAttempt, error)
	ListOpenAttempts(ctx context.Context) ([]domain.PublishAttempt, error)
}

// DispatchStore keeps notification idempotency keys and undelivered payloads.
type DispatchStore interface {
	// BeginDispatch records the event and returns false when its key was already delivered.
	BeginDispatch(ctx context.Context, event domain.Event) (bool, error)
	CompleteDispatch(ctx context.Context, key string) error
	// ListPendingDispatches returns undelivered events registered no later than before.
	ListPendingDispatches(ctx context.Context, before time.Time) ([]domain.Event, error)
}

// Locker guards the at-most-one-running-attempt invariant per article.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Store is the single source of truth shared by all workers.
type Store interface {
	MessageStore
	ArticleStore
	AttemptStore
	DispatchStore
	Locker
}

// Scheduler controls when polling cycles execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
