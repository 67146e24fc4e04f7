package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// contentScope keys the content duplicate check. The same content in two mailboxes is two units of work.
func contentScope(msg domain.Message) string {
	return msg.Mailbox + "|" + msg.ContentHash
}

// MemoryStore keeps all records in process memory.
// It serves dry runs and tests; state does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	messages map[string]domain.Message
	hashes   map[string]string
	articles map[string]domain.Article
	byMsg    map[string]string
	attempts map[string][]domain.PublishAttempt
	dispatch map[string]dispatchRecord
	leases   map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		messages: map[string]domain.Message{},
		hashes:   map[string]string{},
		articles: map[string]domain.Article{},
		byMsg:    map[string]string{},
		attempts: map[string][]domain.PublishAttempt{},
		dispatch: map[string]dispatchRecord{},
		leases:   map[string]lease{},
	}
}

// AdmitMessage inserts the message when unseen and claims it for processing.
func (s *MemoryStore) AdmitMessage(_ context.Context, msg domain.Message) (domain.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.messages[msg.DedupKey]
	if !ok {
		msg.Status = domain.MessageNew
		msg.UpdatedAt = now
		scope := contentScope(msg)
		if first, dup := s.hashes[scope]; dup && first != msg.DedupKey {
			msg.Status = domain.MessageSkippedDuplicate
			msg.Detail = "same content as " + first
			s.messages[msg.DedupKey] = msg
			return domain.Admission{Reason: domain.RejectDuplicateContent, Message: msg}, nil
		}
		s.hashes[scope] = msg.DedupKey
		existing = msg
	}

	if existing.Status != domain.MessageNew {
		return domain.Admission{Reason: domain.RejectDuplicate, Message: existing}, nil
	}

	existing.Status = domain.MessageProcessing
	existing.UpdatedAt = now
	s.messages[msg.DedupKey] = existing
	return domain.Admission{Admitted: true, Message: existing}, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, key string, status domain.MessageStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[key]
	if !ok {
		return fmt.Errorf("message %s: %w", key, domain.ErrNotFound)
	}
	if !msg.Status.CanTransition(status) {
		return fmt.Errorf("message %s: cannot move from %s to %s", key, msg.Status, status)
	}
	msg.Status = status
	msg.Detail = detail
	msg.UpdatedAt = s.now()
	s.messages[key] = msg
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, key string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[key]
	if !ok {
		return domain.Message{}, fmt.Errorf("message %s: %w", key, domain.ErrNotFound)
	}
	return msg, nil
}

// ListStrandedMessages returns claimed messages that never got an article, oldest first.
func (s *MemoryStore) ListStrandedMessages(_ context.Context) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Message
	for key, msg := range s.messages {
		if msg.Status != domain.MessageProcessing {
			continue
		}
		if _, ok := s.byMsg[key]; ok {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivedAt.Before(out[j].ArrivedAt) })
	return out, nil
}

func (s *MemoryStore) SaveArticle(_ context.Context, article domain.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byMsg[article.MessageKey]; ok && id != article.ID {
		return fmt.Errorf("message %s already has article %s: %w", article.MessageKey, id, domain.ErrDuplicateWork)
	}
	s.articles[article.ID] = cloneArticle(article)
	s.byMsg[article.MessageKey] = article.ID
	return nil
}

func (s *MemoryStore) GetArticle(_ context.Context, id string) (domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	article, ok := s.articles[id]
	if !ok {
		return domain.Article{}, fmt.Errorf("article %s: %w", id, domain.ErrNotFound)
	}
	return cloneArticle(article), nil
}

func (s *MemoryStore) ListUnattemptedArticles(_ context.Context) ([]domain.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Article
	for id, article := range s.articles {
		if len(s.attempts[id]) == 0 {
			out = append(out, cloneArticle(article))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, articleID string) (domain.PublishAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.articles[articleID]; !ok {
		return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, domain.ErrNotFound)
	}
	history := s.attempts[articleID]
	if n := len(history); n > 0 && !history[n-1].Terminal() {
		return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, domain.ErrAttemptOpen)
	}

	attempt := domain.NewAttempt(uuid.NewString(), articleID, len(history)+1, s.now())
	s.attempts[articleID] = append(history, cloneAttempt(attempt))
	return attempt, nil
}

func (s *MemoryStore) SaveAttempt(_ context.Context, attempt domain.PublishAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.attempts[attempt.ArticleID]
	for i := range history {
		if history[i].ID != attempt.ID {
			continue
		}
		if history[i].Terminal() {
			return fmt.Errorf("attempt %s: %w", attempt.ID, domain.ErrAttemptTerminal)
		}
		if attempt.Stage.Index() < history[i].Stage.Index() {
			return fmt.Errorf("attempt %s: stage %s would regress from %s", attempt.ID, attempt.Stage, history[i].Stage)
		}
		history[i] = cloneAttempt(attempt)
		return nil
	}
	return fmt.Errorf("attempt %s: %w", attempt.ID, domain.ErrNotFound)
}

func (s *MemoryStore) LatestAttempt(_ context.Context, articleID string) (domain.PublishAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.attempts[articleID]
	if len(history) == 0 {
		return domain.PublishAttempt{}, fmt.Errorf("attempts for %s: %w", articleID, domain.ErrNotFound)
	}
	return cloneAttempt(history[len(history)-1]), nil
}

func (s *MemoryStore) ListOpenAttempts(_ context.Context) ([]domain.PublishAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.PublishAttempt
	for _, history := range s.attempts {
		if n := len(history); n > 0 && !history[n-1].Terminal() {
			out = append(out, cloneAttempt(history[n-1]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type dispatchRecord struct {
	event   domain.Event
	sent    bool
	created time.Time
}

func (s *MemoryStore) BeginDispatch(_ context.Context, event domain.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dispatch[event.DispatchKey]
	if ok && rec.sent {
		return false, nil
	}
	if !ok {
		rec.created = s.now()
	}
	rec.event = event
	s.dispatch[event.DispatchKey] = rec
	return true, nil
}

func (s *MemoryStore) CompleteDispatch(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.dispatch[key]
	rec.sent = true
	s.dispatch[key] = rec
	return nil
}

// ListPendingDispatches returns undelivered events registered no later than before, oldest first.
func (s *MemoryStore) ListPendingDispatches(_ context.Context, before time.Time) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []dispatchRecord
	for _, rec := range s.dispatch {
		if !rec.sent && !rec.created.After(before) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].created.Before(recs[j].created) })

	out := make([]domain.Event, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.event)
	}
	return out, nil
}

func (s *MemoryStore) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.leases[key]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	s.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[key]; ok && l.owner == owner {
		delete(s.leases, key)
	}
	return nil
}

func cloneArticle(a domain.Article) domain.Article {
	a.Paragraphs = slices.Clone(a.Paragraphs)
	a.Media = slices.Clone(a.Media)
	a.Metadata = maps.Clone(a.Metadata)
	return a
}

func cloneAttempt(a domain.PublishAttempt) domain.PublishAttempt {
	a.StageTimes = maps.Clone(a.StageTimes)
	a.PriorSnapshot = slices.Clone(a.PriorSnapshot)
	a.UploadedMedia = slices.Clone(a.UploadedMedia)
	return a
}
