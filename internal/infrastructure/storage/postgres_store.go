package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var attemptColumns = []string{
	"id", "article_id", "sequence", "stage", "cms_identifier", "stage_times",
	"outcome", "failed_stage", "last_error", "prior_snapshot", "snapshot_taken",
	"submit_issued", "uploaded_media", "created_at", "updated_at",
}

var articleColumns = []string{
	"id", "message_key", "classification", "category", "title", "subtitle",
	"teaser", "paragraphs", "media", "metadata", "created_at",
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists messages, articles, attempts, locks and dispatch keys in Postgres.
type PostgresStore struct {
	db     DB
	logger *slog.Logger
}

var _ ports.Store = (*PostgresStore)(nil)

// OpenPool connects to Postgres and verifies connectivity.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresStore wires a pgx connection pool.
func NewPostgresStore(db DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// AdmitMessage inserts the message if its dedup key is unseen and claims it,
// all inside one transaction. The unique key serializes concurrent admissions.
func (s *PostgresStore) AdmitMessage(ctx context.Context, msg domain.Message) (domain.Admission, error) {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("marshal attachments: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("begin admit: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Serializes admissions of equal content so both cannot miss each other.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, contentScope(msg)); err != nil {
		return domain.Admission{}, fmt.Errorf("lock content %s: %w", msg.ContentHash, err)
	}

	query, args, err := psql.Insert("messages").
		Columns("dedup_key", "external_id", "content_hash", "mailbox", "sender", "subject",
			"body", "attachments", "received_at", "arrived_at", "status").
		Values(msg.DedupKey, msg.ExternalID, msg.ContentHash, msg.Mailbox, msg.Sender, msg.Subject,
			msg.Body, attachments, nullTime(msg.ReceivedAt), msg.ArrivedAt, string(domain.MessageNew)).
		Suffix("ON CONFLICT (dedup_key) DO NOTHING").
		ToSql()
	if err != nil {
		return domain.Admission{}, fmt.Errorf("build insert message: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("insert message: %w", err)
	}

	if tag.RowsAffected() == 1 {
		first, err := s.firstWithContent(ctx, tx, msg)
		if err != nil {
			return domain.Admission{}, err
		}
		if first != "" {
			msg.Status = domain.MessageSkippedDuplicate
			msg.Detail = "same content as " + first
			if err := setMessageStatus(ctx, tx, msg.DedupKey, msg.Status, msg.Detail, domain.MessageNew); err != nil {
				return domain.Admission{}, err
			}
			if err := tx.Commit(ctx); err != nil {
				return domain.Admission{}, fmt.Errorf("commit admit: %w", err)
			}
			committed = true
			return domain.Admission{Reason: domain.RejectDuplicateContent, Message: msg}, nil
		}
	}

	query, args, err = psql.Update("messages").
		Set("status", string(domain.MessageProcessing)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"dedup_key": msg.DedupKey, "status": string(domain.MessageNew)}).
		ToSql()
	if err != nil {
		return domain.Admission{}, fmt.Errorf("build claim message: %w", err)
	}
	tag, err = tx.Exec(ctx, query, args...)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("claim message: %w", err)
	}

	admission := domain.Admission{Message: msg}
	if tag.RowsAffected() == 1 {
		admission.Admitted = true
		admission.Message.Status = domain.MessageProcessing
	} else {
		admission.Reason = domain.RejectDuplicate
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM messages WHERE dedup_key = $1`, msg.DedupKey).Scan(&status); err != nil {
			return domain.Admission{}, fmt.Errorf("read message status: %w", err)
		}
		admission.Message.Status = domain.MessageStatus(status)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Admission{}, fmt.Errorf("commit admit: %w", err)
	}
	committed = true
	return admission, nil
}

func (s *PostgresStore) firstWithContent(ctx context.Context, tx pgx.Tx, msg domain.Message) (string, error) {
	query, args, err := psql.Select("dedup_key").
		From("messages").
		Where(sq.Eq{"content_hash": msg.ContentHash}).
		Where(sq.Eq{"mailbox": msg.Mailbox}).
		Where(sq.NotEq{"dedup_key": msg.DedupKey}).
		OrderBy("arrived_at").
		Limit(1).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("build content lookup: %w", err)
	}

	var first string
	err = tx.QueryRow(ctx, query, args...).Scan(&first)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("content lookup: %w", err)
	}
	return first, nil
}

// UpdateMessageStatus moves a message forward; regressions are refused.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, key string, status domain.MessageStatus, detail string) error {
	var from []string
	for _, candidate := range []domain.MessageStatus{domain.MessageNew, domain.MessageProcessing} {
		if candidate.CanTransition(status) {
			from = append(from, string(candidate))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("message %s: status %s is not reachable", key, status)
	}

	query, args, err := psql.Update("messages").
		Set("status", string(status)).
		Set("detail", detail).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"dedup_key": key, "status": from}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update message: %w", err)
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: not found or cannot move to %s", key, status)
	}
	return nil
}

func setMessageStatus(ctx context.Context, tx pgx.Tx, key string, status domain.MessageStatus, detail string, from domain.MessageStatus) error {
	query, args, err := psql.Update("messages").
		Set("status", string(status)).
		Set("detail", detail).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"dedup_key": key, "status": string(from)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update message: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update message %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, key string) (domain.Message, error) {
	query, args, err := psql.Select("dedup_key", "external_id", "content_hash", "mailbox", "sender",
		"subject", "body", "attachments", "received_at", "arrived_at", "status", "detail", "updated_at").
		From("messages").
		Where(sq.Eq{"dedup_key": key}).
		ToSql()
	if err != nil {
		return domain.Message{}, fmt.Errorf("build get message: %w", err)
	}

	var (
		msg         domain.Message
		attachments []byte
		receivedAt  *time.Time
		status      string
	)
	err = s.db.QueryRow(ctx, query, args...).Scan(&msg.DedupKey, &msg.ExternalID, &msg.ContentHash,
		&msg.Mailbox, &msg.Sender, &msg.Subject, &msg.Body, &attachments, &receivedAt, &msg.ArrivedAt,
		&status, &msg.Detail, &msg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("get message %s: %w", key, err)
	}

	msg.Status = domain.MessageStatus(status)
	if receivedAt != nil {
		msg.ReceivedAt = *receivedAt
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return msg, nil
}

// ListStrandedMessages returns claimed messages that never got an article, oldest first.
func (s *PostgresStore) ListStrandedMessages(ctx context.Context) ([]domain.Message, error) {
	query, args, err := psql.Select("m.dedup_key").
		From("messages m").
		Where(sq.Eq{"m.status": string(domain.MessageProcessing)}).
		Where("NOT EXISTS (SELECT 1 FROM articles a WHERE a.message_key = m.dedup_key)").
		OrderBy("m.arrived_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list stranded: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stranded: %w", err)
	}
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stranded: %w", err)
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}

	out := make([]domain.Message, 0, len(keys))
	for _, key := range keys {
		msg, err := s.GetMessage(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *PostgresStore) SaveArticle(ctx context.Context, article domain.Article) error {
	media, err := json.Marshal(article.Media)
	if err != nil {
		return fmt.Errorf("marshal media: %w", err)
	}
	metadata, err := json.Marshal(article.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query, args, err := psql.Insert("articles").
		Columns(articleColumns...).
		Values(article.ID, article.MessageKey, article.Classification, article.Category, article.Title,
			article.Subtitle, article.Teaser, article.Paragraphs, media, metadata, article.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert article: %w", err)
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("message %s already has an article: %w", article.MessageKey, domain.ErrDuplicateWork)
		}
		return fmt.Errorf("insert article for %s: %w", article.MessageKey, err)
	}
	return nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, id string) (domain.Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.Article{}, fmt.Errorf("build get article: %w", err)
	}

	article, err := scanArticle(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, fmt.Errorf("article %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Article{}, fmt.Errorf("get article %s: %w", id, err)
	}
	return article, nil
}

func (s *PostgresStore) ListUnattemptedArticles(ctx context.Context) ([]domain.Article, error) {
	query, args, err := psql.Select(articleColumns...).
		From("articles a").
		Where("NOT EXISTS (SELECT 1 FROM publish_attempts p WHERE p.article_id = a.id)").
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list articles: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}
	defer rows.Close()

	var out []domain.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		out = append(out, article)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// CreateAttempt appends the next attempt of an article while holding the article row lock.
func (s *PostgresStore) CreateAttempt(ctx context.Context, articleID string) (domain.PublishAttempt, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("begin create attempt: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM articles WHERE id = $1 FOR UPDATE`, articleID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("lock article %s: %w", articleID, err)
	}

	var maxSeq, open int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0), COUNT(*) FILTER (WHERE outcome = '')
		 FROM publish_attempts WHERE article_id = $1`, articleID).Scan(&maxSeq, &open)
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("read attempt history: %w", err)
	}
	if open > 0 {
		return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, domain.ErrAttemptOpen)
	}

	attempt := domain.NewAttempt(uuid.NewString(), articleID, maxSeq+1, time.Now().UTC())
	stageTimes, err := json.Marshal(attempt.StageTimes)
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("marshal stage times: %w", err)
	}

	query, args, err := psql.Insert("publish_attempts").
		Columns("id", "article_id", "sequence", "stage", "stage_index", "stage_times", "created_at", "updated_at").
		Values(attempt.ID, attempt.ArticleID, attempt.Sequence, string(attempt.Stage), attempt.Stage.Index(),
			stageTimes, attempt.CreatedAt, attempt.UpdatedAt).
		ToSql()
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("build insert attempt: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, domain.ErrAttemptOpen)
		}
		return domain.PublishAttempt{}, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("commit create attempt: %w", err)
	}
	committed = true

	s.logger.Debug("publish attempt created", "article_id", articleID, "attempt_id", attempt.ID, "sequence", attempt.Sequence)
	return attempt, nil
}

// SaveAttempt writes a checkpoint. Terminal rows and stage regressions are refused.
func (s *PostgresStore) SaveAttempt(ctx context.Context, attempt domain.PublishAttempt) error {
	stageTimes, err := json.Marshal(attempt.StageTimes)
	if err != nil {
		return fmt.Errorf("marshal stage times: %w", err)
	}

	var snapshot any
	if attempt.SnapshotTaken {
		snapshot = nonNil(attempt.PriorSnapshot)
	}

	query, args, err := psql.Update("publish_attempts").
		Set("stage", string(attempt.Stage)).
		Set("stage_index", attempt.Stage.Index()).
		Set("cms_identifier", attempt.CMSIdentifier).
		Set("stage_times", stageTimes).
		Set("outcome", string(attempt.Outcome)).
		Set("failed_stage", string(attempt.FailedStage)).
		Set("last_error", attempt.LastError).
		Set("prior_snapshot", snapshot).
		Set("snapshot_taken", attempt.SnapshotTaken).
		Set("submit_issued", attempt.SubmitIssued).
		Set("uploaded_media", nonNil(attempt.UploadedMedia)).
		Set("updated_at", attempt.UpdatedAt).
		Where(sq.Eq{"id": attempt.ID, "outcome": ""}).
		Where(sq.LtOrEq{"stage_index": attempt.Stage.Index()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save attempt: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save attempt %s: %w", attempt.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attempt %s: %w", attempt.ID, domain.ErrAttemptTerminal)
	}
	return nil
}

func (s *PostgresStore) LatestAttempt(ctx context.Context, articleID string) (domain.PublishAttempt, error) {
	query, args, err := psql.Select(attemptColumns...).
		From("publish_attempts").
		Where(sq.Eq{"article_id": articleID}).
		OrderBy("sequence DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("build latest attempt: %w", err)
	}

	attempt, err := scanAttempt(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PublishAttempt{}, fmt.Errorf("attempts for %s: %w", articleID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("latest attempt %s: %w", articleID, err)
	}
	return attempt, nil
}

func (s *PostgresStore) ListOpenAttempts(ctx context.Context) ([]domain.PublishAttempt, error) {
	query, args, err := psql.Select(attemptColumns...).
		From("publish_attempts").
		Where(sq.Eq{"outcome": ""}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build open attempts: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("open attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.PublishAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// BeginDispatch registers the event under its dispatch key; it returns false once the key was delivered.
func (s *PostgresStore) BeginDispatch(ctx context.Context, event domain.Event) (bool, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("marshal event %s: %w", event.DispatchKey, err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO notification_dispatches (dispatch_key, payload) VALUES ($1, $2)
		 ON CONFLICT (dispatch_key) DO UPDATE SET tries = notification_dispatches.tries + 1, payload = EXCLUDED.payload
		 WHERE notification_dispatches.status <> 'sent'`, event.DispatchKey, payload)
	if err != nil {
		return false, fmt.Errorf("begin dispatch %s: %w", event.DispatchKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteDispatch(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE notification_dispatches SET status = 'sent', sent_at = NOW() WHERE dispatch_key = $1`, key)
	if err != nil {
		return fmt.Errorf("complete dispatch %s: %w", key, err)
	}
	return nil
}

// ListPendingDispatches returns undelivered events registered no later than before, oldest first.
func (s *PostgresStore) ListPendingDispatches(ctx context.Context, before time.Time) ([]domain.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT payload FROM notification_dispatches
		 WHERE status = 'pending' AND created_at <= $1 AND payload <> '{}'::jsonb
		 ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("list pending dispatches: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		var event domain.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode dispatch: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Acquire takes or renews the lease row for key. Expired leases of other owners are taken over.
func (s *PostgresStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO publish_locks (lock_key, owner, expires_at) VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		 ON CONFLICT (lock_key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE publish_locks.owner = EXCLUDED.owner OR publish_locks.expires_at < NOW()`,
		key, owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM publish_locks WHERE lock_key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func scanArticle(row pgx.Row) (domain.Article, error) {
	var (
		article  domain.Article
		media    []byte
		metadata []byte
	)
	err := row.Scan(&article.ID, &article.MessageKey, &article.Classification, &article.Category,
		&article.Title, &article.Subtitle, &article.Teaser, &article.Paragraphs, &media, &metadata,
		&article.CreatedAt)
	if err != nil {
		return domain.Article{}, err
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &article.Media); err != nil {
			return domain.Article{}, fmt.Errorf("decode media: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &article.Metadata); err != nil {
			return domain.Article{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return article, nil
}

func scanAttempt(row pgx.Row) (domain.PublishAttempt, error) {
	var (
		attempt     domain.PublishAttempt
		stage       string
		outcome     string
		failedStage string
		stageTimes  []byte
	)
	err := row.Scan(&attempt.ID, &attempt.ArticleID, &attempt.Sequence, &stage, &attempt.CMSIdentifier,
		&stageTimes, &outcome, &failedStage, &attempt.LastError, &attempt.PriorSnapshot,
		&attempt.SnapshotTaken, &attempt.SubmitIssued, &attempt.UploadedMedia, &attempt.CreatedAt,
		&attempt.UpdatedAt)
	if err != nil {
		return domain.PublishAttempt{}, err
	}

	attempt.Stage = domain.Stage(stage)
	attempt.Outcome = domain.Outcome(outcome)
	attempt.FailedStage = domain.Stage(failedStage)
	if len(stageTimes) > 0 {
		if err := json.Unmarshal(stageTimes, &attempt.StageTimes); err != nil {
			return domain.PublishAttempt{}, fmt.Errorf("decode stage times: %w", err)
		}
	}
	return attempt, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
