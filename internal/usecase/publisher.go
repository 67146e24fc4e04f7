package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/metrics"
	"MailPress/internal/ports"
	"MailPress/internal/retry"
)

// errCheckpoint marks a stage whose work succeeded but whose checkpoint could not be stored.
// The attempt stays open and is resumed by recovery.
var errCheckpoint = errors.New("checkpoint not persisted")

// MachineConfig maps articles onto the CMS and bounds every stage.
type MachineConfig struct {
	Credentials domain.Credentials
	// Sections maps a classification tag to its section endpoint.
	Sections map[string]string
	// Categories maps a topic category to the CMS option value.
	Categories map[string]string
	Source     string
	Policies   map[domain.Stage]retry.Policy
}

// Machine drives one publish attempt through the ordered stages against a CMS session.
type Machine struct {
	attempts   ports.AttemptStore
	binder     *Binder
	dispatcher *Dispatcher
	retrier    *retry.Retrier
	cfg        MachineConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewMachine wires the attempt store and stage collaborators.
func NewMachine(attempts ports.AttemptStore, binder *Binder, dispatcher *Dispatcher, retrier *retry.Retrier, cfg MachineConfig, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = retry.New(logger)
	}
	if binder == nil {
		binder = NewBinder(logger)
	}
	return &Machine{
		attempts:   attempts,
		binder:     binder,
		dispatcher: dispatcher,
		retrier:    retrier,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// session tracks what the browser currently holds so resumed stages can re-establish it.
type session struct {
	browser       ports.Browser
	authenticated bool
	endpoint      string
}

// Run advances attempt from its last checkpoint until it is terminal.
//
// Cancellation is observed only between stages. Once the form was submitted,
// a cancelled run still binds the identifier before it abandons the attempt.
// A terminal failure returns the terminal attempt together with its cause.
func (m *Machine) Run(ctx context.Context, browser ports.Browser, article domain.Article, attempt domain.PublishAttempt) (domain.PublishAttempt, error) {
	if attempt.Terminal() {
		return attempt, fmt.Errorf("run attempt %s: %w", attempt.ID, domain.ErrAttemptTerminal)
	}

	logger := m.logger.With("article_id", article.ID, "attempt_id", attempt.ID, "sequence", attempt.Sequence)
	if attempt.Stage != domain.StageCreated {
		logger.Info("resuming publish attempt", "stage", attempt.Stage)
	}
	sess := &session{browser: browser}

	for !attempt.Terminal() {
		next, ok := attempt.Stage.Next()
		if !ok {
			return attempt, fmt.Errorf("attempt %s: no stage after %s", attempt.ID, attempt.Stage)
		}

		cancelled := ctx.Err() != nil
		if cancelled && next != domain.StageIdentifierBound {
			return m.finish(ctx, logger, &attempt, domain.OutcomeAbandoned, next,
				fmt.Errorf("cancelled before %s: %w", next, ctx.Err()))
		}

		if err := m.advance(ctx, logger, sess, article, &attempt, next); err != nil {
			if errors.Is(err, errCheckpoint) {
				return attempt, err
			}
			outcome, cause := classifyStageError(next, err)
			return m.finish(ctx, logger, &attempt, outcome, next, cause)
		}

		if cancelled {
			pending, _ := attempt.Stage.Next()
			return m.finish(ctx, logger, &attempt, domain.OutcomeAbandoned, pending,
				fmt.Errorf("cancelled after binding %s: %w", attempt.CMSIdentifier, ctx.Err()))
		}
	}

	metrics.RecordAttempt(string(domain.OutcomeSuccess), string(attempt.Stage))
	logger.Info("publish attempt completed", "cms_identifier", attempt.CMSIdentifier, "media", len(attempt.UploadedMedia))
	return attempt, nil
}

// classifyStageError decides the terminal outcome of a stage that gave up.
// Exhausted budgets abandon, except binding: a submitted but unbound entry is a failure.
func classifyStageError(stage domain.Stage, err error) (domain.Outcome, error) {
	if stage == domain.StageIdentifierBound {
		if !errors.Is(err, domain.ErrAmbiguousBinding) {
			err = fmt.Errorf("%w: %w", domain.ErrAmbiguousBinding, err)
		}
		return domain.OutcomeFailed, err
	}
	if errors.Is(err, domain.ErrRetryBudgetExhausted) {
		return domain.OutcomeAbandoned, err
	}
	return domain.OutcomeFailed, err
}

func retryableAt(stage domain.Stage) retry.Classifier {
	if stage == domain.StageAuthenticating {
		return func(err error) bool {
			return !errors.Is(err, domain.ErrAuthentication) && domain.IsTransient(err)
		}
	}
	return domain.IsTransient
}

func (m *Machine) policy(stage domain.Stage) retry.Policy {
	if p, ok := m.cfg.Policies[stage]; ok {
		return p
	}
	return retry.Policy{MaxAttempts: 1}
}

// advance runs one stage under its policy and persists the checkpoint.
// Stage work ignores caller cancellation; only the stage timeout bounds it.
func (m *Machine) advance(ctx context.Context, logger *slog.Logger, sess *session, article domain.Article, attempt *domain.PublishAttempt, stage domain.Stage) error {
	work := context.WithoutCancel(ctx)
	started := m.now()

	tries, err := m.retrier.Do(work, string(stage), m.policy(stage), retryableAt(stage), func(tryCtx context.Context, _ int) error {
		err := m.execute(tryCtx, sess, article, attempt, stage)
		if err != nil {
			sess.endpoint = ""
		}
		return err
	})
	metrics.RecordStage(string(stage), tries, m.now().Sub(started).Seconds())

	if err != nil && stage == domain.StageCompleted {
		// The article is live; a silent channel must not undo that.
		logger.Error("notification not delivered", "stage", stage, "tries", tries, "error", err)
		err = nil
	}
	if err != nil {
		return err
	}

	if err := attempt.Checkpoint(stage, m.now().UTC()); err != nil {
		return err
	}
	if err := m.attempts.SaveAttempt(work, *attempt); err != nil {
		return fmt.Errorf("%w: %s: %w", errCheckpoint, stage, err)
	}

	logger.Info("stage completed", "stage", stage, "tries", tries)
	return nil
}

func (m *Machine) execute(ctx context.Context, sess *session, article domain.Article, attempt *domain.PublishAttempt, stage domain.Stage) error {
	switch stage {
	case domain.StageAuthenticating:
		return m.authenticate(ctx, sess)

	case domain.StageSectionSelected:
		endpoint, err := m.section(article)
		if err != nil {
			return err
		}
		return m.open(ctx, sess, endpoint)

	case domain.StageFormSubmitted:
		return m.submit(ctx, sess, article, attempt)

	case domain.StageIdentifierBound:
		endpoint, err := m.section(article)
		if err != nil {
			return err
		}
		if err := m.authenticate(ctx, sess); err != nil {
			return err
		}
		id, err := m.binder.Bind(ctx, sess.browser, endpoint, *attempt)
		if err != nil {
			return err
		}
		sess.endpoint = endpoint
		attempt.CMSIdentifier = id
		return nil

	case domain.StageApproved:
		return m.approve(ctx, sess, article, attempt.CMSIdentifier)

	case domain.StageGalleryUploaded:
		return m.upload(ctx, sess, article, attempt)

	case domain.StageCompleted:
		if m.dispatcher == nil {
			return nil
		}
		return m.dispatcher.Dispatch(ctx, publishedEvent(article, *attempt, m.now().UTC()))
	}

	return fmt.Errorf("unknown stage %s", stage)
}

func (m *Machine) authenticate(ctx context.Context, sess *session) error {
	if sess.authenticated {
		return nil
	}
	if err := sess.browser.Authenticate(ctx, m.cfg.Credentials); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	sess.authenticated = true
	return nil
}

func (m *Machine) open(ctx context.Context, sess *session, endpoint string) error {
	if err := m.authenticate(ctx, sess); err != nil {
		return err
	}
	if sess.endpoint == endpoint {
		return nil
	}
	if err := sess.browser.Navigate(ctx, endpoint); err != nil {
		return fmt.Errorf("navigate %s: %w", endpoint, err)
	}
	sess.endpoint = endpoint
	return nil
}

func (m *Machine) section(article domain.Article) (string, error) {
	endpoint, ok := m.cfg.Sections[article.Classification]
	if !ok || endpoint == "" {
		return "", fmt.Errorf("%w: no section mapped for classification %q", domain.ErrValidation, article.Classification)
	}
	return endpoint, nil
}

func (m *Machine) form(article domain.Article) (domain.ArticleForm, error) {
	value, ok := m.cfg.Categories[article.Category]
	if !ok || value == "" {
		return domain.ArticleForm{}, fmt.Errorf("%w: no CMS value mapped for category %q", domain.ErrValidation, article.Category)
	}
	return domain.ArticleForm{
		Title:         article.Title,
		Subtitle:      article.Subtitle,
		Teaser:        article.Teaser,
		Paragraphs:    article.Paragraphs,
		CategoryValue: value,
		Source:        m.cfg.Source,
		PublishedAt:   m.now(),
	}, nil
}

// submit snapshots the listing, persists the snapshot and submits the form.
// When an earlier try already issued the submit and the listing grew since,
// the earlier submit is taken as landed and nothing is sent again.
func (m *Machine) submit(ctx context.Context, sess *session, article domain.Article, attempt *domain.PublishAttempt) error {
	endpoint, err := m.section(article)
	if err != nil {
		return err
	}
	form, err := m.form(article)
	if err != nil {
		return err
	}
	if err := m.authenticate(ctx, sess); err != nil {
		return err
	}

	current, err := m.binder.Snapshot(ctx, sess.browser, endpoint)
	if err != nil {
		return err
	}
	sess.endpoint = endpoint

	if attempt.SubmitIssued && attempt.SnapshotTaken {
		_, err := SelectIdentifier(attempt.PriorSnapshot, current, true)
		if err == nil || errors.Is(err, domain.ErrAmbiguousBinding) {
			m.logger.Info("earlier submission landed", "attempt_id", attempt.ID, "listed", len(current))
			return nil
		}
	}

	// A baseline an issued submission was made against stays, so a late landing still diffs against it.
	if !attempt.SubmitIssued || !attempt.SnapshotTaken {
		attempt.PriorSnapshot = current
		attempt.SnapshotTaken = true
		attempt.UpdatedAt = m.now().UTC()
		if err := m.attempts.SaveAttempt(ctx, *attempt); err != nil {
			return fmt.Errorf("persist listing snapshot: %w: %v", domain.ErrTransientIO, err)
		}
	}

	sess.endpoint = ""
	if err := sess.browser.FillForm(ctx, form); err != nil {
		return fmt.Errorf("fill form: %w", err)
	}

	// Only a submission that is about to be sent may later count as landed.
	issued := attempt.SubmitIssued
	attempt.SubmitIssued = true
	attempt.UpdatedAt = m.now().UTC()
	if err := m.attempts.SaveAttempt(ctx, *attempt); err != nil {
		attempt.SubmitIssued = issued
		return fmt.Errorf("persist submit marker: %w: %v", domain.ErrTransientIO, err)
	}
	if err := sess.browser.Submit(ctx); err != nil {
		return fmt.Errorf("submit form: %w", err)
	}
	return nil
}

// approve invokes the approval and visibility actions. Actions already applied count as done.
func (m *Machine) approve(ctx context.Context, sess *session, article domain.Article, id string) error {
	endpoint, err := m.section(article)
	if err != nil {
		return err
	}
	if err := m.open(ctx, sess, endpoint); err != nil {
		return err
	}

	for _, kind := range []domain.ActionKind{domain.ActionApprove, domain.ActionShow} {
		err := sess.browser.InvokeAction(ctx, id, kind)
		if errors.Is(err, domain.ErrAlreadyApplied) {
			m.logger.Debug("action already applied", "cms_identifier", id, "action", kind)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", kind, id, err)
		}
	}
	return nil
}

// upload sends gallery items one by one, skipping items a previous try confirmed.
func (m *Machine) upload(ctx context.Context, sess *session, article domain.Article, attempt *domain.PublishAttempt) error {
	if len(article.Media) == 0 {
		return nil
	}
	endpoint, err := m.section(article)
	if err != nil {
		return err
	}
	if err := m.open(ctx, sess, endpoint); err != nil {
		return err
	}

	for _, ref := range article.Media {
		if attempt.HasUploaded(ref.ID) {
			continue
		}
		item := domain.MediaItem{ID: ref.ID, Filename: ref.Filename, ContentType: ref.ContentType, Path: ref.Path}
		if err := sess.browser.UploadMedia(ctx, attempt.CMSIdentifier, []domain.MediaItem{item}); err != nil {
			return fmt.Errorf("upload %s: %w", ref.ID, err)
		}

		attempt.MarkUploaded(ref.ID)
		attempt.UpdatedAt = m.now().UTC()
		if err := m.attempts.SaveAttempt(ctx, *attempt); err != nil {
			return fmt.Errorf("persist upload of %s: %w: %v", ref.ID, domain.ErrTransientIO, err)
		}
	}
	return nil
}

func (m *Machine) finish(ctx context.Context, logger *slog.Logger, attempt *domain.PublishAttempt, outcome domain.Outcome, stage domain.Stage, cause error) (domain.PublishAttempt, error) {
	attempt.Finish(outcome, stage, cause.Error(), m.now().UTC())
	metrics.RecordAttempt(string(outcome), string(stage))

	if stage == domain.StageIdentifierBound || (attempt.Unconfirmed() && !errors.Is(cause, domain.ErrValidation)) {
		logger.Error("submitted but unconfirmed",
			"stage", stage,
			"outcome", outcome,
			"prior_snapshot", len(attempt.PriorSnapshot),
			"error", cause)
	} else {
		logger.Error("publish attempt ended", "stage", stage, "outcome", outcome, "error", cause)
	}

	if err := m.attempts.SaveAttempt(context.WithoutCancel(ctx), *attempt); err != nil {
		return *attempt, fmt.Errorf("%w: terminal state of %s: %w", errCheckpoint, attempt.ID, err)
	}
	return *attempt, cause
}
