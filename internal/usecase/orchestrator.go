package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/metrics"
	"MailPress/internal/ports"
)

// ErrArticleBusy reports that another worker holds the publish lease of an article.
var ErrArticleBusy = errors.New("article is being published by another worker")

var (
	errLeaseHeld = errors.New("lease held by another worker")
	errSettled   = errors.New("message already settled")
)

// OrchestratorDeps wires all driven adapters and use cases into the pipeline.
type OrchestratorDeps struct {
	Mailbox    ports.Mailbox
	Store      ports.Store
	Locker     ports.Locker
	Dedup      *Deduplicator
	Assembler  *Assembler
	Machine    *Machine
	Dispatcher *Dispatcher
	Sessions   *SessionPool
	Logger     *slog.Logger
}

// OrchestratorConfig bounds concurrency and publish leases.
type OrchestratorConfig struct {
	Workers int
	LockTTL time.Duration
	// Owner prefixes lease owner ids so operators can tell processes apart.
	Owner string
}

// Report tallies what one poll or recovery pass did.
type Report struct {
	Fetched   int
	Admitted  int
	Rejected  int
	Published int
	Failed    int
	Abandoned int
	Resumed   int
	// Reassembled counts claimed messages whose assembly was interrupted and ran again.
	Reassembled int
	// Redelivered counts notifications sent late by a recovery sweep.
	Redelivered int
	Busy        int
}

type tally struct {
	mu sync.Mutex
	r  Report
}

func (t *tally) add(fn func(r *Report)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.r)
}

func (t *tally) report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r
}

// Orchestrator sequences intake, assembly, publishing and notification per message.
type Orchestrator struct {
	mailbox    ports.Mailbox
	store      ports.Store
	locker     ports.Locker
	dedup      *Deduplicator
	assembler  *Assembler
	machine    *Machine
	dispatcher *Dispatcher
	sessions   *SessionPool
	cfg        OrchestratorConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator constructs the orchestration component.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = deps.Store
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Owner == "" {
		cfg.Owner = "mailpress"
	}
	return &Orchestrator{
		mailbox:    deps.Mailbox,
		store:      deps.Store,
		locker:     locker,
		dedup:      deps.Dedup,
		assembler:  deps.Assembler,
		machine:    deps.Machine,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Poll runs one polling cycle: fetch, admit in arrival order, process admitted
// messages on the bounded worker pool and wait for them.
func (o *Orchestrator) Poll(ctx context.Context) (Report, error) {
	var t tally
	if o.mailbox == nil {
		return t.report(), nil
	}

	raws, err := o.mailbox.Fetch(ctx)
	if err != nil {
		return t.report(), fmt.Errorf("fetch mailbox: %w", err)
	}
	sort.SliceStable(raws, func(i, j int) bool { return raws[i].ReceivedAt.Before(raws[j].ReceivedAt) })
	t.add(func(r *Report) { r.Fetched = len(raws) })

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, raw := range raws {
		if ctx.Err() != nil {
			break
		}
		admission, err := o.dedup.Admit(ctx, raw)
		if err != nil {
			o.logger.Error("admission failed", "transport_id", raw.TransportID, "error", err)
			continue
		}
		if err := o.mailbox.Ack(ctx, raw); err != nil {
			o.logger.Warn("mailbox ack failed", "transport_id", raw.TransportID, "error", err)
		}
		if !admission.Admitted {
			t.add(func(r *Report) { r.Rejected++ })
			continue
		}
		t.add(func(r *Report) { r.Admitted++ })

		msg := admission.Message
		g.Go(func() error {
			o.process(ctx, msg, &t)
			return nil
		})
	}
	_ = g.Wait()

	report := t.report()
	o.logger.Info("poll finished",
		"fetched", report.Fetched,
		"admitted", report.Admitted,
		"rejected", report.Rejected,
		"published", report.Published,
		"failed", report.Failed,
		"abandoned", report.Abandoned)
	return report, nil
}

// Recover resumes attempts left open by a crash, publishes articles that never got an attempt
// and assembles claimed messages whose assembly was interrupted. Notifications still pending
// from before the pass are sent again at the end.
func (o *Orchestrator) Recover(ctx context.Context) (Report, error) {
	var t tally
	cutoff := o.now()

	open, err := o.store.ListOpenAttempts(ctx)
	if err != nil {
		return t.report(), fmt.Errorf("list open attempts: %w", err)
	}
	unattempted, err := o.store.ListUnattemptedArticles(ctx)
	if err != nil {
		return t.report(), fmt.Errorf("list unattempted articles: %w", err)
	}
	stranded, err := o.store.ListStrandedMessages(ctx)
	if err != nil {
		return t.report(), fmt.Errorf("list stranded messages: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, attempt := range open {
		g.Go(func() error {
			o.resume(ctx, attempt, &t)
			return nil
		})
	}
	for _, article := range unattempted {
		g.Go(func() error {
			metrics.WorkersBusy.Inc()
			defer metrics.WorkersBusy.Dec()
			result, err := o.publish(ctx, article)
			o.count(&t, result, err)
			return nil
		})
	}
	for _, msg := range stranded {
		g.Go(func() error {
			if o.process(ctx, msg, &t) {
				t.add(func(r *Report) { r.Reassembled++ })
			}
			return nil
		})
	}
	_ = g.Wait()

	if o.dispatcher != nil {
		sent, err := o.dispatcher.Redeliver(ctx, cutoff)
		if err != nil {
			o.logger.Warn("pending notifications not delivered", "error", err)
		}
		t.add(func(r *Report) { r.Redelivered = sent })
	}

	report := t.report()
	o.logger.Info("recovery finished",
		"open_attempts", len(open),
		"unattempted", len(unattempted),
		"stranded", len(stranded),
		"resumed", report.Resumed,
		"reassembled", report.Reassembled,
		"redelivered", report.Redelivered,
		"busy", report.Busy,
		"published", report.Published,
		"failed", report.Failed,
		"abandoned", report.Abandoned)
	return report, nil
}

// Retrigger starts a fresh attempt for an article whose latest attempt ended without success.
func (o *Orchestrator) Retrigger(ctx context.Context, articleID string) (domain.PublishAttempt, error) {
	latest, err := o.store.LatestAttempt(ctx, articleID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.PublishAttempt{}, fmt.Errorf("retrigger %s: %w", articleID, err)
	case !latest.Terminal():
		return domain.PublishAttempt{}, fmt.Errorf("retrigger %s: %w", articleID, domain.ErrAttemptOpen)
	case latest.Outcome == domain.OutcomeSuccess:
		return domain.PublishAttempt{}, fmt.Errorf("retrigger %s: already published as %s: %w", articleID, latest.CMSIdentifier, domain.ErrDuplicateWork)
	}

	article, err := o.store.GetArticle(ctx, articleID)
	if err != nil {
		return domain.PublishAttempt{}, fmt.Errorf("retrigger %s: %w", articleID, err)
	}

	o.logger.Info("retriggering publish", "article_id", articleID, "previous_outcome", latest.Outcome)
	return o.publish(ctx, article)
}

// process assembles a claimed message under its lease, then publishes the article.
// It reports whether assembly ran. An interrupted assembly leaves the message
// in processing for Recover.
func (o *Orchestrator) process(ctx context.Context, msg domain.Message, t *tally) bool {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	logger := o.logger.With("message_key", msg.DedupKey)

	var article domain.Article
	err := o.hold(ctx, "message:"+msg.DedupKey, func() error {
		current, err := o.store.GetMessage(ctx, msg.DedupKey)
		if err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
		if current.Status != domain.MessageProcessing {
			return errSettled
		}
		if article, err = o.assembler.Assemble(ctx, current); err != nil {
			return err
		}
		if err := o.store.SaveArticle(ctx, article); err != nil {
			return fmt.Errorf("save article: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errLeaseHeld):
		logger.Info("message is being assembled elsewhere")
		t.add(func(r *Report) { r.Busy++ })
		return false
	case errors.Is(err, errSettled), errors.Is(err, domain.ErrDuplicateWork):
		logger.Debug("message already assembled", "error", err)
		return false
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logger.Info("assembly interrupted; message left for recovery", "error", err)
		return false
	case err != nil:
		o.failMessage(ctx, msg, err)
		t.add(func(r *Report) { r.Failed++ })
		return true
	}
	logger.Debug("article saved", "article_id", article.ID)

	result, err := o.publish(ctx, article)
	o.count(t, result, err)
	return true
}

func (o *Orchestrator) count(t *tally, attempt domain.PublishAttempt, err error) {
	t.add(func(r *Report) {
		switch {
		case errors.Is(err, ErrArticleBusy):
			r.Busy++
		case attempt.Outcome == domain.OutcomeSuccess:
			r.Published++
		case attempt.Outcome == domain.OutcomeAbandoned:
			r.Abandoned++
		case attempt.Outcome == domain.OutcomeFailed:
			r.Failed++
		}
	})
}

func (o *Orchestrator) failMessage(ctx context.Context, msg domain.Message, cause error) {
	ctx = context.WithoutCancel(ctx)
	o.logger.Error("message processing failed", "message_key", msg.DedupKey, "error", cause)

	if err := o.store.UpdateMessageStatus(ctx, msg.DedupKey, domain.MessageFailed, cause.Error()); err != nil {
		o.logger.Error("mark message failed", "message_key", msg.DedupKey, "error", err)
	}
	if o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Dispatch(ctx, assemblyFailedEvent(msg, cause, o.now().UTC())); err != nil {
		o.logger.Error("failure notification not delivered", "message_key", msg.DedupKey, "error", err)
	}
}

// publish creates the next attempt of article and runs it while holding the article lease.
func (o *Orchestrator) publish(ctx context.Context, article domain.Article) (domain.PublishAttempt, error) {
	return o.withLease(ctx, article.ID, func() (domain.PublishAttempt, error) {
		attempt, err := o.store.CreateAttempt(ctx, article.ID)
		if err != nil {
			o.logger.Warn("publish attempt not created", "article_id", article.ID, "error", err)
			return domain.PublishAttempt{}, fmt.Errorf("create attempt for %s: %w", article.ID, err)
		}
		return o.run(ctx, article, attempt)
	})
}

func (o *Orchestrator) resume(ctx context.Context, attempt domain.PublishAttempt, t *tally) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	article, err := o.store.GetArticle(ctx, attempt.ArticleID)
	if err != nil {
		o.logger.Error("resume: load article", "attempt_id", attempt.ID, "error", err)
		return
	}

	result, err := o.withLease(ctx, article.ID, func() (domain.PublishAttempt, error) {
		// The lease may have been held by the worker that just finished this attempt.
		latest, err := o.store.LatestAttempt(ctx, article.ID)
		if err != nil {
			return domain.PublishAttempt{}, fmt.Errorf("reload attempt: %w", err)
		}
		if latest.ID != attempt.ID || latest.Terminal() {
			return latest, nil
		}
		t.add(func(r *Report) { r.Resumed++ })
		return o.run(ctx, article, latest)
	})
	if errors.Is(err, ErrArticleBusy) {
		o.logger.Info("attempt is running elsewhere", "attempt_id", attempt.ID, "article_id", article.ID)
	}
	o.count(t, result, err)
}

// run executes the state machine on a pooled CMS session and settles the message status.
func (o *Orchestrator) run(ctx context.Context, article domain.Article, attempt domain.PublishAttempt) (domain.PublishAttempt, error) {
	browser, release, err := o.sessions.Acquire(ctx)
	if err != nil {
		return attempt, err
	}
	defer release()

	result, runErr := o.machine.Run(ctx, browser, article, attempt)
	if result.Terminal() && !errors.Is(runErr, errCheckpoint) {
		o.settle(ctx, article, result)
	}
	return result, runErr
}

func (o *Orchestrator) settle(ctx context.Context, article domain.Article, attempt domain.PublishAttempt) {
	ctx = context.WithoutCancel(ctx)

	status, detail := domain.MessageDone, "published as "+attempt.CMSIdentifier
	if attempt.Outcome != domain.OutcomeSuccess {
		status, detail = domain.MessageFailed, string(attempt.Outcome)+" at "+string(attempt.FailedStage)+": "+attempt.LastError
	}
	if err := o.store.UpdateMessageStatus(ctx, article.MessageKey, status, detail); err != nil {
		// Retriggered attempts find the message already settled.
		o.logger.Debug("message status kept", "message_key", article.MessageKey, "error", err)
	}

	if attempt.Outcome == domain.OutcomeSuccess || o.dispatcher == nil {
		return
	}
	if err := o.dispatcher.Dispatch(ctx, attemptFailedEvent(article, attempt, o.now().UTC())); err != nil {
		o.logger.Error("failure notification not delivered", "attempt_id", attempt.ID, "error", err)
	}
}

// withLease runs fn while holding the article lease.
func (o *Orchestrator) withLease(ctx context.Context, articleID string, fn func() (domain.PublishAttempt, error)) (domain.PublishAttempt, error) {
	var result domain.PublishAttempt
	err := o.hold(ctx, "article:"+articleID, func() error {
		var err error
		result, err = fn()
		return err
	})
	if errors.Is(err, errLeaseHeld) {
		return domain.PublishAttempt{}, fmt.Errorf("article %s: %w", articleID, ErrArticleBusy)
	}
	return result, err
}

// hold runs fn while holding the lease on key and renews it in the background.
func (o *Orchestrator) hold(ctx context.Context, key string, fn func() error) error {
	owner := o.cfg.Owner + "/" + uuid.NewString()

	ok, err := o.locker.Acquire(ctx, key, owner, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", key, errLeaseHeld)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.renewLease(ctx, key, owner, stop)
	}()

	defer func() {
		close(stop)
		wg.Wait()
		if err := o.locker.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			o.logger.Warn("release lease", "key", key, "error", err)
		}
	}()

	return fn()
}

func (o *Orchestrator) renewLease(ctx context.Context, key, owner string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.LockTTL / 3)
	defer ticker.Stop()

	renewCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := o.locker.Acquire(renewCtx, key, owner, o.cfg.LockTTL)
			if err != nil || !ok {
				o.logger.Warn("lease renewal failed", "key", key, "owner", owner, "renewed", ok, "error", err)
			}
		}
	}
}
