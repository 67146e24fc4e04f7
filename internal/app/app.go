package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/generator"
	"MailPress/internal/infrastructure/cms"
	"MailPress/internal/infrastructure/email"
	"MailPress/internal/infrastructure/httpapi"
	"MailPress/internal/infrastructure/llm"
	"MailPress/internal/infrastructure/lock"
	"MailPress/internal/infrastructure/mailbox"
	"MailPress/internal/infrastructure/notify"
	"MailPress/internal/infrastructure/scheduler"
	"MailPress/internal/infrastructure/storage"
	"MailPress/internal/infrastructure/telegram"
	"MailPress/internal/logging"
	"MailPress/internal/ports"
	"MailPress/internal/retry"
	"MailPress/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	store     ports.Store
	migrator  interface{ Migrate(context.Context) error }
	orch      *usecase.Orchestrator
	scheduler *usecase.Scheduler
	server    *httpapi.Server
	closers   []func()
}

// New connects the record store and builds every collaborator named by the configuration.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{cfg: cfg, logger: baseLogger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gen, err := buildGenerator(cfg.Generation)
	if err != nil {
		a.Close()
		return nil, err
	}

	loc := cfg.Scheduler.Location()
	sessions := make([]ports.Browser, 0, cfg.Pipeline.CMSSessions)
	for i := 0; i < cfg.Pipeline.CMSSessions; i++ {
		driver, err := cms.NewDriver(cfg.CMS, loc, baseLogger.With("component", "cms", "session", i))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("cms session %d: %w", i, err)
		}
		sessions = append(sessions, driver)
	}

	retrier := retry.New(baseLogger.With("component", "retry"))
	dispatcher := usecase.NewDispatcher(a.store, buildNotifier(cfg.Notifications, loc, baseLogger), baseLogger.With("component", "dispatcher"))
	machine := usecase.NewMachine(a.store, usecase.NewBinder(baseLogger.With("component", "binder")), dispatcher, retrier, usecase.MachineConfig{
		Credentials: domain.Credentials{Username: cfg.CMS.Username, Password: cfg.CMS.Password},
		Sections:    cfg.CMS.Sections,
		Categories:  cfg.CMS.Categories,
		Source:      cfg.CMS.Source,
		Policies:    cfg.CMS.Stages.Policies(),
	}, baseLogger.With("component", "machine"))
	assembler := usecase.NewAssembler(gen, retrier, usecase.AssemblerConfig{
		Taxonomy:     cfg.Generation.Taxonomy,
		Instructions: cfg.Generation.Instructions,
		Retry:        cfg.Generation.Retry,
	}, baseLogger.With("component", "assembler"))

	a.orch = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Mailbox:    mailbox.NewSet(cfg.Accounts(), baseLogger.With("component", "mailbox")),
		Store:      a.store,
		Locker:     locker,
		Dedup:      usecase.NewDeduplicator(a.store, baseLogger.With("component", "dedup")),
		Assembler:  assembler,
		Machine:    machine,
		Dispatcher: dispatcher,
		Sessions:   usecase.NewSessionPool(sessions...),
		Logger:     baseLogger.With("component", "orchestrator"),
	}, usecase.OrchestratorConfig{
		Workers: cfg.Pipeline.Workers,
		LockTTL: cfg.Lock.TTL,
		Owner:   leaseOwner(),
	})

	a.scheduler = usecase.NewScheduler(
		scheduler.NewIntervalScheduler(cfg.Scheduler.Interval, loc),
		a.orch,
		baseLogger.With("component", "scheduler"),
	)
	a.server = httpapi.NewServer(cfg.HTTP.Addr, a.store, baseLogger.With("component", "http"))
	return a, nil
}

func (a *Application) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "memory":
		a.logger.Warn("using in-memory store; state is lost on exit")
		a.store = storage.NewMemoryStore()
		return nil
	case "postgres":
		pool, err := storage.OpenPool(ctx, a.cfg.Database.DSN)
		if err != nil {
			return err
		}
		pg := storage.NewPostgresStore(pool, a.logger.With("component", "storage"))
		a.store = pg
		a.migrator = pg
		a.closers = append(a.closers, pool.Close)
		return nil
	default:
		return fmt.Errorf("unknown database driver %q", a.cfg.Database.Driver)
	}
}

func (a *Application) openLocker(ctx context.Context) (ports.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return a.store, nil
	}
	rl := lock.NewRedisLocker(a.cfg.Lock.RedisAddr, a.cfg.Lock.RedisPassword, a.cfg.Lock.RedisDB, a.cfg.Lock.Prefix)
	if err := rl.Ping(ctx); err != nil {
		_ = rl.Close()
		return nil, fmt.Errorf("redis locker: %w", err)
	}
	a.closers = append(a.closers, func() { _ = rl.Close() })
	return rl, nil
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "mailpress"
	}
	return "mailpress@" + host
}

func buildGenerator(cfg config.GenerationConfig) (ports.Generator, error) {
	registry := generator.NewRegistry()
	registry.Register(llm.NewOpenAIClient(cfg.OpenAI))
	registry.Register(llm.NewAnthropicClient(cfg.Anthropic))
	registry.Register(llm.NewOllamaClient(cfg.Ollama))
	return registry.Resolve(cfg.Provider)
}

func buildNotifier(cfg config.NotificationConfig, loc *time.Location, logger *slog.Logger) ports.Notifier {
	var channels []notify.Channel
	if tg := telegram.NewNotifier(cfg.Telegram, loc); tg.Enabled() {
		channels = append(channels, notify.Channel{Name: "telegram", Notifier: tg})
	}
	if em := email.NewNotifier(cfg.Email, loc); em.Enabled() {
		channels = append(channels, notify.Channel{Name: "email", Notifier: em})
	}
	return notify.NewFanout(logger, channels...)
}

// Poll runs one polling cycle.
func (a *Application) Poll(ctx context.Context) (usecase.Report, error) {
	return a.orch.Poll(ctx)
}

// Recover resumes interrupted work left by a previous run.
func (a *Application) Recover(ctx context.Context) (usecase.Report, error) {
	return a.orch.Recover(ctx)
}

// Retrigger starts a fresh attempt for an article whose last attempt did not succeed.
func (a *Application) Retrigger(ctx context.Context, articleID string) (domain.PublishAttempt, error) {
	return a.orch.Retrigger(ctx, articleID)
}

// Migrate applies the database schema. The memory store has nothing to migrate.
func (a *Application) Migrate(ctx context.Context) error {
	if a.migrator == nil {
		a.logger.Info("store has no schema to migrate", "driver", a.cfg.Database.Driver)
		return nil
	}
	return a.migrator.Migrate(ctx)
}

// Serve recovers interrupted work, then polls on schedule and serves HTTP until ctx ends.
func (a *Application) Serve(ctx context.Context) error {
	if report, err := a.orch.Recover(ctx); err != nil {
		a.logger.Error("recovery failed", "error", err)
	} else {
		a.logger.Info("recovery finished", "resumed", report.Resumed, "reassembled", report.Reassembled, "redelivered", report.Redelivered, "published", report.Published, "failed", report.Failed)
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		err := a.server.Shutdown(shutdownCtx)
		if stopErr := a.scheduler.Stop(shutdownCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of acquisition.
func (a *Application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
