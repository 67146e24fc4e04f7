package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"MailPress/internal/app"
	"MailPress/internal/config"
	"MailPress/internal/logging"
	"MailPress/internal/usecase"
)

type cli struct {
	cfgFile string
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	rt := &cli{}
	root := &cobra.Command{
		Use:   "mailpress",
		Short: "Publish press releases received by email to the newsroom CMS",
		Long: `mailpress turns messages delivered to a spool directory into CMS articles.

Example usage:
  mailpress serve                   # recover, then poll on schedule and serve /healthz and /metrics
  mailpress poll                    # run a single polling cycle
  mailpress retrigger <article-id>  # start a new attempt after a failed one
  mailpress migrate                 # apply the Postgres schema`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&rt.cfgFile, "config", "", "config file (default $MAILPRESS_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Recover interrupted work, then poll and serve HTTP until interrupted",
			Args:  cobra.NoArgs,
			RunE: rt.with(func(ctx context.Context, a *app.Application, _ []string) error {
				return a.Serve(ctx)
			}),
		},
		&cobra.Command{
			Use:   "poll",
			Short: "Run one polling cycle and exit",
			Args:  cobra.NoArgs,
			RunE: rt.with(func(ctx context.Context, a *app.Application, _ []string) error {
				report, err := a.Poll(ctx)
				rt.logReport("poll finished", report)
				return err
			}),
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Resume interrupted attempts and publish articles that never got one",
			Args:  cobra.NoArgs,
			RunE: rt.with(func(ctx context.Context, a *app.Application, _ []string) error {
				report, err := a.Recover(ctx)
				rt.logReport("recovery finished", report)
				return err
			}),
		},
		&cobra.Command{
			Use:   "retrigger <article-id>",
			Short: "Start a fresh publish attempt for an article whose last attempt failed",
			Args:  cobra.ExactArgs(1),
			RunE: rt.with(func(ctx context.Context, a *app.Application, args []string) error {
				attempt, err := a.Retrigger(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "attempt %s (#%d): %s %s\n", attempt.ID, attempt.Sequence, attempt.Outcome, attempt.CMSIdentifier)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the database schema",
			Args:  cobra.NoArgs,
			RunE: rt.with(func(ctx context.Context, a *app.Application, _ []string) error {
				return a.Migrate(ctx)
			}),
		},
	)
	return root
}

// with loads configuration, builds the application and cancels on SIGINT or SIGTERM.
func (rt *cli) with(fn func(ctx context.Context, a *app.Application, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg := config.Load(rt.cfgFile)
		rt.logger = logging.New(cfg.Logging.Level, cfg.Logging.Format)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		application, err := app.New(ctx, cfg, rt.logger)
		if err != nil {
			rt.logger.Error("startup failed", "error", err)
			return err
		}
		defer application.Close()

		if err := fn(ctx, application, args); err != nil {
			rt.logger.Error("command failed", "command", cmd.Name(), "error", err)
			return err
		}
		return nil
	}
}

func (rt *cli) logReport(msg string, r usecase.Report) {
	rt.logger.Info(msg,
		"fetched", r.Fetched,
		"admitted", r.Admitted,
		"rejected", r.Rejected,
		"published", r.Published,
		"failed", r.Failed,
		"abandoned", r.Abandoned,
		"resumed", r.Resumed,
		"reassembled", r.Reassembled,
		"redelivered", r.Redelivered,
		"busy", r.Busy,
	)
}
