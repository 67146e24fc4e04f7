package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"MailPress/internal/ports"
)

// Poller runs one intake cycle.
type Poller interface {
	Poll(ctx context.Context) (Report, error)
}

// Scheduler wires the interval driver with the polling use case.
type Scheduler struct {
	driver ports.Scheduler
	poller Poller
	logger *slog.Logger

	// running guards against overlapping cycles when a poll outlasts the interval.
	running sync.Mutex
}

// NewScheduler returns a helper to start/stop recurring polls.
func NewScheduler(driver ports.Scheduler, poller Poller, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, poller: poller, logger: logger.With("component", "scheduler")}
}

// Start registers the poll cycle with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.poller == nil {
		return nil
	}
	return s.driver.Start(ctx, func(trigger time.Time) { s.tick(ctx, trigger) })
}

func (s *Scheduler) tick(ctx context.Context, trigger time.Time) {
	if !s.running.TryLock() {
		s.logger.Warn("previous poll still running, skipping tick", "trigger", trigger)
		return
	}
	defer s.running.Unlock()

	if _, err := s.poller.Poll(ctx); err != nil {
		s.logger.Error("poll cycle failed", "trigger", trigger, "error", err)
	}
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
