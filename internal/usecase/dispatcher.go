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
)

// Dispatcher delivers notification events at most once per dispatch key,
// as long as the notifier reports success.
type Dispatcher struct {
	store    ports.DispatchStore
	notifier ports.Notifier
	logger   *slog.Logger
}

// NewDispatcher wires the dispatch key store and the outbound notifier. A nil notifier drops events.
func NewDispatcher(store ports.DispatchStore, notifier ports.Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, notifier: notifier, logger: logger}
}

// DispatchKey derives the idempotency key of an event about subject (attempt id or message key).
func DispatchKey(subject string, kind domain.EventKind) string {
	return subject + ":" + string(kind)
}

// Dispatch sends event unless its key was already delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	if event.DispatchKey == "" {
		return fmt.Errorf("dispatch %s: empty dispatch key", event.Kind)
	}

	send, err := d.store.BeginDispatch(ctx, event)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", event.DispatchKey, err)
	}
	if !send {
		metrics.RecordNotification(string(event.Kind), "skipped")
		d.logger.Debug("notification already delivered", "dispatch_key", event.DispatchKey)
		return nil
	}

	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, event); err != nil {
			metrics.RecordNotification(string(event.Kind), "failed")
			return fmt.Errorf("notify %s: %w", event.DispatchKey, err)
		}
	}

	if err := d.store.CompleteDispatch(ctx, event.DispatchKey); err != nil {
		return fmt.Errorf("complete dispatch %s: %w", event.DispatchKey, err)
	}
	metrics.RecordNotification(string(event.Kind), "sent")
	d.logger.Info("notification sent", "dispatch_key", event.DispatchKey, "kind", event.Kind)
	return nil
}

// Redeliver resends events that were registered before cutoff and never delivered.
// It returns how many went out.
func (d *Dispatcher) Redeliver(ctx context.Context, cutoff time.Time) (int, error) {
	events, err := d.store.ListPendingDispatches(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list pending dispatches: %w", err)
	}

	sent := 0
	var errs []error
	for _, event := range events {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := d.Dispatch(ctx, event); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		d.logger.Info("pending notifications redelivered", "sent", sent, "pending", len(events))
	}
	return sent, errors.Join(errs...)
}
