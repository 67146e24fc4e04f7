package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// Channel is a named outbound notifier.
type Channel struct {
	Name     string
	Notifier ports.Notifier
}

// Fanout delivers an event to every channel. Delivery succeeds if any channel accepted it.
type Fanout struct {
	channels []Channel
	logger   *slog.Logger
}

var _ ports.Notifier = (*Fanout)(nil)

// NewFanout skips channels with a nil notifier.
func NewFanout(logger *slog.Logger, channels ...Channel) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With("component", "notify")}
	for _, ch := range channels {
		if ch.Notifier != nil {
			f.channels = append(f.channels, ch)
		}
	}
	return f
}

// Len reports how many channels are configured.
func (f *Fanout) Len() int { return len(f.channels) }

// Notify returns nil when no channel is configured.
func (f *Fanout) Notify(ctx context.Context, event domain.Event) error {
	if len(f.channels) == 0 {
		f.logger.Debug("no notification channel configured", "kind", event.Kind, "dispatch_key", event.DispatchKey)
		return nil
	}

	var errs []error
	delivered := 0
	for _, ch := range f.channels {
		if err := ch.Notifier.Notify(ctx, event); err != nil {
			f.logger.Warn("channel rejected notification", "channel", ch.Name, "kind", event.Kind, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
