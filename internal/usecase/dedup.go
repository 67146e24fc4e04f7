package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/metrics"
	"MailPress/internal/ports"
)

// Deduplicator decides whether an inbound message is new work.
type Deduplicator struct {
	store  ports.MessageStore
	logger *slog.Logger
	now    func() time.Time
}

// NewDeduplicator wires the message store.
func NewDeduplicator(store ports.MessageStore, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: store, logger: logger, now: time.Now}
}

// Admit records the message and claims it when its dedup key was never processed.
// Concurrent calls with the same key admit exactly one caller.
func (d *Deduplicator) Admit(ctx context.Context, raw domain.RawMessage) (domain.Admission, error) {
	msg := domain.NewMessage(raw, d.now().UTC())

	admission, err := d.store.AdmitMessage(ctx, msg)
	if err != nil {
		metrics.RecordAdmission("error")
		return domain.Admission{}, fmt.Errorf("admit %s: %w", msg.DedupKey, err)
	}

	if admission.Admitted {
		metrics.RecordAdmission("admitted")
		d.logger.Info("message admitted", "message_key", msg.DedupKey, "sender", msg.Sender, "subject", msg.Subject)
		return admission, nil
	}

	metrics.RecordAdmission(string(admission.Reason))
	d.logger.Debug("message rejected",
		"message_key", msg.DedupKey,
		"reason", admission.Reason,
		"status", admission.Message.Status)
	return admission, nil
}
