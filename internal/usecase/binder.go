package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/parser"
	"MailPress/internal/ports"
)

// Binder maps a freshly submitted article to the record identifier the CMS assigned to it.
type Binder struct {
	logger *slog.Logger
}

// NewBinder builds a Binder.
func NewBinder(logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{logger: logger}
}

// Snapshot reloads the section listing and returns the identifiers it shows, in page order.
func (b *Binder) Snapshot(ctx context.Context, browser ports.Browser, endpoint string) ([]string, error) {
	if err := browser.Navigate(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("open listing %s: %w", endpoint, err)
	}
	fragments, err := browser.ReadListingFragments(ctx)
	if err != nil {
		return nil, fmt.Errorf("read listing %s: %w", endpoint, err)
	}
	return parser.FragmentIDs(fragments), nil
}

// Bind refreshes the listing and selects the identifier that was not present
// in the snapshot taken right before submission.
func (b *Binder) Bind(ctx context.Context, browser ports.Browser, endpoint string, attempt domain.PublishAttempt) (string, error) {
	current, err := b.Snapshot(ctx, browser, endpoint)
	if err != nil {
		return "", err
	}

	id, err := SelectIdentifier(attempt.PriorSnapshot, current, attempt.SnapshotTaken)
	if err != nil {
		b.logger.Warn("identifier not bound",
			"attempt_id", attempt.ID,
			"prior", len(attempt.PriorSnapshot),
			"current", len(current),
			"error", err)
		return "", err
	}

	b.logger.Info("identifier bound", "attempt_id", attempt.ID, "cms_identifier", id)
	return id, nil
}

// SelectIdentifier diffs the listing against the pre-submission snapshot.
// Exactly one new identifier binds; none is domain.ErrNotListedYet and more than
// one is domain.ErrAmbiguousBinding. Without a snapshot the first listed entry is used.
func SelectIdentifier(prior, current []string, snapshotTaken bool) (string, error) {
	if len(current) == 0 {
		return "", fmt.Errorf("listing is empty: %w", domain.ErrNotListedYet)
	}
	if !snapshotTaken {
		return current[0], nil
	}

	var fresh []string
	for _, id := range current {
		if slices.Contains(prior, id) || slices.Contains(fresh, id) {
			continue
		}
		fresh = append(fresh, id)
	}

	switch len(fresh) {
	case 0:
		return "", fmt.Errorf("no entry beyond the %d known ones: %w", len(prior), domain.ErrNotListedYet)
	case 1:
		return fresh[0], nil
	default:
		return "", fmt.Errorf("%w: %d new entries %v", domain.ErrAmbiguousBinding, len(fresh), fresh)
	}
}
