package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

// Set polls several accounts as one mailbox. Acks are routed back to the owning account.
type Set struct {
	order    []string
	accounts map[string]ports.Mailbox
	logger   *slog.Logger
}

var _ ports.Mailbox = (*Set)(nil)

// NewSet builds one spool per configured account.
func NewSet(cfgs []config.MailboxConfig, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	set := &Set{accounts: make(map[string]ports.Mailbox, len(cfgs)), logger: logger}
	for _, cfg := range cfgs {
		set.add(cfg.Account, NewSpool(cfg, logger.With("account", cfg.Account)))
	}
	return set
}

func (s *Set) add(account string, mb ports.Mailbox) {
	if _, ok := s.accounts[account]; !ok {
		s.order = append(s.order, account)
	}
	s.accounts[account] = mb
}

// Fetch reads every account. A failing account is logged and skipped
// unless every account failed.
func (s *Set) Fetch(ctx context.Context) ([]domain.RawMessage, error) {
	var (
		out      []domain.RawMessage
		failures int
		lastErr  error
	)
	for _, account := range s.order {
		msgs, err := s.accounts[account].Fetch(ctx)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if err != nil {
			failures++
			lastErr = err
			s.logger.Warn("mailbox fetch failed", "account", account, "error", err)
			continue
		}
		out = append(out, msgs...)
	}
	if failures > 0 && failures == len(s.order) {
		return nil, lastErr
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// Ack hands the message back to the account it was read from.
func (s *Set) Ack(ctx context.Context, msg domain.RawMessage) error {
	mb, ok := s.accounts[msg.Mailbox]
	if !ok {
		return fmt.Errorf("ack %s: unknown account %q", msg.TransportID, msg.Mailbox)
	}
	return mb.Ack(ctx, msg)
}
