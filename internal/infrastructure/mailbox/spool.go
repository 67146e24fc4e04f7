// Package mailbox reads inbound mail delivered as RFC 5322 files into a spool directory.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/jhillyerd/enmime"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/ports"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Spool is a directory mailbox: the mail transport drops one file per message
// into the spool dir and acknowledged messages move to the processed dir.
type Spool struct {
	account       string
	spoolDir      string
	processedDir  string
	attachmentDir string
	allowed       []string
	logger        *slog.Logger
}

var _ ports.Mailbox = (*Spool)(nil)

// NewSpool builds the mailbox from configuration.
func NewSpool(cfg config.MailboxConfig, logger *slog.Logger) *Spool {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make([]string, 0, len(cfg.AllowedSenders))
	for _, s := range cfg.AllowedSenders {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			allowed = append(allowed, s)
		}
	}
	return &Spool{
		account:       cfg.Account,
		spoolDir:      cfg.SpoolDir,
		processedDir:  cfg.ProcessedDir,
		attachmentDir: cfg.AttachmentDir,
		allowed:       allowed,
		logger:        logger,
	}
}

// Fetch parses every spooled message from an allowed sender, oldest first.
// Unreadable files are logged and left in place.
func (s *Spool) Fetch(ctx context.Context) ([]domain.RawMessage, error) {
	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		return nil, fmt.Errorf("read spool %s: %w: %v", s.spoolDir, domain.ErrTransientIO, err)
	}

	var out []domain.RawMessage
	for _, entry := range entries {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(s.spoolDir, entry.Name())
		raw, err := s.read(path)
		if err != nil {
			s.logger.Warn("skipping unreadable message", "file", entry.Name(), "error", err)
			continue
		}
		if !s.allows(raw.Sender) {
			s.logger.Debug("sender not allowed", "file", entry.Name(), "sender", raw.Sender)
			if err := s.Ack(ctx, raw); err != nil {
				s.logger.Warn("move ignored message", "file", entry.Name(), "error", err)
			}
			continue
		}
		out = append(out, raw)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

// Ack moves the message file out of the spool.
func (s *Spool) Ack(_ context.Context, msg domain.RawMessage) error {
	if msg.Receipt == "" {
		return nil
	}
	if s.processedDir == "" {
		return os.Remove(msg.Receipt)
	}
	if err := os.MkdirAll(s.processedDir, 0o750); err != nil {
		return fmt.Errorf("create processed dir: %w", err)
	}
	target := filepath.Join(s.processedDir, filepath.Base(msg.Receipt))
	if err := os.Rename(msg.Receipt, target); err != nil {
		return fmt.Errorf("move %s: %w", filepath.Base(msg.Receipt), err)
	}
	return nil
}

func (s *Spool) allows(sender string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	return slices.Contains(s.allowed, strings.ToLower(sender))
}

func (s *Spool) read(path string) (domain.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.RawMessage{}, err
	}
	defer f.Close()

	env, err := enmime.ReadEnvelope(f)
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("parse message: %w", err)
	}
	for _, perr := range env.Errors {
		s.logger.Debug("message parsed with warnings", "file", filepath.Base(path), "warning", perr.Error())
	}

	raw := domain.RawMessage{
		TransportID: strings.Trim(strings.TrimSpace(env.GetHeader("Message-ID")), "<>"),
		Mailbox:     s.account,
		Subject:     strings.Join(strings.Fields(env.GetHeader("Subject")), " "),
		Receipt:     path,
	}
	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		raw.Sender = strings.ToLower(from[0].Address)
	} else {
		raw.Sender = strings.ToLower(strings.TrimSpace(env.GetHeader("From")))
	}
	if date, err := env.Date(); err == nil {
		raw.ReceivedAt = date.UTC()
	} else if info, err := os.Stat(path); err == nil {
		raw.ReceivedAt = info.ModTime().UTC()
	}

	attachDir := filepath.Join(s.attachmentDir, folderName(path))
	for _, p := range attachmentParts(env) {
		att, err := s.save(attachDir, p)
		if err != nil {
			return domain.RawMessage{}, err
		}
		raw.Attachments = append(raw.Attachments, att)
	}

	raw.Body = env.Text
	if strings.TrimSpace(raw.Body) == "" {
		raw.Body = env.HTML
	}
	return raw, nil
}

// attachmentParts lists the file parts of a message: attachments plus named inline parts.
func attachmentParts(env *enmime.Envelope) []*enmime.Part {
	parts := append([]*enmime.Part(nil), env.Attachments...)
	for _, group := range [][]*enmime.Part{env.Inlines, env.OtherParts} {
		for _, p := range group {
			if p.FileName != "" {
				parts = append(parts, p)
			}
		}
	}
	return parts
}

func (s *Spool) save(dir string, p *enmime.Part) (domain.Attachment, error) {
	name := unsafeName.ReplaceAllString(filepath.Base(p.FileName), "_")
	if name == "" || name == "." || name == "_" {
		name = "attachment"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return domain.Attachment{}, fmt.Errorf("create attachment dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, p.Content, 0o640); err != nil {
		return domain.Attachment{}, fmt.Errorf("save attachment %s: %w", name, err)
	}
	return domain.Attachment{Filename: name, ContentType: p.ContentType, Path: path}, nil
}

func folderName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return unsafeName.ReplaceAllString(base, "_")
}
