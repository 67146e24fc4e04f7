package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/notify"
	"MailPress/internal/ports"
)

// Notifier sends event summaries to Telegram chats via bot API.
type Notifier struct {
	botToken string
	chatIDs  []string
	apiBase  string
	loc      *time.Location
	client   *http.Client
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifiers.
func NewNotifier(cfg config.TelegramConfig, loc *time.Location) *Notifier {
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &Notifier{
		botToken: cfg.BotToken,
		chatIDs:  cfg.ChatIDs,
		apiBase:  base,
		loc:      loc,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether token and at least one chat are configured.
func (n *Notifier) Enabled() bool {
	return n.botToken != "" && len(n.chatIDs) > 0
}

// Notify posts the rendered event to every chat and succeeds if any chat accepted it.
func (n *Notifier) Notify(ctx context.Context, event domain.Event) error {
	if !n.Enabled() || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	msg := notify.Render(event, n.loc)
	text := msg.Subject + "\n\n" + msg.Text

	var errs []error
	sent := 0
	for _, chatID := range n.chatIDs {
		if err := n.send(ctx, chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
			continue
		}
		sent++
	}
	if sent == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, chatID, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w: %v", domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("telegram error: %s: %w", resp.Status, domain.ErrTransientIO)
	default:
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
}
