// Package email delivers notifications through an SMTP relay.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"

	"MailPress/internal/config"
	"MailPress/internal/domain"
	"MailPress/internal/infrastructure/notify"
	"MailPress/internal/ports"
)

const sendTimeout = 30 * time.Second

type sendFunc func(ctx context.Context, msg *gomail.Msg) error

// Notifier mails rendered events to a fixed recipient list.
type Notifier struct {
	cfg  config.EmailConfig
	loc  *time.Location
	now  func() time.Time
	send sendFunc
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier uses implicit TLS on port 465 and STARTTLS (when offered) elsewhere.
func NewNotifier(cfg config.EmailConfig, loc *time.Location) *Notifier {
	n := &Notifier{cfg: cfg, loc: loc, now: time.Now}
	n.send = n.dialAndSend
	return n
}

// Enabled reports whether relay, sender and recipients are configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.Host != "" && n.cfg.From != "" && len(n.cfg.To) > 0
}

func (n *Notifier) Notify(ctx context.Context, event domain.Event) error {
	if !n.Enabled() {
		return fmt.Errorf("email notifier misconfigured")
	}

	msg, err := n.compose(notify.Render(event, n.loc))
	if err != nil {
		return err
	}
	if err := n.send(ctx, msg); err != nil {
		return classify(err)
	}
	return nil
}

func (n *Notifier) compose(m notify.Message) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("sender %q: %w", n.cfg.From, err)
	}
	if err := msg.To(n.cfg.To...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetDateWithValue(n.now())
	msg.SetBodyString(gomail.TypeTextPlain, strings.ReplaceAll(m.Text, "\n", "\r\n"))
	return msg, nil
}

func (n *Notifier) client() (*gomail.Client, error) {
	opts := []gomail.Option{gomail.WithTimeout(sendTimeout)}
	if n.cfg.Port > 0 {
		opts = append(opts, gomail.WithPort(n.cfg.Port))
	}
	if n.cfg.Port == 465 {
		opts = append(opts, gomail.WithSSL())
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(n.cfg.Username),
			gomail.WithPassword(n.cfg.Password),
		)
	}
	return gomail.NewClient(n.cfg.Host, opts...)
}

func (n *Notifier) dialAndSend(ctx context.Context, msg *gomail.Msg) error {
	client, err := n.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// classify marks connection-level and 4xx SMTP failures as retryable.
func classify(err error) error {
	var (
		netErr   net.Error
		protoErr *textproto.Error
		sendErr  *gomail.SendError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return fmt.Errorf("smtp: %w: %v", domain.ErrTransientIO, err)
	case errors.As(err, &sendErr) && sendErr.IsTemp():
		return fmt.Errorf("smtp: %w: %v", domain.ErrTransientIO, err)
	case errors.As(err, &protoErr) && protoErr.Code >= 400 && protoErr.Code < 500:
		return fmt.Errorf("smtp: %w: %v", domain.ErrTransientIO, err)
	}
	return fmt.Errorf("smtp: %w", err)
}
