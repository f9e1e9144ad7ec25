package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/ahrav/go-orchestra/internal/config"
)

const smtpTimeout = 15 * time.Second

// mailer matches *mail.Client.
type mailer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// EmailSender delivers messages over SMTP.
type EmailSender struct {
	from   string
	client mailer
}

var _ Sender = (*EmailSender)(nil)

// NewEmailSender creates a sender from SMTP settings. Authentication is
// used only when a username is configured; TLS is used when the server
// offers it.
func NewEmailSender(cfg config.SMTP) (*EmailSender, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(smtpTimeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: create smtp client for %s: %w", cfg.Host, err)
	}
	return &EmailSender{from: cfg.From, client: c}, nil
}

// Send implements Sender. The dial and the SMTP exchange honor ctx.
func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Recipient == "" {
		return fmt.Errorf("email: empty recipient")
	}
	m, err := s.compose(msg)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email to %s: %w", msg.Recipient, err)
	}
	return nil
}

func (s *EmailSender) compose(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, fmt.Errorf("email: invalid sender %q: %w", s.from, err)
	}
	if err := m.To(msg.Recipient); err != nil {
		return nil, fmt.Errorf("email: invalid recipient %q: %w", msg.Recipient, err)
	}
	m.Subject(headerSafe(msg.Subject))
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

// headerSafe strips line breaks that would inject extra headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
