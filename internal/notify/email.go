package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"strings"

	"gopkg.in/gomail.v2"

	"deal_notifier/internal/config"
	"deal_notifier/internal/model"
)

// EmailPrefix marks delivery targets that are email addresses.
const EmailPrefix = "mailto:"

// ErrInvalidAddress is returned for mailto targets without a valid address.
var ErrInvalidAddress = errors.New("invalid email address")

// MailSender sends composed messages. *gomail.Dialer implements it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Email delivers notifications over SMTP.
type Email struct {
	sender MailSender
	from   string
	log    *slog.Logger
}

// NewEmail creates an Email notifier that dials the configured SMTP server.
func NewEmail(cfg config.SMTPConfig, log *slog.Logger) *Email {
	return NewEmailWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), cfg.From, log)
}

// NewEmailWithSender creates an Email notifier using sender.
func NewEmailWithSender(sender MailSender, from string, log *slog.Logger) *Email {
	return &Email{sender: sender, from: from, log: log}
}

// Send implements Notifier.
func (e *Email) Send(ctx context.Context, n model.Notification) error {
	addr, err := mail.ParseAddress(strings.TrimPrefix(n.DeliveryTarget, EmailPrefix))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, n.DeliveryTarget)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", addr.Address)
	m.SetHeader("Subject", "Deal: "+n.Title)
	m.SetBody("text/html", emailBody(n))

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	e.log.Debug("email sent", "to", addr.Address, "title", n.Title)
	return nil
}

func emailBody(n model.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, html.EscapeString(n.Link), html.EscapeString(n.Title))
	if n.Thumbnail != "" {
		fmt.Fprintf(&b, `<p><img src="%s" alt=""></p>`, html.EscapeString(n.Thumbnail))
	}
	if len(n.Categories) > 0 {
		fmt.Fprintf(&b, "<p>Categories: %s</p>", html.EscapeString(strings.Join(n.Categories, ", ")))
	}
	if len(n.Keywords) > 0 {
		fmt.Fprintf(&b, "<p>Matched: %s</p>", html.EscapeString(strings.Join(n.Keywords, ", ")))
	}
	return b.String()
}
