package infra

import (
	"fmt"
	"net/smtp"

	"comandapos/internal/config"

	"github.com/jordan-wright/email"
)

// Mailer sends operator alerts over SMTP.
type Mailer struct {
	host     string
	user     string
	password string
	addr     string
	to       string
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		addr:     fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		to:       cfg.AlertEmail,
	}
}

// Enabled reports whether both an SMTP host and a recipient are configured.
func (m *Mailer) Enabled() bool { return m.host != "" && m.to != "" }

// SendAlert mails an alert to the configured operator address.
func (m *Mailer) SendAlert(subject, body string) error {
	if !m.Enabled() {
		return fmt.Errorf("mailer: not configured")
	}
	e := email.NewEmail()
	e.From = m.user
	e.To = []string{m.to}
	e.Subject = "[comanda] " + subject
	e.Text = []byte(body)

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}
	if err := e.Send(m.addr, auth); err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}
