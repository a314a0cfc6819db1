// Package mail sends the transactional mails of the API (password reset).
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	gomail "github.com/go-mail/mail"

	"github.com/sakif/user-api/internal/config"
)

// Message is one outgoing mail. HTML is optional.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// New returns an SMTP sender, or a log-only sender when no host is configured.
func New(cfg config.MailConfig, logger *slog.Logger) Sender {
	if cfg.Host == "" {
		logger.Warn("mail host not set, mails will only be logged")
		return &LogSender{From: cfg.From, Logger: logger}
	}
	return NewSMTPSender(cfg, logger)
}

// SMTPSender sends through an SMTP relay with go-mail.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	tlsMode  string // "auto" | "starttls" | "ssl" | "none"
	logger   *slog.Logger
}

func NewSMTPSender(cfg config.MailConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		tlsMode:  cfg.TLSMode,
		logger:   logger,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := buildMessage(s.from, msg)

	d := gomail.NewDialer(s.host, s.port, s.username, s.password)
	d.TLSConfig = &tls.Config{ServerName: s.host}
	if deadline, ok := ctx.Deadline(); ok {
		d.Timeout = time.Until(deadline)
	}

	switch s.tlsMode {
	case "ssl":
		d.SSL = true
	case "starttls":
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	case "none":
		d.StartTLSPolicy = gomail.NoStartTLS
	default:
		// "auto": go-mail upgrades with STARTTLS when the server offers it
	}

	if err := d.DialAndSend(m); err != nil {
		s.logger.Error("smtp send failed",
			slog.String("to", msg.To),
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("mail: smtp send: %w", err)
	}

	s.logger.Info("mail sent", slog.String("to", msg.To), slog.String("subject", msg.Subject))
	return nil
}

// buildMessage prefers multipart/alternative (text + html) when both exist.
func buildMessage(from string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("Reply-To", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

// LogSender writes mails to the logger instead of sending them. Used in
// development when no SMTP host is configured.
type LogSender struct {
	From   string
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.Logger.Info("mail (not sent, no smtp host)",
		slog.String("from", s.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Text),
	)
	return nil
}
