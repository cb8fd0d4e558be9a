// Package email delivers retrospective reminders over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends reminder emails. It implements the reminder sweep's
// dispatcher.
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail sendFunc
	logger   *slog.Logger
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
		logger:   logger,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers one reminder as an HTML email with a plain-text part.
func (s *Service) Send(ctx context.Context, reminder store.ScheduledReminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(reminder.Email) == "" {
		return fmt.Errorf("reminder %d: recipient %s has no email address", reminder.ID, reminder.UserID)
	}
	html, err := renderTemplate(reminderTemplate, reminderData{
		AppName: "Yoda Retros",
		Subject: reminder.Subject,
		Lines:   strings.Split(strings.TrimSpace(reminder.Message), "\n"),
	})
	if err != nil {
		return fmt.Errorf("render reminder template: %w", err)
	}
	if err := s.SendHTMLEmail([]string{reminder.Email}, reminder.Subject, reminder.Message, html); err != nil {
		return fmt.Errorf("send reminder %d: %w", reminder.ID, err)
	}
	s.logger.Debug("reminder email sent", "reminder_id", reminder.ID, "reminder_type", reminder.Type)
	return nil
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.from(),
		subject,
		body,
	))
	return s.sendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends a multipart email with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	return s.sendMail(s.server, s.auth, s.config.From, to, buildMultipart(to, s.from(), subject, textBody, htmlBody))
}

func (s *Service) from() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

const boundary = "boundary-yoda-retro"

func buildMultipart(to []string, from, subject, textBody, htmlBody string) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type reminderData struct {
	AppName string
	Subject string
	Lines   []string
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reminderTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f855a; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
    <h2>{{.Subject}}</h2>
    {{range .Lines}}<p>{{.}}</p>
    {{end}}
    <div class="footer">
        <p>You receive this email because you take part in this retrospective.</p>
    </div>
</body>
</html>`
