// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"tracker/api/internal/outbox"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends email over SMTP and implements outbox.Sink.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Tracker"
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain-text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	boundary := "boundary-tracker"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
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

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// Deliver renders msg with the matching template and sends it.
func (s *Service) Deliver(_ context.Context, msg outbox.Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("deliver %s email: missing recipient", msg.Kind())
	}
	switch {
	case msg.Assignment != nil:
		return s.SendAssignmentEmail(msg.To, *msg.Assignment)
	case msg.Invite != nil:
		return s.SendInviteEmail(msg.To, *msg.Invite)
	default:
		return fmt.Errorf("deliver email: message has no payload")
	}
}

type assignmentData struct {
	AppName string
	outbox.AssignmentEmail
}

type inviteData struct {
	AppName   string
	Projects  string
	ExpiresOn string
	outbox.InviteEmail
}

func (s *Service) SendAssignmentEmail(to string, payload outbox.AssignmentEmail) error {
	data := assignmentData{AppName: s.config.AppName, AssignmentEmail: payload}
	subject := fmt.Sprintf("[%s] %s assigned you %s", s.config.AppName, payload.AssignerName, payload.TaskKey)
	text := fmt.Sprintf("%s assigned you %s: %s\n\nOpen the task: %s",
		payload.AssignerName, payload.TaskKey, payload.TaskTitle, payload.Link)

	html, err := renderTemplate(assignmentEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render assignment template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func (s *Service) SendInviteEmail(to string, payload outbox.InviteEmail) error {
	data := inviteData{
		AppName:     s.config.AppName,
		Projects:    strings.Join(payload.ProjectNames, ", "),
		ExpiresOn:   payload.ExpiresAt.UTC().Format("January 2, 2006"),
		InviteEmail: payload,
	}
	subject := fmt.Sprintf("%s invited you to %s", payload.InviterName, s.config.AppName)
	text := fmt.Sprintf("%s invited you to join %s.\n\nAccept the invite: %s\n\nThis link expires on %s.",
		payload.InviterName, s.config.AppName, payload.AcceptURL, data.ExpiresOn)

	html, err := renderTemplate(inviteEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render invite template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, text, html)
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

const emailStyles = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6f4f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6f4f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .key { font-family: monospace; background: #f2f2f2; padding: 2px 6px; border-radius: 3px; }
`

const assignmentEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.TaskKey}} was assigned to you</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.AssigneeName}},</p>

    <p>{{.AssignerName}} assigned you <span class="key">{{.TaskKey}}</span> {{.TaskTitle}}.</p>

    <p>
        <a href="{{.Link}}" class="button">Open task</a>
    </p>

    <div class="footer">
        <p>You receive this email because a task in {{.AppName}} was assigned to you.</p>
    </div>
</body>
</html>`

const inviteEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>You're invited to {{.AppName}}</title>
    <style>` + emailStyles + `</style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>{{.InviterName}} invited you to join {{.AppName}}{{if .Projects}} and collaborate on {{.Projects}}{{end}}.</p>

    <p>
        <a href="{{.AcceptURL}}" class="button">Accept invite</a>
    </p>

    <p>This invite expires on {{.ExpiresOn}}.</p>

    <div class="footer">
        <p>If you weren't expecting this invite, you can safely ignore this email.</p>
    </div>
</body>
</html>`
