// Package email sends marketplace notifications via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"mime"
	"net/smtp"
	"strings"
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
	// AppName and AppBaseURL appear in message bodies and links.
	AppName    string
	AppBaseURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Herfa"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.config.FromName), s.config.From)
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	boundary := "boundary-herfa"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
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

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type NewApplicationData struct {
	AppName       string
	OwnerName     string
	ApplicantName string
	JobTitle      string
	Budget        string
	Message       string
	JobURL        string
}

type AcceptedData struct {
	AppName       string
	ApplicantName string
	JobTitle      string
	ChatURL       string
}

// SendNewApplication tells a job owner that a professional applied.
func (s *Service) SendNewApplication(to string, data NewApplicationData) error {
	data.AppName = s.config.AppName
	if data.JobURL != "" && !strings.HasPrefix(data.JobURL, "http") {
		data.JobURL = strings.TrimRight(s.config.AppBaseURL, "/") + data.JobURL
	}
	html, err := renderTemplate(newApplicationTemplate, data)
	if err != nil {
		return fmt.Errorf("render new application template: %w", err)
	}
	subject := fmt.Sprintf("New application for %q", data.JobTitle)
	text := fmt.Sprintf("%s applied to %q with a budget of %s.\n\n%s", data.ApplicantName, data.JobTitle, data.Budget, data.JobURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

// SendApplicationAccepted tells a professional their application was
// accepted and points them at the job chat.
func (s *Service) SendApplicationAccepted(to string, data AcceptedData) error {
	data.AppName = s.config.AppName
	if data.ChatURL != "" && !strings.HasPrefix(data.ChatURL, "http") {
		data.ChatURL = strings.TrimRight(s.config.AppBaseURL, "/") + data.ChatURL
	}
	html, err := renderTemplate(acceptedTemplate, data)
	if err != nil {
		return fmt.Errorf("render accepted template: %w", err)
	}
	subject := fmt.Sprintf("You got the job: %s", data.JobTitle)
	text := fmt.Sprintf("Your application for %q was accepted. Open the chat: %s", data.JobTitle, data.ChatURL)
	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #e8590c; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #e8590c; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .quote { background: #f8f9fa; border-left: 3px solid #ced4da; padding: 8px 12px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

const newApplicationTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New application</title>
    <style>` + layoutStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.OwnerName}},</p>

    <p><strong>{{.ApplicantName}}</strong> applied to <strong>{{.JobTitle}}</strong> with a proposed budget of {{.Budget}}.</p>
    {{if .Message}}<p class="quote">{{.Message}}</p>{{end}}

    <p>
        <a href="{{.JobURL}}" class="button">Review applications</a>
    </p>

    <div class="footer">
        <p>You receive this because you posted this job on {{.AppName}}.</p>
    </div>
</body>
</html>`

const acceptedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Application accepted</title>
    <style>` + layoutStyle + `
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.ApplicantName}},</p>

    <p>Your application for <strong>{{.JobTitle}}</strong> was accepted. You can now talk to the client directly.</p>

    <p>
        <a href="{{.ChatURL}}" class="button">Open the chat</a>
    </p>

    <div class="footer">
        <p>You receive this because you applied to a job on {{.AppName}}.</p>
    </div>
</body>
</html>`
