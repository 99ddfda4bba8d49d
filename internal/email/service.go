// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// EscalationTo receives every escalation notice.
	EscalationTo []string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
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

// SendHTMLEmail sends an HTML email with a plain text alternative
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-loanops"

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

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// EscalationData describes one escalated sub-query.
type EscalationData struct {
	QueryID      string
	AppNo        string
	CustomerName string
	Branch       string
	SubQuery     string
	EscalatedBy  string
	Team         string
	Remarks      string
	EscalatedAt  time.Time
}

// SendEscalation notifies the configured escalation recipients.
func (s *Service) SendEscalation(data EscalationData) error {
	subject := fmt.Sprintf("Escalated query on %s (%s)", data.AppNo, data.CustomerName)
	html, err := renderTemplate(escalationTmpl, data)
	if err != nil {
		return fmt.Errorf("render escalation template: %w", err)
	}
	text := fmt.Sprintf("%s escalated a query on application %s.\r\n\r\nQuery: %s\r\nRemarks: %s",
		data.EscalatedBy, data.AppNo, data.SubQuery, data.Remarks)
	return s.SendHTMLEmail(s.config.EscalationTo, subject, text, html)
}

var escalationTmpl = template.Must(template.New("escalation").Parse(escalationEmailTemplate))

func renderTemplate(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const escalationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Escalated query on {{.AppNo}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b00020; padding-bottom: 10px; margin-bottom: 20px; }
        table { border-collapse: collapse; }
        td { padding: 4px 12px 4px 0; vertical-align: top; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Query escalated</h1>
    </div>

    <table>
        <tr><td><strong>Application</strong></td><td>{{.AppNo}}</td></tr>
        <tr><td><strong>Customer</strong></td><td>{{.CustomerName}}</td></tr>
        <tr><td><strong>Branch</strong></td><td>{{.Branch}}</td></tr>
        <tr><td><strong>Query</strong></td><td>{{.SubQuery}}</td></tr>
        <tr><td><strong>Escalated by</strong></td><td>{{.EscalatedBy}}{{if .Team}} ({{.Team}}){{end}}</td></tr>
        <tr><td><strong>When</strong></td><td>{{.EscalatedAt.Format "02 Jan 2006 15:04 MST"}}</td></tr>
    </table>

    {{if .Remarks}}<p>{{.Remarks}}</p>{{end}}

    <div class="footer">
        <p>Reference {{.QueryID}}. Open the operations dashboard to act on this query.</p>
    </div>
</body>
</html>`
