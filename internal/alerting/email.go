package alerting

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/go-mail/mail"
)

// EmailConfig holds SMTP settings for the email alerter.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Timeout  time.Duration
	// SubjectPrefix is prepended to every subject line.
	SubjectPrefix string
}

// sender abstracts the SMTP dialer.
type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailAlerter sends alerts as HTML email.
type EmailAlerter struct {
	cfg    EmailConfig
	dialer sender
}

var emailTemplate = template.Must(template.New("alert").Parse(`<html><body style="font-family:sans-serif">
<h3>{{.Emoji}} {{.Message}}</h3>
{{- if .Fields}}
<table cellpadding="4" style="border-collapse:collapse">
{{- range .Fields}}
<tr><td style="color:#666">{{.Key}}</td><td><b>{{.Value}}</b></td></tr>
{{- end}}
</table>
{{- end}}
<p style="color:#999;font-size:small">{{.Severity}} · {{.Time}}</p>
</body></html>`))

// NewEmailAlerter validates the addresses and creates an email alerter.
func NewEmailAlerter(cfg EmailConfig) (*EmailAlerter, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("email: smtp host and port are required")
	}
	if len(cfg.To) == 0 {
		return nil, fmt.Errorf("email: at least one recipient is required")
	}

	v := emailverifier.NewVerifier()
	for _, addr := range append([]string{cfg.From}, cfg.To...) {
		if syntax := v.ParseAddress(addr); !syntax.Valid {
			return nil, fmt.Errorf("email: invalid address %q", addr)
		}
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = cfg.Timeout

	return &EmailAlerter{cfg: cfg, dialer: d}, nil
}

// Name returns the name of the alerter.
func (e *EmailAlerter) Name() string {
	return "email"
}

// Alert renders and sends the alert. SMTP calls are not context aware; the
// dialer timeout bounds them.
func (e *EmailAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := e.compose(severity, message, fields...)
	if err != nil {
		return err
	}
	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

func (e *EmailAlerter) compose(severity Severity, message string, fields ...any) (*mail.Message, error) {
	type row struct {
		Key   string
		Value string
	}
	rows := make([]row, 0, len(fields)/2)
	for _, f := range Pairs(fields...) {
		rows = append(rows, row{Key: f.Key, Value: fmt.Sprint(f.Value)})
	}

	var body bytes.Buffer
	err := emailTemplate.Execute(&body, map[string]any{
		"Emoji":    severity.Emoji(),
		"Message":  message,
		"Fields":   rows,
		"Severity": severity.String(),
		"Time":     time.Now().UTC().Format(time.RFC1123),
	})
	if err != nil {
		return nil, fmt.Errorf("email: render: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s", severity, message)
	if p := strings.TrimSpace(e.cfg.SubjectPrefix); p != "" {
		subject = p + " " + subject
	}

	m := mail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", e.cfg.To...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())
	return m, nil
}
