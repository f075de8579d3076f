package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
	"github.com/pkg/errors"
	mail "gopkg.in/mail.v2"
)

// SMTPConfig holds the outgoing mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender delivers a composed message. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailNotifier sends notifications over SMTP.
type EmailNotifier struct {
	from   string
	sender Sender
	logger service.Logger
}

func NewEmailNotifier(cfg SMTPConfig, logger service.Logger) (*EmailNotifier, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp sender address is required")
	}
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = 30 * time.Second
	return NewEmailNotifierWithSender(cfg.From, dialer, logger), nil
}

func NewEmailNotifierWithSender(from string, sender Sender, logger service.Logger) *EmailNotifier {
	return &EmailNotifier{from: from, sender: sender, logger: logger}
}

func (e *EmailNotifier) Notify(ctx context.Context, n models.Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := Body(n)
	if err != nil {
		return err
	}
	m := mail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", n.Recipients...)
	m.SetHeader("Subject", Subject(n))
	m.SetBody("text/plain", body)

	if err := e.sender.DialAndSend(m); err != nil {
		return errors.Wrapf(err, "send %s email for %s.%s", n.Kind, n.WorkflowID, n.TaskID)
	}
	e.logger.Infof("Sent %s notification for task %s of run %s to %s", n.Kind, n.TaskID, n.RunID, strings.Join(n.Recipients, ", "))
	return nil
}

// Subject renders the mail subject, e.g. "[ordermonitor] failure: order_monitor.run_transform".
func Subject(n models.Notification) string {
	return fmt.Sprintf("[ordermonitor] %s: %s.%s", n.Kind, n.WorkflowID, n.TaskID)
}

var bodyTemplate = template.Must(template.New("body").Funcs(template.FuncMap{"join": strings.Join}).Parse(`Workflow:     {{.WorkflowID}}
Task:         {{.TaskID}}
Run:          {{.RunID}}
Logical date: {{.LogicalDate.Format "2006-01-02T15:04:05Z07:00"}}
Attempt:      {{.Attempt}}
Owner:        {{.Owner}}
{{if eq .Kind "retry"}}
The task failed and will be retried.
{{else}}
The task failed and will not be retried.
{{- if .Skipped}} Skipped downstream tasks: {{join .Skipped ", "}}.{{end}}
{{end}}
Error:
{{.Error}}
`))

// Body renders the plain-text mail body.
func Body(n models.Notification) (string, error) {
	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, n); err != nil {
		return "", errors.Wrap(err, "render notification")
	}
	return buf.String(), nil
}

// LogNotifier writes notifications to the log when no SMTP server is configured.
type LogNotifier struct {
	logger service.Logger
}

func NewLogNotifier(logger service.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n models.Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	l.logger.Warnf("%s (smtp not configured, would mail %s): run %s attempt %d: %s",
		Subject(n), strings.Join(n.Recipients, ", "), n.RunID, n.Attempt, n.Error)
	return nil
}
