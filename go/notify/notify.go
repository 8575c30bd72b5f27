// Package notify emits best-effort user notifications for completed
// jobs. Delivery failures never affect the job record.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/scribehq/scribe/go/jobs"
)

// Notifier is told of completed jobs which have a user email.
type Notifier interface {
	JobCompleted(ctx context.Context, job *jobs.Job) error
}

// SMTPConfig configures the mail relay via go-flags tags.
type SMTPConfig struct {
	Enabled  bool   `long:"enabled" env:"EMAIL_NOTIFICATION" description:"Enable completion emails"`
	Host     string `long:"host" env:"SMTP_HOST" description:"SMTP relay host"`
	Port     int    `long:"port" env:"SMTP_PORT" default:"587" description:"SMTP relay port"`
	Username string `long:"username" env:"SMTP_USERNAME" description:"SMTP username"`
	Password string `long:"password" env:"SMTP_PASSWORD" description:"SMTP password"`
	From     string `long:"from" env:"SMTP_FROM" description:"Sender address of notifications"`
}

// SMTP is the Notifier backed by a plain SMTP relay.
type SMTP struct {
	cfg SMTPConfig
	// send is substitutable in tests; defaults to smtp.SendMail.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

var _ Notifier = (*SMTP)(nil)

// NewSMTP builds the relay-backed notifier, or nil when disabled.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("email notification requires an SMTP host and sender")
	}
	return &SMTP{cfg: cfg, send: smtp.SendMail}, nil
}

func (n *SMTP) JobCompleted(_ context.Context, job *jobs.Job) error {
	if job.UserEmail == "" {
		return nil
	}
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	var msg = buildMessage(n.cfg.From, job)
	var addr = fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, auth, n.cfg.From, []string{job.UserEmail}, msg); err != nil {
		return fmt.Errorf("sending completion mail for job %s: %w", job.ID, err)
	}
	return nil
}

func buildMessage(from string, job *jobs.Job) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", job.UserEmail)
	fmt.Fprintf(&b, "Subject: Transcription completed: %s\r\n", job.Filename)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Your transcription of %q has completed.\r\n\r\n", job.Filename)
	fmt.Fprintf(&b, "Job ID: %s\r\n", job.ID)
	if job.Description != "" {
		fmt.Fprintf(&b, "Description: %s\r\n", job.Description)
	}
	fmt.Fprintf(&b, "Result: %s\r\n", job.TranscriptionPath)
	return []byte(b.String())
}
