// Package notify renders and delivers the emails sent to contributors.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is one rendered email.
type Message struct {
	To       string
	Subject  string
	HTML     string
	Text     string
	Template string
}

// Mailer delivers a message synchronously.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SendGridConfig configures the SendGrid mailer.
type SendGridConfig struct {
	APIKey   string
	From     string
	FromName string
}

// SendGridMailer delivers through the SendGrid v3 mail API.
type SendGridMailer struct {
	client   *sendgrid.Client
	from     string
	fromName string
}

// NewSendGrid validates cfg and returns a mailer.
func NewSendGrid(cfg SendGridConfig) (*SendGridMailer, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, fmt.Errorf("sendgrid api key required")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, fmt.Errorf("sender address required")
	}
	return &SendGridMailer{
		client:   sendgrid.NewSendClient(key),
		from:     from,
		fromName: strings.TrimSpace(cfg.FromName),
	}, nil
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	email := mail.NewSingleEmail(
		mail.NewEmail(m.fromName, m.from),
		msg.Subject,
		mail.NewEmail("", msg.To),
		msg.Text,
		msg.HTML,
	)
	resp, err := m.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, truncate(resp.Body, 256))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// LogMailer writes messages to the log instead of sending them. It is the
// development default so confirmation links can be copied from the console.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) Send(_ context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("email not sent (log mailer)",
		"template", msg.Template,
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Text,
	)
	return nil
}

// RecordingMailer captures messages in memory.
type RecordingMailer struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// FailWith makes subsequent sends return err without recording.
func (m *RecordingMailer) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *RecordingMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

// Messages returns a snapshot of everything sent.
func (m *RecordingMailer) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// WaitFor polls until at least n messages were sent or timeout elapses.
func (m *RecordingMailer) WaitFor(n int, timeout time.Duration) []Message {
	deadline := time.Now().Add(timeout)
	for {
		msgs := m.Messages()
		if len(msgs) >= n || time.Now().After(deadline) {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var (
	_ Mailer = (*SendGridMailer)(nil)
	_ Mailer = LogMailer{}
	_ Mailer = (*RecordingMailer)(nil)
)
