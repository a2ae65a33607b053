package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTemplatesRenderConfirmationLink(t *testing.T) {
	templates := MustTemplates()
	msg, err := templates.Confirmation("sam@example.com", "https://loops.example.com/confirm?token=abc", 24*time.Hour)
	if err != nil {
		t.Fatalf("Confirmation error: %v", err)
	}
	if msg.To != "sam@example.com" || msg.Template != TemplateConfirmation {
		t.Fatalf("unexpected message header %+v", msg)
	}
	if !strings.Contains(msg.Text, "https://loops.example.com/confirm?token=abc") {
		t.Fatalf("text body missing link: %q", msg.Text)
	}
	if !strings.Contains(msg.HTML, `href="https://loops.example.com/confirm?token=abc"`) {
		t.Fatalf("html body missing link: %q", msg.HTML)
	}
	if !strings.Contains(msg.Text, "24 hours") {
		t.Fatalf("expected ttl in body: %q", msg.Text)
	}
}

func TestTemplatesEscapeRejectionReason(t *testing.T) {
	templates := MustTemplates()
	msg, err := templates.Rejected("sam@example.com", `<script>alert("x")</script>`)
	if err != nil {
		t.Fatalf("Rejected error: %v", err)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Fatalf("reason was not escaped: %s", msg.HTML)
	}
	if !strings.Contains(msg.Text, `<script>alert("x")</script>`) {
		t.Fatalf("text body should carry the raw reason: %q", msg.Text)
	}

	accepted, err := templates.Accepted("sam@example.com")
	if err != nil {
		t.Fatalf("Accepted error: %v", err)
	}
	if accepted.Subject == "" || accepted.Template != TemplateAccepted {
		t.Fatalf("unexpected accepted message %+v", accepted)
	}
}

func TestDispatcherDeliversAndDrains(t *testing.T) {
	mailer := &RecordingMailer{}
	var (
		mu       sync.Mutex
		outcomes []string
	)
	dispatcher := NewDispatcher(DispatcherConfig{
		Mailer:    mailer,
		Workers:   2,
		QueueSize: 16,
		OnResult: func(_ Message, outcome string, _ error) {
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		},
	})
	dispatcher.Start()

	for i := 0; i < 10; i++ {
		if !dispatcher.Dispatch(Message{To: "a@example.com", Template: TemplateAccepted}) {
			t.Fatalf("dispatch %d rejected", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
	if got := len(mailer.Messages()); got != 10 {
		t.Fatalf("expected 10 delivered messages after drain, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, outcome := range outcomes {
		if outcome != OutcomeSent {
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}

	if dispatcher.Dispatch(Message{To: "late@example.com"}) {
		t.Fatal("dispatch after shutdown must be rejected")
	}
}

type blockingMailer struct {
	release chan struct{}
}

func (b *blockingMailer) Send(ctx context.Context, _ Message) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	mailer := &blockingMailer{release: make(chan struct{})}
	dispatcher := NewDispatcher(DispatcherConfig{Mailer: mailer, Workers: 1, QueueSize: 1})
	dispatcher.Start()

	accepted := 0
	for i := 0; i < 5; i++ {
		if dispatcher.Dispatch(Message{To: "a@example.com"}) {
			accepted++
		}
	}
	if accepted >= 5 {
		t.Fatalf("expected drops with a full queue, accepted %d", accepted)
	}
	close(mailer.release)
	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestDispatcherShutdownDeadlineCancelsSends(t *testing.T) {
	mailer := &blockingMailer{release: make(chan struct{})}
	dispatcher := NewDispatcher(DispatcherConfig{Mailer: mailer, Workers: 1, QueueSize: 4, Timeout: time.Minute})
	dispatcher.Start()
	dispatcher.Dispatch(Message{To: "a@example.com"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := dispatcher.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDispatcherReportsFailures(t *testing.T) {
	mailer := &RecordingMailer{}
	mailer.FailWith(errors.New("smtp down"))
	failures := make(chan error, 1)
	dispatcher := NewDispatcher(DispatcherConfig{
		Mailer: mailer,
		OnResult: func(_ Message, outcome string, err error) {
			if outcome == OutcomeFailed {
				failures <- err
			}
		},
	})
	dispatcher.Start()
	dispatcher.Dispatch(Message{To: "a@example.com"})

	select {
	case err := <-failures:
		if err == nil || !strings.Contains(err.Error(), "smtp down") {
			t.Fatalf("unexpected failure %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failure report")
	}
	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown error: %v", err)
	}
}

func TestInlineNotifier(t *testing.T) {
	mailer := &RecordingMailer{}
	if !(Inline{Mailer: mailer}).Dispatch(Message{To: "a@example.com"}) {
		t.Fatal("expected inline dispatch to succeed")
	}
	if len(mailer.Messages()) != 1 {
		t.Fatal("expected message to be sent synchronously")
	}
	if (Inline{}).Dispatch(Message{}) {
		t.Fatal("inline notifier without mailer must report failure")
	}
}

func TestHumanDuration(t *testing.T) {
	tests := map[time.Duration]string{
		24 * time.Hour:   "24 hours",
		time.Hour:        "1 hour",
		90 * time.Minute: "90 minutes",
	}
	for in, want := range tests {
		if got := humanDuration(in); got != want {
			t.Fatalf("humanDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
