package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Notifier accepts messages for delivery without blocking the caller.
// Dispatch reports whether the message was accepted.
type Notifier interface {
	Dispatch(msg Message) bool
}

// DispatcherConfig configures the background delivery pool.
type DispatcherConfig struct {
	Mailer    Mailer
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *slog.Logger
	// OnResult observes every delivery attempt, including drops.
	OnResult func(msg Message, outcome string, err error)
}

// Delivery outcomes passed to OnResult.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Dispatcher delivers messages on a fixed pool of workers. Email failures
// are logged and never reach the request that triggered them.
type Dispatcher struct {
	mailer   Mailer
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
	onResult func(Message, string, error)

	ctx    context.Context
	cancel context.CancelFunc

	queue chan Message
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

const (
	defaultDispatchWorkers   = 2
	defaultDispatchQueueSize = 256
	defaultDispatchTimeout   = 15 * time.Second
)

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDispatchQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		mailer:   cfg.Mailer,
		workers:  workers,
		timeout:  timeout,
		logger:   logger,
		onResult: cfg.OnResult,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan Message, queueSize),
	}
}

func (d *Dispatcher) Start() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Dispatch queues msg. Messages are dropped, and logged, once the queue is
// full or the dispatcher is shutting down.
func (d *Dispatcher) Dispatch(msg Message) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(msg, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- msg:
		return true
	default:
		d.drop(msg, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(msg Message, reason string) {
	d.logger.Warn("email dropped", "template", msg.Template, "to", msg.To, "reason", reason)
	d.report(msg, OutcomeDropped, nil)
}

// Shutdown stops intake and waits for queued messages to drain. When ctx
// expires first, in-flight sends are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		for msg := range d.queue {
			d.drop(msg, "dispatcher never started")
		}
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	if d.ctx.Err() != nil {
		d.drop(msg, "shutdown deadline exceeded")
		return
	}
	if d.mailer == nil {
		d.drop(msg, "no mailer configured")
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	if err := d.mailer.Send(ctx, msg); err != nil {
		d.logger.Error("email delivery failed", "template", msg.Template, "to", msg.To, "error", err)
		d.report(msg, OutcomeFailed, err)
		return
	}
	d.logger.Debug("email sent", "template", msg.Template, "to", msg.To)
	d.report(msg, OutcomeSent, nil)
}

func (d *Dispatcher) report(msg Message, outcome string, err error) {
	if d.onResult != nil {
		d.onResult(msg, outcome, err)
	}
}

// Inline delivers on the caller's goroutine. It suits tests and CLI tools
// that have no dispatcher running.
type Inline struct {
	Mailer  Mailer
	Timeout time.Duration
	Logger  *slog.Logger
}

func (n Inline) Dispatch(msg Message) bool {
	if n.Mailer == nil {
		return false
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := n.Mailer.Send(ctx, msg); err != nil {
		logger := n.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("email delivery failed", "template", msg.Template, "to", msg.To, "error", err)
		return false
	}
	return true
}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Inline{}
)
