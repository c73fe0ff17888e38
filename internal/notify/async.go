package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reviewline/internal/domain"
)

const (
	defaultQueueSize       = 256
	defaultDeliveryTimeout = 30 * time.Second
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notification channel closed")
)

// Async queues notifications and delivers them from a single background
// worker. Delivery failures are logged here and never retried.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan domain.Notification
	done   chan struct{}
}

type AsyncOption func(*Async)

func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan domain.Notification, n)
		}
	}
}

func WithLogger(l *slog.Logger) AsyncOption {
	return func(a *Async) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithDeliveryTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAsync starts the delivery worker in front of next.
func NewAsync(next Notifier, opts ...AsyncOption) *Async {
	a := &Async{
		next:    next,
		logger:  slog.Default(),
		timeout: defaultDeliveryTimeout,
		queue:   make(chan domain.Notification, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// Notify enqueues n without waiting for delivery.
func (a *Async) Notify(_ context.Context, n domain.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits until the queue is drained
// or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		a.deliver(n)
	}
}

func (a *Async) deliver(n domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Notify(ctx, n); err != nil {
		a.logger.Warn("notification delivery failed",
			slog.String("recipient", n.Recipient),
			slog.String("subject", n.Subject),
			slog.Any("error", err))
		return
	}
	a.logger.Debug("notification delivered", slog.String("recipient", n.Recipient))
}
