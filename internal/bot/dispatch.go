package bot

import (
	"log/slog"
	"sync"
	"sync/atomic"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// UpdateHandler consumes one Telegram update on the chat-flow worker.
type UpdateHandler interface {
	HandleUpdate(update tgbotapi.Update)
}

// Dispatcher bridges the HTTP concurrency domain and the single chat-flow
// worker. Webhook handlers submit updates fire-and-forget; the worker drains
// them in order. Submission never blocks: when the worker is gone or the
// queue is saturated the caller gets ErrWorkerUnavailable and maps it to 503.
type Dispatcher struct {
	handler UpdateHandler
	updates chan tgbotapi.Update
	quit    chan struct{}
	done    chan struct{}
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	running   atomic.Bool
}

// DispatcherOption tunes dispatcher behaviour.
type DispatcherOption func(*Dispatcher)

// WithQueueSize overrides the update buffer length.
func WithQueueSize(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.updates = make(chan tgbotapi.Update, size)
		}
	}
}

// WithDispatchLogger attaches a structured logger.
func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher builds a dispatcher for the given handler. Start must be
// called before updates are accepted.
func NewDispatcher(handler UpdateHandler, opts ...DispatcherOption) *Dispatcher {
	dispatcher := &Dispatcher{
		handler: handler,
		updates: make(chan tgbotapi.Update, 128),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(dispatcher)
	}
	return dispatcher
}

// Start launches the worker goroutine. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.started.Store(true)
		d.running.Store(true)
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer d.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			// A panicking handler kills the worker; Submit reports
			// ErrWorkerUnavailable from here on so operators notice
			// via 503s and the health endpoint.
			d.logger.Error("chat worker panicked", "panic", r)
		}
	}()
	for {
		select {
		case update := <-d.updates:
			d.handler.HandleUpdate(update)
		case <-d.quit:
			// Drain what was accepted before shutdown.
			for {
				select {
				case update := <-d.updates:
					d.handler.HandleUpdate(update)
				default:
					return
				}
			}
		}
	}
}

// Submit enqueues an update for the worker without blocking.
func (d *Dispatcher) Submit(update tgbotapi.Update) error {
	if !d.running.Load() {
		return ErrWorkerUnavailable
	}
	select {
	case d.updates <- update:
		return nil
	default:
		return ErrWorkerUnavailable
	}
}

// Healthy reports whether the worker is accepting updates.
func (d *Dispatcher) Healthy() bool {
	return d.running.Load()
}

// Close stops the worker and waits for in-flight updates to finish.
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() {
		d.running.Store(false)
		close(d.quit)
	})
	if d.started.Load() {
		<-d.done
	}
}
