// Package outbox runs best-effort persistence tasks off the hot path.
//
// Presence transitions must never block or fail because the database is slow,
// so durable writes triggered by join/leave are queued here and drained by
// background workers. A full queue drops the task (counted in metrics) rather
// than backpressuring the caller.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamgate/internal/observability"
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 4
	defaultTaskTimeout = 5 * time.Second
)

type task struct {
	name string
	run  func(ctx context.Context) error
}

// Outbox is a bounded queue of fire-and-forget persistence tasks.
type Outbox struct {
	tasks  chan task
	logger *slog.Logger

	taskTimeout time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	quit     chan struct{}
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithTaskTimeout sets the per-task execution timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

// New creates an Outbox and starts its drain workers. queueSize and workers
// fall back to defaults when non-positive.
func New(queueSize, workers int, logger *slog.Logger, opts ...Option) *Outbox {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Outbox{
		tasks:       make(chan task, queueSize),
		logger:      logger,
		taskTimeout: defaultTaskTimeout,
		quit:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go o.drain()
	}
	return o
}

// Submit enqueues a task without blocking. Returns false when the queue is
// full or the outbox is closed; the task is dropped and counted either way.
func (o *Outbox) Submit(name string, run func(ctx context.Context) error) bool {
	select {
	case <-o.quit:
		observability.OutboxDropped.WithLabelValues(name).Inc()
		return false
	default:
	}

	select {
	case o.tasks <- task{name: name, run: run}:
		observability.OutboxDepth.Inc()
		return true
	default:
		observability.OutboxDropped.WithLabelValues(name).Inc()
		o.logger.Warn("outbox queue full, dropping task", slog.String("task", name))
		return false
	}
}

func (o *Outbox) drain() {
	defer o.wg.Done()
	for {
		select {
		case <-o.quit:
			// Finish whatever is already queued, then exit.
			for {
				select {
				case t := <-o.tasks:
					o.execute(t)
				default:
					return
				}
			}
		case t := <-o.tasks:
			o.execute(t)
		}
	}
}

func (o *Outbox) execute(t task) {
	observability.OutboxDepth.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), o.taskTimeout)
	defer cancel()

	if err := t.run(ctx); err != nil {
		observability.OutboxFailures.WithLabelValues(t.name).Inc()
		o.logger.Warn("outbox task failed",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops accepting tasks and waits for queued work to drain.
func (o *Outbox) Close() {
	o.stopOnce.Do(func() {
		close(o.quit)
	})
	o.wg.Wait()
}
