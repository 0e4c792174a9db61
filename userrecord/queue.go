// Package userrecord creates or refreshes the remote user record after a
// successful login. Work is handed to a background Queue so that a slow or
// failing downstream service never delays the login redirect.
package userrecord

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mnehpets/portalauth/metrics"
)

// Defaults for NewQueue.
const (
	DefaultWorkers  = 2
	DefaultCapacity = 256
)

// ErrQueueClosed is returned by Shutdown when called twice.
var ErrQueueClosed = errors.New("userrecord: queue closed")

// Task identifies the user whose record should be created or refreshed.
type Task struct {
	SIN string
	UID string
}

// Registrar performs one task. Implementations handle their own retries.
type Registrar interface {
	Register(ctx context.Context, t Task) error
}

// RegistrarFunc adapts a function to a Registrar.
type RegistrarFunc func(ctx context.Context, t Task) error

func (f RegistrarFunc) Register(ctx context.Context, t Task) error {
	return f(ctx, t)
}

// Queue runs tasks on a fixed pool of workers.
type Queue struct {
	registrar Registrar
	tasks     chan Task
	log       zerolog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	workers  int
	capacity int
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// WithWorkers sets the number of workers.
func WithWorkers(n int) QueueOption {
	return func(o *queueOptions) {
		o.workers = n
	}
}

// WithCapacity sets the number of tasks buffered before Enqueue drops.
func WithCapacity(n int) QueueOption {
	return func(o *queueOptions) {
		o.capacity = n
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) QueueOption {
	return func(o *queueOptions) {
		o.log = l
	}
}

// WithMetrics records task outcomes.
func WithMetrics(m *metrics.Metrics) QueueOption {
	return func(o *queueOptions) {
		o.metrics = m
	}
}

// NewQueue starts the workers. Call Shutdown to stop them.
func NewQueue(r Registrar, opts ...QueueOption) (*Queue, error) {
	if r == nil {
		return nil, errors.New("userrecord: nil registrar")
	}
	o := queueOptions{workers: DefaultWorkers, capacity: DefaultCapacity, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.capacity < 0 {
		o.capacity = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		registrar: r,
		tasks:     make(chan Task, o.capacity),
		log:       o.log,
		metrics:   o.metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
	for range o.workers {
		q.wg.Add(1)
		go q.work()
	}
	return q, nil
}

// Enqueue hands t to the workers without blocking. It reports false when the
// queue is full or shut down; the task is dropped and logged.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.log.Warn().Msg("user record task dropped: queue closed")
		q.metrics.UserRecordTask("dropped")
		return false
	}
	select {
	case q.tasks <- t:
		return true
	default:
		q.log.Warn().Msg("user record task dropped: queue full")
		q.metrics.UserRecordTask("dropped")
		return false
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	defer func() {
		if v := recover(); v != nil {
			q.log.Error().Interface("panic", v).Msg("user record task panicked")
			q.metrics.UserRecordTask("failure")
		}
	}()
	if err := q.registrar.Register(q.ctx, t); err != nil {
		q.log.Error().Err(err).Msg("user record task failed")
		q.metrics.UserRecordTask("failure")
		return
	}
	q.log.Debug().Msg("user record task done")
	q.metrics.UserRecordTask("success")
}

// Shutdown stops accepting tasks and waits for queued tasks to finish. When
// ctx ends first, in-flight tasks are cancelled and ctx.Err is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
