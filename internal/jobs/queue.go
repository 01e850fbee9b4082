package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Queue defaults.
const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 4
	DefaultTaskTimeout = 2 * time.Minute
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// ErrQueueFull is returned by Enqueue when the buffer is full. The task is dropped.
var ErrQueueFull = errors.New("job queue full")

// Task is a unit of background work.
type Task struct {
	// Type labels metrics and logs, e.g. JobTypeBlobVerify.
	Type string
	// Attrs are logged with the task's outcome.
	Attrs []slog.Attr
	Run   func(ctx context.Context) error
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Size        int
	Workers     int
	TaskTimeout time.Duration
	Metrics     Reporter // optional
	Logger      *slog.Logger
}

// Queue runs tasks on a fixed pool of workers. Tasks run on a context detached
// from the enqueuing request, bounded by TaskTimeout. Task failures are logged
// and counted, never returned to the enqueuer.
type Queue struct {
	tasks   chan Task
	timeout time.Duration
	metrics Reporter
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	stop   context.CancelFunc
	ctx    context.Context
}

// NewQueue creates a queue and starts its workers.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan Task, cfg.Size),
		timeout: cfg.TaskTimeout,
		metrics: cfg.Metrics,
		logger:  logger,
		stop:    cancel,
		ctx:     ctx,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue submits a task without blocking.
func (q *Queue) Enqueue(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.tasks <- task:
		return nil
	default:
		q.logger.Warn("background job dropped, queue full",
			append([]any{slog.String("job_type", task.Type)}, attrsToAny(task.Attrs)...)...)
		if q.metrics != nil {
			q.metrics.IncJobsDropped(task.Type)
		}
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued tasks to finish or ctx to
// end, whichever comes first. Running tasks are cancelled when ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
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
		q.stop()
		return nil
	case <-ctx.Done():
		q.stop()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, task.Run)
	elapsed := time.Since(start)

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		args := append([]any{
			slog.String("job_type", task.Type),
			slog.String("error", err.Error()),
		}, attrsToAny(task.Attrs)...)
		q.logger.Error("background job failed", args...)
		if q.metrics != nil {
			q.metrics.IncJobErrors(task.Type, errorType(err))
		}
	}
	if q.metrics != nil {
		q.metrics.IncJobsTotal(task.Type, status)
		q.metrics.ObserveJobDuration(task.Type, elapsed.Seconds())
	}
}

// errPanic marks a task that panicked.
var errPanic = errors.New("task panicked")

func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic
		}
	}()
	return fn(ctx)
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "task_error"
	}
}

func attrsToAny(attrs []slog.Attr) []any {
	out := make([]any, len(attrs))
	for i, a := range attrs {
		out[i] = a
	}
	return out
}
