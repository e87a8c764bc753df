package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Queue names used by the pipeline.
const (
	Retrieval = "retrieval"
	Transcode = "transcode"
	Publish   = "publish"
	Cleanup   = "cleanup"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrClosed       = errors.New("broker is closed")
	ErrStarted      = errors.New("broker already started")
	// ErrBusy asks for a later redelivery that does not count against
	// MaxDeliveries.
	ErrBusy = errors.New("resource busy")
)

// Job is one unit of queued work for a task.
type Job struct {
	Queue   string
	TaskID  string
	Payload map[string]string
	// Delivery counts how many times the job has been handed to a handler.
	Delivery int
}

// Handler processes a job. Returning an error asks for redelivery.
type Handler func(ctx context.Context, job Job) error

type Config struct {
	// BufferSize bounds each queue; Enqueue blocks when it is full.
	BufferSize int
	// MaxDeliveries caps redelivery of failing jobs.
	MaxDeliveries   int
	RedeliveryDelay time.Duration
	Logger          *logrus.Logger
}

type namedQueue struct {
	name    string
	jobs    chan Job
	workers int
	handler Handler
}

// Broker is an in-process at-least-once job broker with a worker pool per
// named queue.
type Broker struct {
	cfg Config

	mu      sync.Mutex
	queues  map[string]*namedQueue
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBroker(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 2
	}
	if cfg.RedeliveryDelay < 0 {
		cfg.RedeliveryDelay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Broker{cfg: cfg, queues: make(map[string]*namedQueue)}
}

// Register declares a queue and its worker count. It must be called before Start.
func (b *Broker) Register(name string, workers int, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrStarted
	}
	if workers <= 0 {
		b.cfg.Logger.WithFields(logrus.Fields{"queue": name, "workers": workers}).Warn("invalid worker count, using 1")
		workers = 1
	}
	b.queues[name] = &namedQueue{
		name:    name,
		jobs:    make(chan Job, b.cfg.BufferSize),
		workers: workers,
		handler: handler,
	}
	return nil
}

// Start launches the workers. They stop when ctx is cancelled or Shutdown is called.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)

	for _, q := range b.queues {
		for i := 0; i < q.workers; i++ {
			b.wg.Add(1)
			go b.worker(q, i)
		}
		b.cfg.Logger.WithFields(logrus.Fields{"queue": q.name, "workers": q.workers}).Info("queue workers started")
	}
	return nil
}

// Enqueue adds a job, waiting for buffer space if necessary.
func (b *Broker) Enqueue(ctx context.Context, job Job) error {
	b.mu.Lock()
	q, ok := b.queues[job.Queue]
	closed := b.closed
	done := b.doneChan()
	b.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, job.Queue)
	}

	select {
	case q.jobs <- job:
		b.cfg.Logger.WithFields(logrus.Fields{
			"queue":     job.Queue,
			"task_id":   job.TaskID,
			"queue_len": len(q.jobs),
		}).Debug("job enqueued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrClosed
	}
}

// Depth returns the number of jobs waiting in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.jobs)
	}
	return 0
}

// Shutdown stops accepting jobs, cancels in-flight handlers and waits for
// the workers to exit or ctx to expire. Jobs still buffered are dropped.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) doneChan() <-chan struct{} {
	if b.ctx == nil {
		return nil
	}
	return b.ctx.Done()
}

func (b *Broker) worker(q *namedQueue, idx int) {
	defer b.wg.Done()
	logger := b.cfg.Logger.WithFields(logrus.Fields{"queue": q.name, "worker": idx})

	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-q.jobs:
			job.Delivery++
			err := b.deliver(q, job)
			if err == nil {
				continue
			}
			entry := logger.WithFields(logrus.Fields{"task_id": job.TaskID, "delivery": job.Delivery}).WithError(err)
			if b.ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrBusy) {
				entry.Debug("job deferred")
				job.Delivery--
				b.redeliver(q, job)
				continue
			}
			if job.Delivery >= b.cfg.MaxDeliveries {
				entry.Error("job failed, giving up")
				continue
			}
			entry.Warn("job failed, scheduling redelivery")
			b.redeliver(q, job)
		}
	}
}

func (b *Broker) deliver(q *namedQueue, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return q.handler(b.ctx, job)
}

func (b *Broker) redeliver(q *namedQueue, job Job) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.cfg.RedeliveryDelay > 0 {
			timer := time.NewTimer(b.cfg.RedeliveryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-b.ctx.Done():
				return
			}
		}
		select {
		case q.jobs <- job:
		case <-b.ctx.Done():
		}
	}()
}
