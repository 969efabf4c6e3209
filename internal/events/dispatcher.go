package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/notifysafe/internal/delivery"
	"github.com/foxzi/notifysafe/internal/metrics"
)

// ErrStopped is returned by Submit after Stop
var ErrStopped = errors.New("dispatcher stopped")

// Triggerer runs delivery for a named event type
type Triggerer interface {
	Trigger(ctx context.Context, eventType string, tc delivery.TriggerContext) (*delivery.Result, error)
}

// Job is one consumed event. Done, when set, is called with the delivery error.
type Job struct {
	Source   string
	Envelope *Envelope
	Done     func(err error)
}

// Outcome labels for consumed events
const (
	OutcomeDelivered = "delivered"
	OutcomeInbox     = "inbox"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// DispatcherConfig contains dispatcher configuration
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher runs consumed events through a fixed worker pool
type Dispatcher struct {
	service Triggerer
	workers int
	timeout time.Duration
	logger  *slog.Logger

	// baseCtx carries values from Start but not its cancellation, so a
	// shutdown signal does not abort deliveries that are being drained
	baseCtx context.Context

	mu       sync.RWMutex
	closed   bool
	jobs     chan Job
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(service Triggerer, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	return &Dispatcher{
		service: service,
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		logger:  logger,
		baseCtx: context.Background(),
		jobs:    make(chan Job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the dispatcher workers. Cancelling ctx does not abort
// deliveries; each one is bounded by the dispatcher timeout and Stop drains
// the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting event dispatcher", "workers", d.workers)

	d.baseCtx = context.WithoutCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Stop stops accepting jobs, then waits until every queued job has been
// delivered and its Done callback has run
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping event dispatcher", "queued", len(d.jobs))

		// Unblock submitters waiting on a full queue before taking the lock
		close(d.stopCh)
		d.mu.Lock()
		d.closed = true
		close(d.jobs)
		d.mu.Unlock()

		d.wg.Wait()

		// Only reached with jobs left when Start was never called
		for job := range d.jobs {
			d.process(d.logger, job)
		}
		d.logger.Info("event dispatcher stopped")
	})
}

// Submit queues a job, blocking while the queue is full
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrStopped
	}

	select {
	case d.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return ErrStopped
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	logger := d.logger.With("worker_id", id)
	logger.Debug("worker started")

	for job := range d.jobs {
		d.process(logger, job)
	}
	logger.Debug("worker stopped")
}

func (d *Dispatcher) process(logger *slog.Logger, job Job) {
	env := job.Envelope
	logger = logger.With("source", job.Source, "event_type", env.EventType, "user", env.User)

	runCtx, cancel := context.WithTimeout(d.baseCtx, d.timeout)
	result, err := d.service.Trigger(runCtx, env.EventType, env.TriggerContext())
	cancel()

	outcome := Outcome(result, err)
	metrics.IncEventsConsumed(job.Source, outcome)

	switch outcome {
	case OutcomeDelivered:
		logger.Debug("consumed event delivered", "channel", result.Channel)
	case OutcomeInbox:
		logger.Info("consumed event saved to inbox")
	default:
		logger.Warn("consumed event failed", "error", err)
	}

	if job.Done != nil {
		job.Done(err)
	}
}

// Outcome maps a delivery result to a metrics label
func Outcome(result *delivery.Result, err error) string {
	switch {
	case errors.Is(err, delivery.ErrInvalidInput), errors.Is(err, delivery.ErrNotPrivileged), errors.Is(err, ErrBadEnvelope):
		return OutcomeInvalid
	case err != nil || result == nil:
		return OutcomeFailed
	case result.Success:
		return OutcomeDelivered
	case result.SavedToInbox:
		return OutcomeInbox
	default:
		return OutcomeFailed
	}
}

// Permanent reports whether redelivering the event cannot help
func Permanent(err error) bool {
	return errors.Is(err, ErrBadEnvelope) ||
		errors.Is(err, delivery.ErrInvalidInput) ||
		errors.Is(err, delivery.ErrNotPrivileged)
}
