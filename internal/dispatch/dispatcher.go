// Package dispatch resolves the automations bound to a stage and hands them
// to an external executor, asynchronously and at-least-once. The state
// transition itself never waits on delivery; a failed delivery is retried
// here and, past the retry budget, logged for the executor's own reconciler.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/freeflowhq/stageflow/internal/domain"
	"github.com/freeflowhq/stageflow/internal/storage"
)

// Executor delivers one automation to the outside world. Implementations must
// honor the idempotency key: the dispatcher guarantees at-least-once, not
// exactly-once.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// Job is one automation delivery.
type Job struct {
	Automation     domain.Automation
	Entity         domain.EntityRef
	StageID        string
	Trigger        domain.AutomationTrigger
	IdempotencyKey string
}

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	retryMaxElapsed  = 30 * time.Second
)

// Dispatcher fans automation jobs out to a worker pool.
type Dispatcher struct {
	bindings storage.BindingStore
	executor Executor
	logger   *slog.Logger

	jobs    chan Job
	group   *errgroup.Group
	cancel  context.CancelFunc
	workers int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithQueueSize sets the job buffer length.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.jobs = make(chan Job, n)
		}
	}
}

// New creates a dispatcher. Call Start before dispatching and Close on
// shutdown.
func New(bindings storage.BindingStore, executor Executor, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		bindings: bindings,
		executor: executor,
		logger:   logger,
		jobs:     make(chan Job, defaultQueueSize),
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the worker pool. Workers run until Close is called or the
// parent context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			d.worker(ctx)
			return nil
		})
	}
}

// Close stops accepting jobs, drains the queue, and waits for in-flight
// deliveries to finish.
func (d *Dispatcher) Close() error {
	close(d.jobs)
	if d.group == nil {
		return nil
	}
	err := d.group.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	return err
}

// Dispatch looks up the automations bound to (stageID, trigger) and enqueues
// one job per automation. The idempotency key is the history record ID plus
// the automation's ordinal, so a redelivered transition produces the same
// keys. A stage with no bindings is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, stageID string, trigger domain.AutomationTrigger, entity domain.EntityRef, historyRecordID string) error {
	binding, err := d.bindings.GetBinding(ctx, stageID, trigger)
	if err != nil {
		return fmt.Errorf("failed to resolve bindings for stage %s: %w", stageID, err)
	}

	for i, automation := range binding.Automations {
		job := Job{
			Automation:     automation,
			Entity:         entity,
			StageID:        stageID,
			Trigger:        trigger,
			IdempotencyKey: fmt.Sprintf("%s:%d", historyRecordID, i),
		}
		select {
		case d.jobs <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	for job := range d.jobs {
		d.deliver(ctx, job)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	// BackOff implementations are stateful; always use a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed

	err := backoff.Retry(func() error {
		return d.executor.Execute(ctx, job)
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		d.logger.Error("automation delivery failed after retries",
			slog.String("automation_type", job.Automation.Type),
			slog.String("stage_id", job.StageID),
			slog.String("trigger", string(job.Trigger)),
			slog.String("idempotency_key", job.IdempotencyKey),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Debug("automation delivered",
		slog.String("automation_type", job.Automation.Type),
		slog.String("stage_id", job.StageID),
		slog.String("idempotency_key", job.IdempotencyKey),
	)
}
