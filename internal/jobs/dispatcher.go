package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jogman/gwfbot/internal/host"
)

// Handler executes one job. Transient host failures (host.TransientError)
// are retried with backoff; any other error fails the job.
type Handler func(ctx context.Context, job *Job) error

// History persists job state transitions. Implementations must tolerate
// being called from a single goroutine only.
type History interface {
	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
}

// Dispatcher is the single writer for one repository. Jobs are executed
// strictly in FIFO order; a queued duplicate of a pending job is dropped.
type Dispatcher struct {
	repo    string
	handler Handler
	history History // may be nil
	logger  *slog.Logger

	// retryBase is the first backoff delay, doubled on each retry.
	retryBase  time.Duration
	maxRetries uint64

	mu      sync.Mutex
	pending []*Job
	wake    chan struct{}
}

// NewDispatcher builds a dispatcher for one repository. history may be nil
// when no persistence is wanted.
func NewDispatcher(repo string, handler Handler, history History, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		handler:    handler,
		history:    history,
		logger:     logger.With("repo", repo),
		retryBase:  time.Second,
		maxRetries: 4,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue appends a job to the pending queue. Returns false when an equal
// job is already pending and the new one was dropped.
func (d *Dispatcher) Enqueue(ctx context.Context, job *Job) bool {
	d.mu.Lock()
	for _, p := range d.pending {
		if samePending(p, job) {
			d.mu.Unlock()
			d.logger.Debug("dropped duplicate job", "job", job.String())
			return false
		}
	}
	d.pending = append(d.pending, job)
	d.mu.Unlock()

	if d.history != nil {
		if err := d.history.Insert(ctx, job); err != nil {
			d.logger.Warn("could not persist job", "job", job.String(), "error", err)
		}
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending returns a snapshot of the queued jobs.
func (d *Dispatcher) Pending() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Job, len(d.pending))
	copy(out, d.pending)
	return out
}

// Run processes jobs until the context is cancelled. A failing job never
// stops the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		job := d.pop()
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		d.process(ctx, job)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) pop() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return nil
	}
	job := d.pending[0]
	d.pending = d.pending[1:]
	return job
}

func (d *Dispatcher) process(ctx context.Context, job *Job) {
	job.Status = StatusRunning
	job.StartedAt = time.Now().UTC()
	d.record(ctx, job)
	d.logger.Info("job started", "job", job.String(), "id", job.ID)

	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := d.handler(ctx, job)
		if host.IsTransient(err) {
			d.logger.Warn("transient failure, retrying", "job", job.String(), "error", err)
			return retry.RetryableError(err)
		}
		return err
	})

	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = StatusFailed
		if job.Outcome == "" {
			job.Outcome = err.Error()
		}
		d.logger.Error("job failed", "job", job.String(), "id", job.ID, "error", err)
	} else {
		job.Status = StatusDone
		d.logger.Info("job done", "job", job.String(), "id", job.ID, "outcome", job.Outcome)
	}
	d.record(ctx, job)
}

func (d *Dispatcher) record(ctx context.Context, job *Job) {
	if d.history == nil {
		return
	}
	if err := d.history.Update(ctx, job); err != nil {
		d.logger.Warn("could not record job state", "job", job.String(), "error", err)
	}
}
