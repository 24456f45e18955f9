// Package jobs runs durable background work out of the store's job queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/crownd/internal/otel"
	"github.com/basket/crownd/internal/persistence"
	"github.com/basket/crownd/internal/shared"
	"github.com/basket/crownd/internal/telemetry"
)

// Queue is the subset of the store the worker drives.
type Queue interface {
	RecoverRunningJobs(ctx context.Context) (int64, error)
	RequeueExpiredLeases(ctx context.Context) (int64, error)
	ClaimNextJob(ctx context.Context) (*persistence.Job, error)
	HeartbeatJob(ctx context.Context, jobID, leaseOwner string) (bool, error)
	CompleteJob(ctx context.Context, jobID, leaseOwner string) error
	HandleJobFailure(ctx context.Context, jobID, leaseOwner, errMsg string, retryable bool) (persistence.FailureDecision, error)
}

type Handler interface {
	Handle(ctx context.Context, job persistence.Job) error
}

type HandlerFunc func(ctx context.Context, job persistence.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job persistence.Job) error {
	return f(ctx, job)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job is dead-lettered at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Config struct {
	WorkerCount       int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *otel.Metrics
}

type Status struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	Processed   int64  `json:"processed"`
	LastError   string `json:"last_error,omitempty"`
}

type Worker struct {
	queue  Queue
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	processed  atomic.Int64
	lastError  atomic.Pointer[string]
}

func New(queue Queue, cfg Config) *Worker {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:    queue,
		config:   cfg,
		logger:   logger,
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a job type. Registering the same type twice
// replaces the earlier handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Start recovers jobs left RUNNING by a previous process and launches the
// worker goroutines. They stop when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		n, err := w.queue.RecoverRunningJobs(ctx)
		if err != nil {
			w.logger.Error("job recovery failed", "error", err)
		} else if n > 0 {
			w.logger.Info("recovered stale jobs on startup", "count", n)
		}
		for i := 0; i < w.config.WorkerCount; i++ {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.loop(ctx)
			}()
		}
	})
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// Drain waits up to timeout for the workers to return. Jobs still leased
// when it gives up are requeued by RecoverRunningJobs on next start.
func (w *Worker) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("job worker drained cleanly")
		return true
	case <-time.After(timeout):
		w.logger.Warn("job worker drain timeout; in-flight jobs will be recovered", "timeout", timeout)
		return false
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := w.queue.RequeueExpiredLeases(ctx); err != nil {
			w.setLastError(fmt.Errorf("requeue expired leases: %w", err))
		}
		job, err := w.queue.ClaimNextJob(ctx)
		if err != nil {
			w.setLastError(err)
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		w.handleJob(ctx, *job)
	}
}

// RunOnce claims and runs at most one due job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.handleJob(ctx, *job)
	return true, nil
}

func (w *Worker) handleJob(ctx context.Context, job persistence.Job) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithJobID(ctx, job.ID)
	log := telemetry.FromContext(ctx, w.logger).With("job_type", job.Type, "attempt", job.Attempt+1)
	log.Info("job processing")

	w.activeJobs.Add(1)
	defer w.activeJobs.Add(-1)

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	go w.heartbeat(jobCtx, cancel, job, log)

	h, ok := w.handler(job.Type)
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
	} else {
		err = h.Handle(jobCtx, job)
	}
	if err == nil && jobCtx.Err() != nil {
		err = fmt.Errorf("skip complete after context end: %w", jobCtx.Err())
	}
	// Settle with a fresh context so shutdown does not strand the lease.
	settleCtx := context.WithoutCancel(ctx)
	w.processed.Add(1)

	if err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("job timeout exceeded: %w", err)
		}
		w.setLastError(err)
		decision, ferr := w.queue.HandleJobFailure(settleCtx, job.ID, job.LeaseOwner, err.Error(), !IsPermanent(err))
		if ferr != nil {
			log.Warn("job failure not recorded", "error", ferr)
			return
		}
		outcome := "retry"
		if decision.DeadLettered {
			outcome = "dead_letter"
			log.Error("job dead-lettered", "error", err, "attempts", decision.Attempt)
		} else {
			log.Warn("job failed; will retry", "error", err, "retry_at", decision.RetryAt)
		}
		w.config.Metrics.CountJob(settleCtx, job.Type, outcome)
		return
	}

	if err := w.queue.CompleteJob(settleCtx, job.ID, job.LeaseOwner); err != nil {
		w.setLastError(err)
		log.Warn("job completion not recorded", "error", err)
		return
	}
	w.config.Metrics.CountJob(settleCtx, job.Type, "succeeded")
	log.Info("job succeeded")
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels the
// handler, since another worker now owns the job.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, job persistence.Job, log *slog.Logger) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.queue.HeartbeatJob(context.WithoutCancel(ctx), job.ID, job.LeaseOwner)
			if err != nil {
				w.setLastError(fmt.Errorf("lease heartbeat: %w", err))
				continue
			}
			if !ok {
				log.Warn("job lease lost; canceling handler")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	w.lastError.Store(&msg)
}

func (w *Worker) Status() Status {
	status := Status{
		WorkerCount: w.config.WorkerCount,
		ActiveJobs:  w.activeJobs.Load(),
		Processed:   w.processed.Load(),
	}
	if ptr := w.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
