package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/domain"
)

// ErrQueueUnavailable is returned by Status when no broker is configured.
var ErrQueueUnavailable = errors.New("job queue unavailable")

// JobQueue is the broker side of a Dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, task string, payload []byte) (domain.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (domain.JobStatus, bool, error)
}

// TaskFunc runs a task inline and returns its result.
type TaskFunc func(ctx context.Context, payload []byte) (string, error)

// Submission is the outcome of Submit: a queued job id, or the result of
// running the task inline.
type Submission struct {
	JobID  string
	Status domain.JobState
	Result string
}

// Queued reports whether the task went to a worker.
func (s Submission) Queued() bool { return s.JobID != "" }

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Task string
	// ForceSync runs every task inline even when a queue is present.
	ForceSync bool
	// SyncTimeout bounds inline execution.
	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher is the single place that decides between enqueueing a task and
// running it inline.
type Dispatcher struct {
	queue  JobQueue
	run    TaskFunc
	cfg    DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher. queue may be nil, which selects inline
// execution for every submission.
func NewDispatcher(q JobQueue, run TaskFunc, cfg DispatcherConfig) *Dispatcher {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if isNilQueue(q) {
		q = nil
	}
	return &Dispatcher{queue: q, run: run, cfg: cfg, logger: logger}
}

// Async reports whether submissions go to the queue.
func (d *Dispatcher) Async() bool {
	return d.queue != nil && !d.cfg.ForceSync
}

// Submit enqueues payload, or runs it inline when there is no queue.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte) (Submission, error) {
	if d.Async() {
		job, err := d.queue.Enqueue(ctx, d.cfg.Task, payload)
		if err != nil {
			return Submission{}, fmt.Errorf("enqueue %s: %w", d.cfg.Task, err)
		}
		d.logger.Info("job enqueued", "task", d.cfg.Task, "job_id", job.ID)
		return Submission{JobID: job.ID, Status: job.Status}, nil
	}
	runCtx, cancel := context.WithTimeout(ctx, d.cfg.SyncTimeout)
	defer cancel()
	result, err := d.run(runCtx, payload)
	if err != nil {
		return Submission{}, err
	}
	return Submission{Status: domain.JobFinished, Result: result}, nil
}

// Status polls a job. Unknown and expired ids report found=false.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (domain.JobPoll, bool, error) {
	if d.queue == nil {
		return domain.JobPoll{}, false, ErrQueueUnavailable
	}
	if !util.ValidID(jobID) {
		return domain.JobPoll{Status: domain.JobUnknown}, false, nil
	}
	job, found, err := d.queue.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobPoll{}, false, fmt.Errorf("get job: %w", err)
	}
	if !found {
		return domain.JobPoll{Status: domain.JobUnknown}, false, nil
	}
	return job.Poll(), true, nil
}

// Connect builds a Redis queue and probes it with PING. A broker that does not
// answer within timeout is reported as an error so the caller can fall back to
// inline execution.
func Connect(ctx context.Context, cfg RedisQueueConfig, timeout time.Duration) (*RedisJobQueue, error) {
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := q.Ping(pingCtx); err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("ping broker: %w", err)
	}
	return q, nil
}

func isNilQueue(q JobQueue) bool {
	if q == nil {
		return true
	}
	rq, ok := q.(*RedisJobQueue)
	return ok && rq == nil
}
