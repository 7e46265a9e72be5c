package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/domain"
)

const settleTimeout = 5 * time.Second

// ErrJobInterrupted marks a job whose worker stopped before it finished.
var ErrJobInterrupted = errors.New("job interrupted")

// Handler executes one job. The returned string is stored as the job result.
// A returned error marks the job failed; it is not redelivered.
type Handler func(ctx context.Context, job domain.JobStatus, payload []byte) (string, error)

// RedisJobQueue is a durable multi-consumer job queue on a Redis stream.
// Job state lives in a hash per job that expires after JobTTL.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	jobTimeout   time.Duration
	maxAttempts  int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	once         sync.Once
	now          func() time.Time
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	// Options, when set, supplies the full client settings (TLS, username,
	// database index). Addr and Password are ignored then.
	Options  *redis.Options
	Stream   string
	Group    string
	Consumer string
	// JobTTL is how long a job's status stays pollable.
	JobTTL time.Duration
	// JobTimeout bounds a single execution of the handler.
	JobTimeout time.Duration
	// MaxAttempts bounds deliveries of a job whose worker died mid-run.
	MaxAttempts int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
	Logger      *slog.Logger
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	var opts redis.Options
	if cfg.Options != nil {
		opts = *cfg.Options
	} else {
		opts = redis.Options{Addr: strings.TrimSpace(cfg.Addr), Password: cfg.Password}
	}
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		// Longer than a job may run so live work is never stolen.
		claimIdle = jobTimeout + time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisJobQueue{
		client:       redis.NewClient(&opts),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		jobTimeout:   jobTimeout,
		maxAttempts:  maxAttempts,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ping checks that the broker answers.
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the broker connection.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job and appends it to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, task string, payload []byte) (domain.JobStatus, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return domain.JobStatus{}, errors.New("task required")
	}
	q.ensureGroup(ctx)
	now := q.now()
	job := domain.JobStatus{
		ID:        util.NewID(),
		Task:      task,
		Status:    domain.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.JobStatus{}, fmt.Errorf("write job status: %w", err)
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(job.ID, job.Task, string(payload), util.RequestIDFromContext(ctx)),
	}).Err(); err != nil {
		return domain.JobStatus{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// GetJob returns the job's status. Unknown and expired ids report false.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (domain.JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.JobStatus{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.JobStatus{}, false, err
	}
	if len(data) == 0 {
		return domain.JobStatus{}, false, nil
	}
	return decodeJobStatus(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) *sync.WaitGroup {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
	return &wg
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Warn("create consumer group failed", "stream", q.stream, "group", q.group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("read queue failed", "consumer", consumer, "err", err)
				q.pause(ctx, q.retryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	task, _ := msg.Values["task"].(string)
	payload, _ := msg.Values["payload"].(string)
	requestID, _ := msg.Values["request_id"].(string)
	if jobID == "" || task == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}

	current, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.logger.Warn("load job status failed", "job_id", jobID, "err", err)
		return
	}
	if !found || current.Status.Terminal() {
		// Expired or already settled by a previous delivery.
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if current.Attempts >= q.maxAttempts {
		_ = q.markFailed(ctx, jobID, fmt.Sprintf("%s after %d attempts", ErrJobInterrupted, current.Attempts))
		q.ackAndDel(ctx, msg.ID)
		return
	}

	job, err := q.markStarted(ctx, current)
	if err != nil {
		q.logger.Warn("mark job started failed", "job_id", jobID, "err", err)
		return
	}

	logger := q.logger.With("job_id", jobID, "task", task, "attempt", job.Attempts)
	if requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	runCtx, cancel := context.WithTimeout(util.ContextWithRequestID(ctx, requestID), q.jobTimeout)
	start := q.now()
	result, err := handler(runCtx, job, []byte(payload))
	cancel()

	// Final writes outlive the worker context so a shutdown cannot lose them.
	settleCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer stop()
	if err != nil && ctx.Err() != nil {
		// Shutdown: hand the job to another consumer.
		logger.Info("job interrupted by shutdown")
		_ = q.markQueued(settleCtx, jobID, ErrJobInterrupted.Error())
		if rerr := q.requeueAndAck(settleCtx, msg.ID, jobID, task, payload, requestID); rerr != nil {
			logger.Warn("requeue interrupted job failed", "err", rerr)
		}
		return
	}
	if err != nil {
		logger.Warn("job failed", "err", err, "duration_ms", q.now().Sub(start).Milliseconds())
		if merr := q.markFailed(settleCtx, jobID, err.Error()); merr != nil {
			logger.Warn("mark job failed failed", "err", merr)
		}
		q.ackAndDel(settleCtx, msg.ID)
		return
	}
	logger.Info("job finished", "duration_ms", q.now().Sub(start).Milliseconds())
	if merr := q.markFinished(settleCtx, jobID, result); merr != nil {
		logger.Warn("mark job finished failed", "err", merr)
	}
	q.ackAndDel(settleCtx, msg.ID)
}

func (q *RedisJobQueue) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, task, payload, requestID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: messageValues(jobID, task, payload, requestID),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

// messageValues builds a stream entry. The submitting request's id rides
// along so worker logs can be joined to it.
func messageValues(jobID, task, payload, requestID string) map[string]any {
	values := map[string]any{
		"job_id":  jobID,
		"task":    task,
		"payload": payload,
	}
	if requestID != "" {
		values["request_id"] = requestID
	}
	return values
}

func (q *RedisJobQueue) markStarted(ctx context.Context, job domain.JobStatus) (domain.JobStatus, error) {
	job.Attempts++
	job.Status = domain.JobStarted
	job.Error = ""
	job.UpdatedAt = q.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return domain.JobStatus{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, func(job *domain.JobStatus) {
		job.Status = domain.JobQueued
		job.Error = errMsg
	})
}

func (q *RedisJobQueue) markFinished(ctx context.Context, jobID, result string) error {
	return q.transition(ctx, jobID, func(job *domain.JobStatus) {
		job.Status = domain.JobFinished
		job.Result = result
		job.Error = ""
	})
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.transition(ctx, jobID, func(job *domain.JobStatus) {
		job.Status = domain.JobFailed
		job.Error = errMsg
	})
}

func (q *RedisJobQueue) transition(ctx context.Context, jobID string, fn func(*domain.JobStatus)) error {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		job = domain.JobStatus{ID: jobID, CreatedAt: q.now()}
	}
	fn(&job)
	job.UpdatedAt = q.now()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job domain.JobStatus) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"task":      job.Task,
		"status":    string(job.Status),
		"result":    job.Result,
		"error":     job.Error,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, payload)
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJobStatus(jobID string, data map[string]string) domain.JobStatus {
	job := domain.JobStatus{ID: jobID, Status: domain.JobUnknown}
	job.Task = data["task"]
	if v := data["status"]; v != "" {
		job.Status = domain.JobState(v)
	}
	job.Result = data["result"]
	job.Error = data["error"]
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
