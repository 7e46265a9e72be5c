// Package app wires configuration into the storage cascade, the generation
// client, the summary queue and the HTTP server. The server and worker
// binaries build the same App so a job runs identically in either process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"sciencebuddy/internal/config"
	"sciencebuddy/internal/ratelimit"
	"sciencebuddy/internal/server"
	"sciencebuddy/internal/util"
	"sciencebuddy/pkg/ai"
	"sciencebuddy/pkg/auth"
	"sciencebuddy/pkg/dialogue"
	"sciencebuddy/pkg/domain"
	"sciencebuddy/pkg/filestore"
	"sciencebuddy/pkg/queue"
	"sciencebuddy/pkg/session"
	"sciencebuddy/pkg/storage"
	"sciencebuddy/pkg/store"
	"sciencebuddy/pkg/summary"
)

// App holds the process-wide components built once at startup.
type App struct {
	cfg    config.FileConfig
	logger *slog.Logger

	Files      *filestore.Store
	Objects    storage.ObjectStore
	Document   *store.DocumentBackend
	Router     *store.Router
	Progress   *store.ProgressStore
	Logs       *store.LogStore
	Generator  *ai.RetryingClient
	Task       *summary.Task
	Tutor      *dialogue.Tutor
	Queue      *queue.RedisJobQueue
	Dispatcher *queue.Dispatcher
	Registry   session.Registry
	Tokens     *session.Issuer

	redis          redis.UniversalClient
	summaryLimiter ratelimit.Limiter
	loginLimiter   ratelimit.Limiter
	trusted        *util.TrustedProxies
}

// New builds every component. Optional backends (document database, object
// store, broker) that fail to initialize are logged and left out; the local
// file backend and inline job execution are always available.
func New(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, Files: filestore.New()}

	backends := make([]store.Backend, 0, 3)
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		doc, err := store.NewDocumentBackend(dsn)
		if err != nil {
			logger.Warn("document database unavailable, continuing without it", "err", err)
		} else {
			a.Document = doc
			backends = append(backends, doc)
		}
	}
	if cfg.ObjectStore.Enabled() {
		objects, err := storage.New(storage.Config{
			Provider:  cfg.ObjectStore.Provider,
			Endpoint:  cfg.ObjectStore.Endpoint,
			Region:    cfg.ObjectStore.Region,
			AccessKey: cfg.ObjectStore.AccessKey,
			SecretKey: cfg.ObjectStore.SecretKey,
			Bucket:    cfg.ObjectStore.Bucket,
			UseSSL:    cfg.ObjectStore.UseSSL,
		})
		if err != nil {
			logger.Warn("object store unavailable, continuing without it", "err", err)
		} else {
			a.Objects = objects
			backends = append(backends, store.NewObjectBackend(objects))
		}
	}
	backends = append(backends, store.NewFileBackend(a.Files, store.FilePaths{
		Sessions:  cfg.SessionStorageFile,
		Summaries: cfg.SummaryStorageFile,
		Progress:  cfg.LearningProgressFile,
	}))
	router, err := store.NewRouter(logger, backends...)
	if err != nil {
		return nil, err
	}
	a.Router = router
	a.Progress = store.NewProgressStore(router, cfg.SerializeProgressUpdates)
	a.Logs = store.NewLogStore(a.Files, a.Objects, cfg.LogsDir, logger)
	logger.Info("storage cascade ready", "backends", router.Backends())

	gen, err := newChatGenerator(cfg.Generation)
	if err != nil {
		return nil, err
	}
	if gen == nil {
		logger.Warn("no generation provider configured; generation requests will fail with a notice")
	}
	a.Generator = ai.NewRetryingClient(gen, ai.RetryConfig{
		Concurrency: cfg.Generation.Concurrency,
		MaxRetries:  cfg.Generation.MaxRetries,
		BaseDelay:   cfg.Generation.RetryDelay(),
		CallTimeout: cfg.Generation.Timeout(),
	}, logger)
	prompts := summary.NewPrompts(cfg.PromptsDir)
	a.Task = summary.NewTask(a.Generator, router, a.Progress, a.Logs, prompts, logger).WithModel(cfg.Generation.Model)
	a.Tutor = dialogue.NewTutor(a.Generator, router, a.Progress, a.Logs, prompts, logger)

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	if redisOpts != nil {
		a.connectRedis(ctx, redisOpts)
	}
	a.Dispatcher = queue.NewDispatcher(a.Queue, a.Task.Run, queue.DispatcherConfig{
		Task:        summary.TaskName,
		ForceSync:   cfg.ForceSyncSummary,
		SyncTimeout: cfg.JobTimeout(),
		Logger:      logger,
	})
	logger.Info("summary dispatch mode", "async", a.Dispatcher.Async(), "force_sync", cfg.ForceSyncSummary)

	if cfg.SharedSessions && a.redis != nil {
		a.Registry = session.NewRedisRegistry(a.redis, cfg.SessionTTL())
	} else {
		if cfg.SharedSessions {
			logger.Warn("shared sessions requested but redis is unavailable; using in-process registry")
		}
		a.Registry = session.NewMemoryRegistry()
	}
	tokens, err := session.NewIssuer(cfg.JWTSecret, cfg.SessionTTL())
	if err != nil {
		return nil, err
	}
	a.Tokens = tokens

	if err := a.buildLimiters(); err != nil {
		return nil, err
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	a.trusted = trusted
	return a, nil
}

// connectRedis probes the broker. On failure the app runs without a queue
// and without Redis-backed sessions and limits.
func (a *App) connectRedis(ctx context.Context, opts *redis.Options) {
	queueOpts := *opts
	q, err := queue.Connect(ctx, queue.RedisQueueConfig{
		Options:     &queueOpts,
		Stream:      a.cfg.QueueName,
		Group:       a.cfg.QueueGroup,
		JobTTL:      a.cfg.JobTTL(),
		JobTimeout:  a.cfg.JobTimeout(),
		MaxAttempts: a.cfg.QueueMaxAttempts,
		Logger:      a.logger,
	}, a.cfg.ProbeTimeout())
	if err != nil {
		a.logger.Warn("broker unavailable, summaries run inline", "addr", opts.Addr, "err", err)
		return
	}
	a.Queue = q
	sharedOpts := *opts
	a.redis = redis.NewClient(&sharedOpts)
}

func (a *App) buildLimiters() error {
	var err error
	if a.redis != nil {
		a.summaryLimiter, err = ratelimit.NewRedisFixedWindowLimiter(a.redis, "sciencebuddy:ratelimit:summary", a.cfg.SummaryRateLimitPerMinute, time.Minute, true)
		if err != nil {
			return fmt.Errorf("init summary limiter: %w", err)
		}
		a.loginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(a.redis, "sciencebuddy:ratelimit:login", a.cfg.LoginRateLimitPerMinute, time.Minute, false)
		if err != nil {
			return fmt.Errorf("init login limiter: %w", err)
		}
		return nil
	}
	a.summaryLimiter, err = ratelimit.NewMemoryFixedWindowLimiter(a.cfg.SummaryRateLimitPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("init summary limiter: %w", err)
	}
	a.loginLimiter, err = ratelimit.NewMemoryFixedWindowLimiter(a.cfg.LoginRateLimitPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("init login limiter: %w", err)
	}
	return nil
}

// newChatGenerator returns the configured provider, or nil when the default
// provider has no credentials.
func newChatGenerator(cfg config.GenerationConfig) (ai.ChatGenerator, error) {
	switch cfg.Provider {
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.APIKey)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client.WithBaseURL(cfg.BaseURL), cfg.Model), nil
	case "ollama":
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	default:
		if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, nil
		}
		return ai.NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	}
}

// Server builds the HTTP server over the app's components.
func (a *App) Server() (*server.Server, error) {
	return server.New(server.Config{
		Registry:       a.Registry,
		Tokens:         a.Tokens,
		Router:         a.Router,
		Progress:       a.Progress,
		Logs:           a.Logs,
		Dispatcher:     a.Dispatcher,
		Tutor:          a.Tutor,
		Teachers:       auth.Accounts(a.cfg.TeacherPasswordHash),
		SummaryLimiter: a.summaryLimiter,
		LoginLimiter:   a.loginLimiter,
		TrustedProxies: a.trusted,
		CORSOrigins:    a.cfg.CORSOrigins,
		Logger:         a.logger,
	})
}

// ErrNoQueue is returned by RunWorker when no broker is connected.
var ErrNoQueue = errors.New("app: no job queue connected")

// RunWorker consumes summary jobs until ctx is cancelled. The returned group
// completes once every consumer has stopped.
func (a *App) RunWorker(ctx context.Context) (*sync.WaitGroup, error) {
	if a.Queue == nil {
		return nil, ErrNoQueue
	}
	handler := func(ctx context.Context, job domain.JobStatus, payload []byte) (string, error) {
		if job.Task != summary.TaskName {
			return "", fmt.Errorf("unknown task %q", job.Task)
		}
		return a.Task.Run(ctx, payload)
	}
	a.logger.Info("worker consuming", "stream", a.cfg.QueueName, "concurrency", a.cfg.QueueConcurrency)
	return a.Queue.Start(ctx, a.cfg.QueueConcurrency, handler), nil
}

// Close releases broker and database connections.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		errs = append(errs, a.Queue.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Document != nil {
		errs = append(errs, a.Document.Close())
	}
	return errors.Join(errs...)
}

// MigrationResult counts the documents copied into one remote backend.
type MigrationResult struct {
	Backend string
	Counts  map[store.Family]int
}

// Migrate copies every family held by the local file backend into each
// remote backend of the cascade. Remote documents with the same join key are
// overwritten.
func (a *App) Migrate(ctx context.Context) ([]MigrationResult, error) {
	local := a.Router.Local()
	var remotes []store.Backend
	if a.Document != nil {
		remotes = append(remotes, a.Document)
	}
	if a.Objects != nil {
		remotes = append(remotes, store.NewObjectBackend(a.Objects))
	}
	if len(remotes) == 0 {
		return nil, errors.New("app: no remote backend configured")
	}

	results := make([]MigrationResult, 0, len(remotes))
	for _, remote := range remotes {
		res := MigrationResult{Backend: remote.Name(), Counts: map[store.Family]int{}}
		for _, family := range store.Families {
			docs, found, err := local.LoadAll(ctx, family)
			if err != nil {
				return results, fmt.Errorf("read local %s: %w", family, err)
			}
			if !found || len(docs) == 0 {
				continue
			}
			if err := remote.SaveAll(ctx, family, docs); err != nil {
				return results, fmt.Errorf("copy %s to %s: %w", family, remote.Name(), err)
			}
			res.Counts[family] = len(docs)
			a.logger.Info("family migrated", "family", family, "backend", remote.Name(), "documents", len(docs))
		}
		results = append(results, res)
	}
	return results, nil
}
