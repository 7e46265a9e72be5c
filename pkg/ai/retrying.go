package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Retry defaults.
const (
	DefaultConcurrency = 3
	DefaultMaxRetries  = 5
	DefaultBaseDelay   = 3 * time.Second
	DefaultCallTimeout = 60 * time.Second
)

// RetryConfig configures a RetryingClient.
type RetryConfig struct {
	// Concurrency bounds in-flight provider calls across the process.
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	} else if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// GenerationError carries the class of a failed generation and the message
// to show the student in its place.
type GenerationError struct {
	Class       ErrorClass
	UserMessage string
	Attempts    int
	Err         error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return e.UserMessage
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// UserMessageOf returns the user-facing message for err, falling back to the
// generic unavailable message.
func UserMessageOf(err error) string {
	var ge *GenerationError
	if errors.As(err, &ge) && ge.UserMessage != "" {
		return ge.UserMessage
	}
	return MsgUnavailable
}

// RetryingClient wraps a ChatGenerator with an admission gate and retries.
type RetryingClient struct {
	gen    ChatGenerator
	cfg    RetryConfig
	gate   *semaphore.Weighted
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient builds a RetryingClient. gen may be nil, in which case
// every call fails with MsgNotConfigured.
func NewRetryingClient(gen ChatGenerator, cfg RetryConfig, logger *slog.Logger) *RetryingClient {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingClient{
		gen:    gen,
		cfg:    cfg,
		gate:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
		sleep:  sleepContext,
	}
}

// Configured reports whether a provider is wired.
func (c *RetryingClient) Configured() bool {
	return c != nil && c.gen != nil
}

// Generate sends messages to the provider. Transient and unknown failures are
// retried with a linear backoff; other classes return at once. Every returned
// error is a *GenerationError.
func (c *RetryingClient) Generate(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if !c.Configured() {
		return "", &GenerationError{Class: ClassUnknown, UserMessage: MsgNotConfigured}
	}
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return "", &GenerationError{Class: ClassTransient, UserMessage: MsgUnavailable, Err: err}
	}
	defer c.gate.Release(1)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		text, err := c.call(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", &GenerationError{Class: ClassTransient, UserMessage: MsgUnavailable, Attempts: attempt + 1, Err: ctx.Err()}
		}
		lastErr = err
		class := Classify(err)
		c.logger.Warn("generation attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxRetries,
			"class", class.String(),
			"err", err,
		)

		switch class {
		case ClassAuth, ClassQuota, ClassPermission:
			return "", &GenerationError{Class: class, UserMessage: UserMessage(class), Attempts: attempt + 1, Err: err}
		case ClassInvalid:
			c.logger.Error("generation request rejected", "err", err, "messages", len(messages), "model", opts.Model)
			return "", &GenerationError{Class: class, UserMessage: MsgInvalid, Attempts: attempt + 1, Err: err}
		}

		if attempt == c.cfg.MaxRetries-1 {
			return "", &GenerationError{Class: class, UserMessage: exhaustedMessage(class, err), Attempts: attempt + 1, Err: err}
		}
		wait := c.cfg.BaseDelay * time.Duration(attempt+1)
		if err := c.sleep(ctx, wait); err != nil {
			return "", &GenerationError{Class: ClassTransient, UserMessage: MsgUnavailable, Attempts: attempt + 1, Err: err}
		}
	}
	return "", &GenerationError{Class: ClassUnknown, UserMessage: MsgUnavailable, Attempts: c.cfg.MaxRetries, Err: lastErr}
}

func (c *RetryingClient) call(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	start := time.Now()
	text, err := c.gen.Chat(callCtx, messages, opts)
	if err == nil {
		c.logger.Debug("generation completed", "model", opts.Model, "duration_ms", time.Since(start).Milliseconds())
	}
	return text, err
}

func exhaustedMessage(class ErrorClass, err error) string {
	if class == ClassTransient {
		return MsgNetwork
	}
	msg := []rune(err.Error())
	if len(msg) > 100 {
		msg = msg[:100]
	}
	return fmt.Sprintf("予期しないエラーが発生しました: %s...", string(msg))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
