package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

type Config struct {
	Concurrency     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// Retryable decides whether an error is transient. Nil retries nothing.
	Retryable func(error) bool
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

// Queue runs tasks with bounded concurrency, retrying transient failures
// with exponential backoff.
type Queue struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
}

func NewQueue(cfg Config, logger *slog.Logger) *Queue {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaults.MaxInterval
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = defaults.MaxElapsedTime
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: logger,
	}
}

func (q *Queue) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialInterval
	b.MaxInterval = q.cfg.MaxInterval
	b.MaxElapsedTime = q.cfg.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

// Run executes fn once a concurrency slot is free. Each attempt holds a slot
// only while it runs, so a task waiting out its backoff does not starve
// others.
func (q *Queue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0

	operation := func() error {
		attempt++

		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		err := func() error {
			defer q.sem.Release(1)
			return fn(ctx)
		}()

		if err == nil {
			return nil
		}
		if q.cfg.Retryable == nil || !q.cfg.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		q.logger.Warn("Retrying task after transient error",
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, q.newBackOff(ctx), notify); err != nil {
		return fmt.Errorf("task failed after %d attempts: %w", attempt, err)
	}
	return nil
}
