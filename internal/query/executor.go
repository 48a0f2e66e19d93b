// Package query runs calls against the durable store and the generation
// service with per-attempt timeouts, bounded retries and a result cache.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/eapache/go-resiliency/retrier"

	"fitgen/internal/cache"
)

// Backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Options tune an Executor. Zero fields take the defaults below. A negative
// RetryDelay means no wait between attempts.
type Options struct {
	MaxAttempts       int
	RetryDelay        time.Duration
	Timeout           time.Duration
	GenerationTimeout time.Duration
	Backoff           string
}

// NoRetryDelay retries immediately.
const NoRetryDelay time.Duration = -1

const (
	DefaultMaxAttempts       = 3
	DefaultRetryDelay        = time.Second
	DefaultTimeout           = 10 * time.Second
	DefaultGenerationTimeout = 30 * time.Second
)

// Result is what every execution returns. Err is set instead of panicking or
// returning a second value so call sites branch on one struct.
type Result[T any] struct {
	Data      T
	Err       error
	FromCache bool
	Elapsed   time.Duration
}

// OK reports whether the execution produced data.
func (r Result[T]) OK() bool { return r.Err == nil }

// Executor holds the retry policy and the cache shared by all executions.
type Executor struct {
	cache  cache.Cache
	opts   Options
	logger *slog.Logger
}

// NewExecutor builds an executor. A nil cache disables caching.
func NewExecutor(c cache.Cache, opts Options, logger *slog.Logger) *Executor {
	if c == nil {
		c = cache.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= NoRetryDelay {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = DefaultGenerationTimeout
	}
	if opts.Backoff == "" {
		opts.Backoff = BackoffFixed
	}
	return &Executor{cache: c, opts: opts, logger: logger}
}

// Execute runs fn against the durable store. When key is non-empty a live
// cache entry short-circuits the call and a successful result is cached.
func Execute[T any](ctx context.Context, e *Executor, operation, key string, fn func(ctx context.Context) (T, error)) Result[T] {
	return run(ctx, e, operation, key, e.opts.Timeout, fn)
}

// ExecuteFunction runs fn against the generation service. Generation output
// is not deterministic, so callers normally pass an empty key.
func ExecuteFunction[T any](ctx context.Context, e *Executor, operation, key string, fn func(ctx context.Context) (T, error)) Result[T] {
	return run(ctx, e, operation, key, e.opts.GenerationTimeout, fn)
}

func run[T any](ctx context.Context, e *Executor, operation, key string, timeout time.Duration, fn func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()
	log := e.logger.With("operation", operation)

	if key != "" {
		if raw, ok := e.cache.Get(ctx, key); ok {
			var cached T
			if err := json.Unmarshal(raw, &cached); err == nil {
				elapsed := time.Since(start)
				log.Debug("query served from cache", "key", key, "from_cache", true, "elapsed_ms", elapsed.Milliseconds())
				return Result[T]{Data: cached, FromCache: true, Elapsed: elapsed}
			}
			log.Warn("discarding undecodable cache entry", "key", key)
		}
	}

	log.Debug("query started", "max_attempts", e.opts.MaxAttempts)

	var (
		data    T
		attempt int
	)
	r := retrier.New(e.backoff(), classifier{parent: ctx})
	if e.opts.Backoff == BackoffExponential {
		r.SetJitter(0.25)
	}

	err := r.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		out, err := fn(attemptCtx)
		if err != nil {
			log.Warn("query attempt failed", "attempt", attempt, "error", err)
			return err
		}
		data = out
		return nil
	})

	elapsed := time.Since(start)
	if err != nil {
		log.Error("query failed", "attempts", attempt, "elapsed_ms", elapsed.Milliseconds(), "error", err)
		var zero T
		return Result[T]{Data: zero, Err: err, Elapsed: elapsed}
	}

	if key != "" {
		e.store(ctx, key, data)
	}
	log.Info("query succeeded", "attempts", attempt, "from_cache", false, "elapsed_ms", elapsed.Milliseconds())
	return Result[T]{Data: data, Elapsed: elapsed}
}

// Prime writes value under key as if it had just been fetched.
func (e *Executor) Prime(ctx context.Context, key string, value any) {
	e.store(ctx, key, value)
}

// Invalidate drops every cached entry in the namespace.
func (e *Executor) Invalidate(ctx context.Context, namespace string) {
	e.cache.Clear(ctx, namespace)
}

func (e *Executor) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		e.logger.Warn("query result not cacheable", "key", key, "error", err)
		return
	}
	e.cache.Set(ctx, key, raw)
}

func (e *Executor) backoff() []time.Duration {
	retries := e.opts.MaxAttempts - 1
	if e.opts.Backoff == BackoffExponential {
		return retrier.ExponentialBackoff(retries, e.opts.RetryDelay)
	}
	return retrier.ConstantBackoff(retries, e.opts.RetryDelay)
}

type classifier struct {
	parent context.Context
}

func (c classifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.Is(err, ErrPermanent):
		return retrier.Fail
	case c.parent.Err() != nil:
		return retrier.Fail
	default:
		return retrier.Retry
	}
}
