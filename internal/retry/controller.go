// Package retry wraps fallible operations with bounded, jittered exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/job-aggregator/internal/crawler"
)

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// Config parameterizes a Controller.
type Config struct {
	// Limit is the number of retries after the first attempt.
	Limit     int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// ExhaustedError is returned once every attempt has failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from a controller that ran out of attempts.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// Controller retries transient failures. Controllers are immutable and safe
// for concurrent use; WithLimit derives a copy with a different budget.
type Controller struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = sleep
	}
}

// WithLogger attaches a logger for retry decisions.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Controller, filling zero delays with defaults.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	c := &Controller{
		cfg:    cfg,
		sleep:  sleepContext,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit returns the configured retry budget.
func (c *Controller) Limit() int {
	return c.cfg.Limit
}

// WithLimit returns a copy of c with a different retry budget.
func (c *Controller) WithLimit(limit int) *Controller {
	cp := *c
	if limit < 0 {
		limit = 0
	}
	cp.cfg.Limit = limit
	return &cp
}

// Do runs op until it succeeds, fails permanently, or exhausts the retry
// budget. It returns the number of attempts made. Permanent failures and
// context errors are returned as-is without consuming budget.
func (c *Controller) Do(ctx context.Context, op func(context.Context) error) (int, error) {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempts, fmt.Errorf("retry aborted: %w", err)
		}
		attempts++
		err := op(ctx)
		if err == nil {
			return attempts, nil
		}
		if !c.ShouldRetry(ctx, err) {
			return attempts, err
		}
		if attempts > c.cfg.Limit {
			return attempts, &ExhaustedError{Attempts: attempts, Err: err}
		}
		delay := c.Backoff(attempts - 1)
		c.logger.Debug("retrying after transient failure",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return attempts, fmt.Errorf("retry backoff: %w", err)
		}
	}
}

// ShouldRetry decides whether the error is retryable.
func (c *Controller) ShouldRetry(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return crawler.IsTransient(err)
}

// Backoff returns base*2^attempt plus up to half of that again as jitter,
// never exceeding MaxDelay.
func (c *Controller) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	total := time.Duration(delay) + randomJitter(time.Duration(delay)/2)
	if total > c.cfg.MaxDelay {
		total = c.cfg.MaxDelay
	}
	return total
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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
