// Package retry provides retry logic with exponential backoff for fetches and storage operations
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/restopos/datacache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds up to ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists the error codes that trigger a retry
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// Retryable, when set, replaces the code based decision. Fetch functions
	// return arbitrary errors, so query layers usually retry everything.
	Retryable func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeStorageRead,
			errors.ErrCodeFetchFailed,
			errors.ErrCodeInternalError,
		},
	}
}

// Always retries every error except context cancellation
func Always(err error) bool {
	return !stderr.Is(err, context.Canceled) && !stderr.Is(err, context.DeadlineExceeded)
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = defaults.Multiplier
	}

	return &Retryer{config: config}
}

// MaxAttempts returns the configured attempt limit
func (r *Retryer) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. A non-retryable error is returned as is.
// Exhaustion is reported as RETRY_EXHAUSTED wrapping the last error and
// cancellation as OPERATION_CANCELED.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(err, attempt-1)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.shouldRetry(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(ctx.Err(), attempt)
		case <-timer.C:
		}
	}

	return errors.Wrap(lastErr, errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", r.config.MaxAttempts)).
		WithComponent("retry").
		WithContext("attempts", strconv.Itoa(r.config.MaxAttempts))
}

// DoValue runs fn under r and returns the value of the successful attempt
func DoValue[T any](ctx context.Context, r *Retryer, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (r *Retryer) shouldRetry(err error) bool {
	if r.config.Retryable != nil {
		return r.config.Retryable(err)
	}

	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) {
		return false
	}
	if cacheErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if cacheErr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay returns initialDelay * multiplier^(attempt-1), capped at MaxDelay
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

func canceled(cause error, attempts int) error {
	return errors.Wrap(cause, errors.ErrCodeOperationCanceled,
		fmt.Sprintf("operation canceled after %d attempts", attempts)).
		WithComponent("retry")
}
