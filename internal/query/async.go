package query

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/schedule"
	"github.com/restopos/datacache/pkg/retry"
)

// AsyncConfig configures an Async query
type AsyncConfig struct {
	// Key identifies the query; invalidation events match on its prefix
	Key bus.Key
	// StaleTime is how long a result is served without refetching
	StaleTime time.Duration
	// RefetchInterval refetches in the background while started; zero disables
	RefetchInterval time.Duration
	// Retry is how many times a failed fetch is retried before giving up
	Retry int
	// RetryDelay is the backoff before the first retry
	RetryDelay time.Duration
}

// Async is a keyed query that serves its last result while fresh, retries
// failed fetches with backoff and can refetch on an interval. Concurrent
// fetches share one call to the source.
type Async[T any] struct {
	config  AsyncConfig
	fetch   func(ctx context.Context) (T, error)
	retryer *retry.Retryer
	flight  singleflight.Group
	opts    options

	mu          sync.Mutex
	data        T
	hasData     bool
	loading     bool
	err         error
	updatedAt   time.Time
	invalidated bool
	generation  uint64
	fetches     uint64
	task        *schedule.Task
}

// NewAsync creates an async query
func NewAsync[T any](config AsyncConfig, fetch func(ctx context.Context) (T, error), opts ...Option) *Async[T] {
	q := &Async[T]{
		config: config,
		fetch:  fetch,
		opts:   buildOptions("query", opts),
	}
	if config.Retry > 0 {
		q.retryer = retry.New(retry.Config{
			MaxAttempts:  config.Retry + 1,
			InitialDelay: config.RetryDelay,
			Multiplier:   2,
			Jitter:       true,
			Retryable:    retry.Always,
			OnRetry: func(attempt int, err error, delay time.Duration) {
				q.opts.logger.Debug("query fetch failed, retrying", map[string]interface{}{
					"key":     keyString(q.config.Key),
					"attempt": attempt,
					"delay":   delay.String(),
					"error":   err.Error(),
				})
			},
		})
	}
	return q
}

// Key returns the query key
func (q *Async[T]) Key() bus.Key {
	return q.config.Key
}

// State returns a snapshot of the query
func (q *Async[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State[T]{
		Data:      q.data,
		HasData:   q.hasData,
		Loading:   q.loading,
		Err:       q.err,
		Stale:     q.staleLocked(),
		UpdatedAt: q.updatedAt,
	}
}

// IsStale reports whether the next Fetch goes to the source
func (q *Async[T]) IsStale() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.staleLocked()
}

func (q *Async[T]) staleLocked() bool {
	return !q.hasData || q.invalidated || q.opts.now().Sub(q.updatedAt) >= q.config.StaleTime
}

// Fetches returns how many times the source has been called to completion
func (q *Async[T]) Fetches() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fetches
}

// Fetch returns the current data while fresh, otherwise fetches it
func (q *Async[T]) Fetch(ctx context.Context) (T, error) {
	q.mu.Lock()
	if !q.staleLocked() {
		data := q.data
		q.mu.Unlock()
		return data, nil
	}
	q.mu.Unlock()
	return q.Refetch(ctx)
}

// fetchResult carries the generation a fetch started at
type fetchResult[T any] struct {
	data       T
	generation uint64
}

// Refetch fetches from the source now. A call arriving while another fetch
// runs waits for it and shares its result, unless that fetch started before
// the last Invalidate; then the source is called again. A failed fetch keeps
// the previous data.
func (q *Async[T]) Refetch(ctx context.Context) (T, error) {
	q.mu.Lock()
	want := q.generation
	q.mu.Unlock()

	for {
		v, err, _ := q.flight.Do("fetch", func() (interface{}, error) {
			return q.run(ctx)
		})
		res, _ := v.(fetchResult[T])
		if err != nil || res.generation >= want {
			return res.data, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res.data, ctxErr
		}
	}
}

// Invalidate marks the data stale so the next Fetch goes to the source.
// A fetch already running when Invalidate is called does not clear it.
func (q *Async[T]) Invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invalidated = true
	q.generation++
}

// Start fetches once and then refetches every RefetchInterval until Stop
// or ctx is done. The initial fetch error is returned; the interval starts
// regardless.
func (q *Async[T]) Start(ctx context.Context) error {
	_, err := q.Fetch(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.task == nil && q.config.RefetchInterval > 0 {
		q.task = schedule.Every(ctx, q.config.RefetchInterval, func(ctx context.Context) {
			if _, err := q.Refetch(ctx); err != nil {
				q.opts.logger.Debug("interval refetch failed", map[string]interface{}{
					"key":   keyString(q.config.Key),
					"error": err.Error(),
				})
			}
		})
	}
	return err
}

// Stop ends the interval refetch
func (q *Async[T]) Stop() {
	q.mu.Lock()
	task := q.task
	q.task = nil
	q.mu.Unlock()

	task.Stop()
}

func (q *Async[T]) run(ctx context.Context) (fetchResult[T], error) {
	q.mu.Lock()
	q.loading = true
	generation := q.generation
	q.mu.Unlock()

	start := time.Now()
	var (
		data T
		err  error
	)
	if q.retryer != nil {
		data, err = retry.DoValue(ctx, q.retryer, q.fetch)
	} else {
		data, err = q.fetch(ctx)
	}
	q.opts.metrics.RecordOperation(keyString(q.config.Key), time.Since(start), err == nil)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.loading = false
	q.fetches++
	q.err = err
	if err != nil {
		return fetchResult[T]{data: q.data, generation: generation}, err
	}
	q.data = data
	q.hasData = true
	if q.generation == generation {
		q.invalidated = false
	}
	q.updatedAt = q.opts.now()
	return fetchResult[T]{data: data, generation: generation}, nil
}
