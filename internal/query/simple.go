package query

import (
	"context"
	"sync"
	"time"
)

// Simple wraps a single fetch with a time-to-live. It does not touch the
// cache manager; the last result lives in the query itself.
type Simple[T any] struct {
	fetch func(ctx context.Context) (T, error)
	ttl   time.Duration
	opts  options

	mu        sync.Mutex
	data      T
	hasData   bool
	loading   bool
	err       error
	lastFetch time.Time
}

// NewSimple creates a query whose result stays valid for ttl
func NewSimple[T any](fetch func(ctx context.Context) (T, error), ttl time.Duration, opts ...Option) *Simple[T] {
	return &Simple[T]{
		fetch: fetch,
		ttl:   ttl,
		opts:  buildOptions("query", opts),
	}
}

// State returns the last fetched data, whether a fetch is running and the
// last fetch error
func (q *Simple[T]) State() (data T, loading bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.data, q.loading, q.err
}

// Valid reports whether the last successful fetch is younger than the ttl
func (q *Simple[T]) Valid() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.validLocked()
}

func (q *Simple[T]) validLocked() bool {
	return q.hasData && q.opts.now().Sub(q.lastFetch) < q.ttl
}

// Mount fetches unless the current data is still valid
func (q *Simple[T]) Mount(ctx context.Context) error {
	return q.Refetch(ctx, false)
}

// Refetch fetches when the data is invalid, or always when force is set.
// A failed fetch keeps the previous data.
func (q *Simple[T]) Refetch(ctx context.Context, force bool) error {
	q.mu.Lock()
	if !force && q.validLocked() {
		q.mu.Unlock()
		return nil
	}
	q.loading = true
	q.mu.Unlock()

	start := time.Now()
	data, err := q.fetch(ctx)
	q.opts.metrics.RecordOperation("simple", time.Since(start), err == nil)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.loading = false
	q.err = err
	if err != nil {
		q.opts.logger.Debug("fetch failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	q.data = data
	q.hasData = true
	q.lastFetch = q.opts.now()
	return nil
}
