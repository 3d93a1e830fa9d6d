package cache

import (
	"context"
	"time"
)

// Result is the outcome of a read-through lookup
type Result[T any] struct {
	Data      T
	FromCache bool
}

// Get returns the data stored under key decoded as T. An entry that does not
// decode as T is a miss but is left in place.
func Get[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var zero T
	entry, ok := m.Lookup(ctx, key)
	if !ok {
		return zero, false
	}

	var v T
	if err := entry.Decode(&v); err != nil {
		m.logger.Warn("cached value has unexpected shape", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return zero, false
	}
	return v, true
}

// GetWithFallback returns the cached value for key or, on a miss, calls
// fetch exactly once and caches its result. Fetch errors are returned
// unmodified. A failed write is logged and the fetched data still returned.
// Concurrent callers for the same missing key each fetch.
func GetWithFallback[T any](ctx context.Context, m *Manager, key string, fetch func(ctx context.Context) (T, error), ttl time.Duration) (Result[T], error) {
	if v, ok := Get[T](ctx, m, key); ok {
		return Result[T]{Data: v, FromCache: true}, nil
	}

	start := time.Now()
	data, err := fetch(ctx)
	m.metrics.RecordOperation(m.TypeOf(key), time.Since(start), err == nil)
	if err != nil {
		return Result[T]{}, err
	}

	if err := m.Set(ctx, key, data, ttl); err != nil {
		m.logger.Warn("fetched data not cached", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	return Result[T]{Data: data}, nil
}
