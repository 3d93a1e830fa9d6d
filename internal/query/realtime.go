package query

import (
	"context"
	"sync"
	"time"

	"github.com/restopos/datacache/internal/bus"
)

// RealtimeConfig configures a Realtime query
type RealtimeConfig struct {
	Key             bus.Key
	StaleTime       time.Duration
	RefetchInterval time.Duration
	Retry           int
	RetryDelay      time.Duration
}

// DefaultRealtimeConfig returns the short-lived settings for operational
// data such as open orders and cash registers
func DefaultRealtimeConfig(key ...string) RealtimeConfig {
	return RealtimeConfig{
		Key:             bus.Key(key),
		StaleTime:       5 * time.Second,
		RefetchInterval: 30 * time.Second,
		Retry:           1,
		RetryDelay:      500 * time.Millisecond,
	}
}

// Realtime is an Async query that also listens on both bus topics. An
// event naming a prefix of its key marks it stale and refetches at once.
type Realtime[T any] struct {
	*Async[T]
	bus *bus.Bus

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup
}

// NewRealtime creates a realtime query. Zero StaleTime and RefetchInterval
// take the defaults; a negative RefetchInterval disables polling.
func NewRealtime[T any](b *bus.Bus, config RealtimeConfig, fetch func(ctx context.Context) (T, error), opts ...Option) *Realtime[T] {
	defaults := DefaultRealtimeConfig()
	if config.StaleTime == 0 {
		config.StaleTime = defaults.StaleTime
	}
	if config.RefetchInterval == 0 {
		config.RefetchInterval = defaults.RefetchInterval
	}

	return &Realtime[T]{
		Async: NewAsync(AsyncConfig{
			Key:             config.Key,
			StaleTime:       config.StaleTime,
			RefetchInterval: config.RefetchInterval,
			Retry:           config.Retry,
			RetryDelay:      config.RetryDelay,
		}, fetch, opts...),
		bus: b,
	}
}

// Start subscribes to invalidation events and starts the async query
func (q *Realtime[T]) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.cancel == nil {
		q.ctx, q.cancel = context.WithCancel(ctx)
		for _, topic := range []bus.Topic{bus.TopicStaticDataChanged, bus.TopicDynamicDataChanged} {
			q.unsubs = append(q.unsubs, q.bus.Subscribe(topic, q.onEvent))
		}
	}
	runCtx := q.ctx
	q.mu.Unlock()

	return q.Async.Start(runCtx)
}

// Stop unsubscribes, stops polling and waits for event-triggered refetches
func (q *Realtime[T]) Stop() {
	q.mu.Lock()
	unsubs := q.unsubs
	cancel := q.cancel
	q.unsubs = nil
	q.cancel = nil
	q.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	q.Async.Stop()
	q.wg.Wait()
}

func (q *Realtime[T]) onEvent(_ context.Context, topic bus.Topic, event bus.Event) {
	if !event.Matches(q.Key()) {
		return
	}

	q.mu.Lock()
	ctx := q.ctx
	if q.cancel == nil {
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	q.Invalidate()
	q.opts.logger.Debug("invalidated by event", map[string]interface{}{
		"key":   keyString(q.Key()),
		"topic": string(topic),
		"type":  event.Type,
	})

	go func() {
		defer q.wg.Done()
		if _, err := q.Refetch(ctx); err != nil {
			q.opts.logger.Debug("event refetch failed", map[string]interface{}{
				"key":   keyString(q.Key()),
				"error": err.Error(),
			})
		}
	}()
}
