package query

import (
	"context"
	"sync"
	"time"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/cache"
	"github.com/restopos/datacache/internal/schedule"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
)

// DataConfig describes the cache entry a Data query serves
type DataConfig struct {
	Type            string
	ID              string
	TTL             time.Duration
	RefreshInterval time.Duration
	Topic           bus.Topic
}

// Data serves one cache entry through the cache manager. Reads go through
// GetWithFallback, an optional auto refresh bypasses the cache on a fixed
// interval, and UpdateCache writes through and notifies at once. After
// Unmount, results of fetches still running are discarded.
type Data[T any] struct {
	cache  *cache.Manager
	fetch  func(ctx context.Context) (T, error)
	config DataConfig
	key    string
	opts   options

	mu        sync.Mutex
	data      T
	hasData   bool
	fromCache bool
	loading   bool
	err       error
	updatedAt time.Time
	alive     bool
	refresh   *schedule.Task
	subs      map[int]func(T)
	nextSub   int
}

// NewData creates a query for config.Type / config.ID. Topic defaults to
// the dynamic data topic.
func NewData[T any](manager *cache.Manager, config DataConfig, fetch func(ctx context.Context) (T, error), opts ...Option) *Data[T] {
	if config.Topic == "" {
		config.Topic = bus.TopicDynamicDataChanged
	}
	return &Data[T]{
		cache:  manager,
		fetch:  fetch,
		config: config,
		key:    manager.GenerateKey(config.Type, config.ID),
		opts:   buildOptions("query", opts),
		alive:  true,
		subs:   make(map[int]func(T)),
	}
}

// Key returns the cache key the query reads and writes
func (q *Data[T]) Key() string {
	return q.key
}

// State returns a snapshot of the query
func (q *Data[T]) State() State[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return State[T]{
		Data:      q.data,
		HasData:   q.hasData,
		Loading:   q.loading,
		Err:       q.err,
		FromCache: q.fromCache,
		UpdatedAt: q.updatedAt,
	}
}

// Mount loads the data and starts the auto refresh when RefreshInterval is
// positive. The refresh stops on Unmount or when ctx is done.
func (q *Data[T]) Mount(ctx context.Context) error {
	err := q.Load(ctx)

	q.mu.Lock()
	if q.alive && q.refresh == nil && q.config.RefreshInterval > 0 {
		q.refresh = schedule.Every(ctx, q.config.RefreshInterval, func(ctx context.Context) {
			if err := q.Refresh(ctx); err != nil {
				q.opts.logger.Debug("auto refresh failed", map[string]interface{}{
					"key":   q.key,
					"error": err.Error(),
				})
			}
		})
	}
	q.mu.Unlock()
	return err
}

// Load returns the cached entry or fetches and caches it
func (q *Data[T]) Load(ctx context.Context) error {
	if !q.begin() {
		return nil
	}
	res, err := cache.GetWithFallback(ctx, q.cache, q.key, q.fetch, q.config.TTL)
	q.finish(res.Data, res.FromCache, err)
	return err
}

// Refresh fetches from the source regardless of the cache and stores the
// result
func (q *Data[T]) Refresh(ctx context.Context) error {
	if !q.begin() {
		return nil
	}

	start := time.Now()
	data, err := q.fetch(ctx)
	q.opts.metrics.RecordOperation(q.config.Type, time.Since(start), err == nil)
	if err == nil {
		if serr := q.cache.Set(ctx, q.key, data, q.config.TTL); serr != nil {
			q.opts.logger.Warn("refreshed data not cached", map[string]interface{}{
				"key":   q.key,
				"error": serr.Error(),
			})
		}
	}
	q.finish(data, false, err)
	return err
}

// UpdateCache writes data through to the cache, invalidates the entries
// that may embed it, hands it to subscribers and announces the change on
// the bus. Subscribers are notified even when the write fails.
func (q *Data[T]) UpdateCache(ctx context.Context, data T) error {
	err := q.cache.SyncData(ctx, q.config.Type, q.config.ID, data, q.config.TTL)
	if err != nil {
		q.opts.logger.Warn("write-through failed", map[string]interface{}{
			"key":   q.key,
			"error": err.Error(),
		})
	}

	q.finish(data, false, nil)

	if q.opts.bus != nil {
		q.opts.bus.Publish(ctx, q.config.Topic, bus.Event{
			Type: q.config.Type,
			Data: data,
			Keys: []bus.Key{{q.config.Type}},
		})
	}
	return err
}

// InvalidateCache removes the entry and, while mounted, loads it again
func (q *Data[T]) InvalidateCache(ctx context.Context) error {
	if err := q.cache.Remove(ctx, q.key); err != nil {
		return err
	}

	q.mu.Lock()
	alive := q.alive
	q.mu.Unlock()
	if !alive {
		return nil
	}
	return q.Load(ctx)
}

// Preload warms the entry when it is missing. Type-level entries go through
// the preload scheduler when one is configured; others are fetched here.
// It reports whether a fetch was started or queued.
func (q *Data[T]) Preload(ctx context.Context) (bool, error) {
	if q.cache.Has(ctx, q.key) {
		return false, nil
	}

	if q.opts.scheduler != nil && q.config.ID == "" {
		return q.opts.scheduler.AddToPreloadQueue(q.config.Type, q.anyFetch(), types.PriorityNormal), nil
	}

	data, err := q.fetch(ctx)
	if err != nil {
		return false, cerrors.Wrap(err, cerrors.ErrCodeFetchFailed, "preload fetch failed").
			WithComponent("query").
			WithOperation("preload").
			WithContext("key", q.key)
	}
	return true, q.cache.Set(ctx, q.key, data, q.config.TTL)
}

// Subscribe registers fn to receive every new value. The returned function
// removes it.
func (q *Data[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	q.mu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subs, id)
	}
}

// Unmount stops the auto refresh. Results arriving afterwards are dropped.
func (q *Data[T]) Unmount() {
	q.mu.Lock()
	q.alive = false
	refresh := q.refresh
	q.refresh = nil
	q.mu.Unlock()

	refresh.Stop()
}

func (q *Data[T]) begin() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.alive {
		return false
	}
	q.loading = true
	return true
}

// finish applies a result if the query is still mounted and notifies
// subscribers outside the lock
func (q *Data[T]) finish(data T, fromCache bool, err error) {
	q.mu.Lock()
	if !q.alive {
		q.mu.Unlock()
		q.opts.logger.Debug("late result dropped", map[string]interface{}{"key": q.key})
		return
	}
	q.loading = false
	q.err = err
	if err != nil {
		q.mu.Unlock()
		return
	}
	q.data = data
	q.hasData = true
	q.fromCache = fromCache
	q.updatedAt = q.opts.now()

	subs := make([]func(T), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, fn := range subs {
		fn(data)
	}
}

func (q *Data[T]) anyFetch() types.FetchFunc {
	return func(ctx context.Context) (any, error) {
		v, err := q.fetch(ctx)
		return v, err
	}
}
