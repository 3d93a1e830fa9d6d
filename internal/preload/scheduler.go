package preload

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/restopos/datacache/internal/cache"
	"github.com/restopos/datacache/internal/metrics"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

// Scheduler warms the cache ahead of demand. It holds at most one task per
// type, dispatches them by priority then age, and never runs more than
// MaxConcurrent fetches at once.
type Scheduler struct {
	cache    *cache.Manager
	registry *Registry
	config   Config
	logger   *utils.StructuredLogger
	metrics  *metrics.Collector
	now      types.Clock
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     map[string]*types.PreloadTask
	inFlight  map[string]chan struct{}
	direct    map[string]chan struct{}
	running   bool
	closed    bool
	idle      chan struct{}
	isIdle    bool
	slotFreed chan struct{}

	completed uint64
	retried   uint64
	dropped   uint64
}

// Config represents preload scheduler configuration
type Config struct {
	MaxConcurrent int                 `yaml:"max_concurrent"`
	DispatchDelay time.Duration       `yaml:"dispatch_delay"`
	MaxAttempts   int                 `yaml:"max_attempts"`
	TTL           time.Duration       `yaml:"ttl"`
	Navigation    map[string][]string `yaml:"navigation"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		DispatchDelay: time.Second,
		MaxAttempts:   3,
		TTL:           30 * time.Minute,
		Navigation:    DefaultNavigation(),
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Scheduler) {
		s.metrics = collector
	}
}

// WithRegistry sets the type to fetch registry used by navigation preloading
func WithRegistry(registry *Registry) Option {
	return func(s *Scheduler) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithClock sets the time source for task AddedAt stamps
func WithClock(clock types.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New creates a scheduler writing through manager. Zero config fields take
// their defaults; a negative DispatchDelay disables spacing.
func New(manager *cache.Manager, config Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.DispatchDelay == 0 {
		config.DispatchDelay = defaults.DispatchDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.Navigation == nil {
		config.Navigation = defaults.Navigation
	}

	limit := rate.Inf
	if config.DispatchDelay > 0 {
		limit = rate.Every(config.DispatchDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	s := &Scheduler{
		cache:     manager,
		registry:  NewRegistry(),
		config:    config,
		logger:    utils.NewNopLogger(),
		now:       time.Now,
		limiter:   rate.NewLimiter(limit, 1),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(map[string]*types.PreloadTask),
		inFlight:  make(map[string]chan struct{}),
		direct:    make(map[string]chan struct{}),
		idle:      idle,
		isIdle:    true,
		slotFreed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("preload")
	return s
}

// Registry returns the type to fetch registry
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// AddToPreloadQueue queues a fetch for typ. It returns false without
// queueing when a live cache entry for typ exists, when a task for typ is
// already queued or running, or when the scheduler is closed.
func (s *Scheduler) AddToPreloadQueue(typ string, fetch types.FetchFunc, priority types.Priority) bool {
	if fetch == nil || typ == "" {
		return false
	}
	if s.cache.Has(s.ctx, s.cache.GenerateKey(typ, "")) {
		s.metrics.RecordPreload(metrics.PreloadSkipped)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if _, queued := s.queue[typ]; queued {
		return false
	}
	if _, running := s.inFlight[typ]; running {
		return false
	}
	if _, running := s.direct[typ]; running {
		return false
	}

	s.queue[typ] = &types.PreloadTask{
		Type:        typ,
		Fetch:       fetch,
		Priority:    priority,
		AddedAt:     s.now(),
		MaxAttempts: s.config.MaxAttempts,
	}
	s.markBusyLocked()
	s.startLoopLocked()
	s.updateGaugesLocked()

	s.logger.Debug("task queued", map[string]interface{}{
		"type":     typ,
		"priority": priority.String(),
	})
	return true
}

// PreloadSpecific fetches and caches typ now, outside the queue, and
// returns once the value is stored. It reports false when typ was already
// cached. A queued task for typ is superseded; a running fetch for typ is
// waited for and its result used when it succeeds.
func (s *Scheduler) PreloadSpecific(ctx context.Context, typ string, fetch types.FetchFunc, priority types.Priority) (bool, error) {
	if fetch == nil {
		return false, cerrors.NewError(cerrors.ErrCodeInvalidArgument, "fetch function is required").
			WithComponent("preload").
			WithOperation("preload_specific").
			WithContext("type", typ)
	}

	key := s.cache.GenerateKey(typ, "")
	if s.cache.Has(ctx, key) {
		s.metrics.RecordPreload(metrics.PreloadSkipped)
		return false, nil
	}

	release, cached, err := s.claimDirect(ctx, typ, key)
	if err != nil || cached {
		return false, err
	}
	defer release()

	start := time.Now()
	data, err := fetch(ctx)
	s.metrics.RecordOperation(typ, time.Since(start), err == nil)
	if err != nil {
		s.logger.Warn("specific preload failed", map[string]interface{}{
			"type":     typ,
			"priority": priority.String(),
			"error":    err.Error(),
		})
		return false, err
	}

	if err := s.cache.Set(ctx, key, data, s.config.TTL); err != nil {
		return false, err
	}
	s.metrics.RecordPreload(metrics.PreloadCompleted)
	return true, nil
}

// claimDirect reserves typ for a direct fetch, first waiting out any fetch
// of typ already running. cached reports that the running fetch stored it.
func (s *Scheduler) claimDirect(ctx context.Context, typ, key string) (release func(), cached bool, err error) {
	for {
		s.mu.Lock()
		if _, queued := s.queue[typ]; queued {
			delete(s.queue, typ)
			s.updateIdleLocked()
			s.updateGaugesLocked()
		}
		done, running := s.inFlight[typ]
		if !running {
			done, running = s.direct[typ]
		}
		if !running {
			own := make(chan struct{})
			s.direct[typ] = own
			s.mu.Unlock()
			return func() {
				s.mu.Lock()
				delete(s.direct, typ)
				s.mu.Unlock()
				close(own)
			}, false, nil
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if s.cache.Has(ctx, key) {
			s.metrics.RecordPreload(metrics.PreloadSkipped)
			return nil, true, nil
		}
	}
}

// Stats returns a snapshot of scheduler activity
func (s *Scheduler) Stats() types.PreloadStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return types.PreloadStats{
		Queued:    len(s.queue),
		InFlight:  len(s.inFlight),
		Completed: s.completed,
		Retried:   s.retried,
		Dropped:   s.dropped,
	}
}

// Wait blocks until nothing is queued or running, or ctx is done
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close discards queued tasks, cancels running fetches and waits for them
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	discarded := len(s.queue)
	s.queue = make(map[string]*types.PreloadTask)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.updateIdleLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	if discarded > 0 {
		s.logger.Info("scheduler closed, queued tasks discarded", map[string]interface{}{"count": discarded})
	}
	return nil
}

// startLoopLocked starts the dispatch loop if it is not running
func (s *Scheduler) startLoopLocked() {
	if s.running || s.closed {
		return
	}
	s.running = true
	s.wg.Add(1)
	go s.dispatchLoop()
}

// dispatchLoop hands tasks to goroutines while capacity allows, spacing
// dispatches by DispatchDelay. It exits when the queue is empty.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.running = false
			s.updateIdleLocked()
			s.mu.Unlock()
			return
		}
		if len(s.inFlight) >= s.config.MaxConcurrent {
			s.mu.Unlock()
			select {
			case <-s.slotFreed:
			case <-s.ctx.Done():
			}
			continue
		}
		s.mu.Unlock()

		if err := s.limiter.Wait(s.ctx); err != nil {
			continue
		}

		s.mu.Lock()
		task := s.nextLocked()
		if task == nil || len(s.inFlight) >= s.config.MaxConcurrent || s.closed {
			s.mu.Unlock()
			continue
		}
		delete(s.queue, task.Type)
		s.inFlight[task.Type] = make(chan struct{})
		s.updateGaugesLocked()
		s.wg.Add(1)
		s.mu.Unlock()

		go s.execute(task)
	}
}

// nextLocked picks the highest priority task, oldest first within a priority
func (s *Scheduler) nextLocked() *types.PreloadTask {
	var next *types.PreloadTask
	for _, task := range s.queue {
		if next == nil || task.Before(next) || (!next.Before(task) && task.Type < next.Type) {
			next = task
		}
	}
	return next
}

func (s *Scheduler) execute(task *types.PreloadTask) {
	defer s.wg.Done()

	task.Attempts++
	start := time.Now()
	data, err := task.Fetch(s.ctx)
	s.metrics.RecordOperation(task.Type, time.Since(start), err == nil)

	if err == nil {
		if serr := s.cache.Set(s.ctx, s.cache.GenerateKey(task.Type, ""), data, s.config.TTL); serr != nil {
			s.logger.Warn("preloaded data not cached", map[string]interface{}{
				"type":  task.Type,
				"error": serr.Error(),
			})
		}
	}

	s.mu.Lock()
	if done, ok := s.inFlight[task.Type]; ok {
		close(done)
		delete(s.inFlight, task.Type)
	}
	switch {
	case err == nil:
		s.completed++
		s.metrics.RecordPreload(metrics.PreloadCompleted)
	case task.Attempts < task.MaxAttempts && !s.closed:
		if _, queued := s.queue[task.Type]; !queued {
			s.queue[task.Type] = task
		}
		s.retried++
		s.metrics.RecordPreload(metrics.PreloadRetried)
		s.logger.Debug("preload failed, retrying", map[string]interface{}{
			"type":    task.Type,
			"attempt": task.Attempts,
			"error":   err.Error(),
		})
		s.startLoopLocked()
	default:
		s.dropped++
		s.metrics.RecordPreload(metrics.PreloadDropped)
		s.logger.Warn("preload dropped", map[string]interface{}{
			"type":     task.Type,
			"attempts": task.Attempts,
			"error":    err.Error(),
		})
	}
	s.updateIdleLocked()
	s.updateGaugesLocked()
	s.mu.Unlock()

	select {
	case s.slotFreed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) markBusyLocked() {
	if s.isIdle {
		s.idle = make(chan struct{})
		s.isIdle = false
	}
}

func (s *Scheduler) updateIdleLocked() {
	if s.isIdle || s.running || len(s.queue) > 0 || len(s.inFlight) > 0 {
		return
	}
	s.isIdle = true
	close(s.idle)
}

func (s *Scheduler) updateGaugesLocked() {
	s.metrics.UpdatePreloadQueue(len(s.queue), len(s.inFlight))
}
