// Package service assembles the cache components from a configuration.
// A Service is built once at startup and passed to everything that reads
// or warms the cache.
package service

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/cache"
	"github.com/restopos/datacache/internal/circuit"
	"github.com/restopos/datacache/internal/config"
	"github.com/restopos/datacache/internal/metrics"
	"github.com/restopos/datacache/internal/preload"
	"github.com/restopos/datacache/internal/query"
	"github.com/restopos/datacache/internal/storage"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/health"
	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

// Service owns the storage tiers, cache manager, preload scheduler and bus
type Service struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	metrics   *metrics.Collector
	storage   types.Storage
	cache     *cache.Manager
	scheduler *preload.Scheduler
	registry  *preload.Registry
	bus       *bus.Bus
	health    *health.Tracker
	logCloser io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// HealthProbeKey is written and removed by the storage health probes
const HealthProbeKey = "_datacache_health_probe"

type options struct {
	logger *utils.StructuredLogger
	clock  types.Clock
}

// Option configures a Service
type Option func(*options)

// WithLogger replaces the logger built from the global section
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source of the cache manager and scheduler
func WithClock(clock types.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// New validates cfg and builds every component. Nothing runs in the
// background until Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	var logCloser io.Closer = nopCloser{}
	if logger == nil {
		var err error
		if logger, logCloser, err = NewLogger(cfg.Global); err != nil {
			return nil, err
		}
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Path:      "/metrics",
		Namespace: cfg.Metrics.Namespace,
		Labels:    cfg.Metrics.Labels,
	})
	if err != nil {
		_ = logCloser.Close()
		return nil, cerrors.Wrap(err, cerrors.ErrCodeInternalError, "failed to create metrics collector").
			WithComponent("service")
	}

	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}

	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithMetrics(collector)}
	if o.clock != nil {
		cacheOpts = append(cacheOpts, cache.WithClock(o.clock))
	}
	// sizes were checked by Validate
	maxSize, _ := config.ParseSize(cfg.Cache.MaxSize)
	ceiling, _ := config.ParseSize(cfg.Cache.StorageCeiling)
	manager := cache.New(store, cache.Config{
		Prefix:           cfg.Cache.Prefix,
		DefaultTTL:       cfg.Cache.DefaultTTL,
		MaxSize:          maxSize,
		StorageCeiling:   ceiling,
		PressureRatio:    cfg.Cache.PressureRatio,
		MonitorInterval:  cfg.Cache.MonitorInterval,
		AggregateMarkers: cfg.Cache.AggregateMarkers,
	}, cacheOpts...)

	registry := preload.NewRegistry()
	schedOpts := []preload.Option{
		preload.WithLogger(logger),
		preload.WithMetrics(collector),
		preload.WithRegistry(registry),
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, preload.WithClock(o.clock))
	}
	scheduler := preload.New(manager, preload.Config{
		MaxConcurrent: cfg.Preload.MaxConcurrent,
		DispatchDelay: cfg.Preload.DispatchDelay,
		MaxAttempts:   cfg.Preload.MaxAttempts,
		TTL:           cfg.Preload.TTL,
		Navigation:    cfg.Preload.Navigation,
	}, schedOpts...)

	s := &Service{
		config:    cfg,
		logger:    logger.WithComponent("service"),
		metrics:   collector,
		storage:   store,
		cache:     manager,
		scheduler: scheduler,
		registry:  registry,
		bus:       bus.New(logger, collector),
		health:    newHealthTracker(cfg.Health, store, logger),
		logCloser: logCloser,
	}

	s.logger.Info("service initialized", map[string]interface{}{
		"durable": cfg.Storage.Durable,
		"fast":    cfg.Storage.Fast.Enabled,
		"prefix":  cfg.Cache.Prefix,
	})
	return s, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the root logger from the global section. Output goes to
// stderr unless LogFile is set; the returned closer releases the file.
func NewLogger(global config.GlobalConfig) (*utils.StructuredLogger, io.Closer, error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid log level").WithComponent("service")
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid log format").WithComponent("service")
	}

	lc := utils.DefaultStructuredLoggerConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = os.Stderr

	var closer io.Closer = nopCloser{}
	if global.LogFile != "" {
		maxBytes, err := config.ParseSize(global.LogMaxSize)
		if err != nil {
			return nil, nil, cerrors.Wrap(err, cerrors.ErrCodeInvalidConfig, "invalid log max size").WithComponent("service")
		}
		rotator, err := utils.NewLogRotator(utils.RotationConfig{
			Filename:   global.LogFile,
			MaxBytes:   maxBytes,
			MaxBackups: global.LogMaxBackups,
			Compress:   global.LogCompress,
		})
		if err != nil {
			return nil, nil, cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to open log file").
				WithComponent("service").
				WithContext("file", global.LogFile)
		}
		lc.Output = rotator
		closer = rotator
	}

	logger, err := utils.NewStructuredLogger(lc)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

// newHealthTracker probes each storage tier separately so a failing
// durable tier is visible even while the fast tier answers reads
func newHealthTracker(hc config.HealthConfig, store types.Storage, logger *utils.StructuredLogger) *health.Tracker {
	tracker := health.NewTracker(health.Config{
		Interval:             hc.Interval,
		ErrorThreshold:       hc.ErrorThreshold,
		UnavailableThreshold: hc.UnavailableThreshold,
	})

	if tiered, ok := store.(*storage.Tiered); ok {
		tracker.Register("fast", health.StorageProbe(tiered.Fast(), HealthProbeKey))
		tracker.Register("durable", health.StorageProbe(tiered.Durable(), HealthProbeKey))
	} else {
		tracker.Register("durable", health.StorageProbe(store, HealthProbeKey))
	}

	log := logger.WithComponent("health")
	tracker.OnStateChange(func(component string, oldState, newState health.State, err error) {
		fields := map[string]interface{}{
			"tier": component,
			"from": oldState.String(),
			"to":   newState.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		if newState == health.StateHealthy {
			log.Info("storage tier recovered", fields)
			return
		}
		log.Warn("storage tier health changed", fields)
	})
	return tracker
}

func newStorage(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (types.Storage, error) {
	var durable types.Storage

	switch cfg.Storage.Durable {
	case config.BackendMemory:
		durable = storage.NewMemory(storage.MemoryConfig{})
	case config.BackendDisk:
		maxBytes, _ := config.ParseSize(cfg.Storage.Disk.MaxSize)
		threshold, _ := config.ParseSize(cfg.Storage.Disk.CompressionThreshold)
		disk, err := storage.NewDisk(storage.DiskConfig{
			Directory:            cfg.Storage.Disk.Directory,
			MaxBytes:             maxBytes,
			Compression:          cfg.Storage.Disk.Compression,
			CompressionThreshold: int(threshold),
			SyncInterval:         cfg.Storage.Disk.SyncInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		durable = disk
	case config.BackendS3:
		s3cfg := cfg.Storage.S3
		store, err := storage.NewS3(ctx, storage.S3Config{
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			UsePathStyle:    s3cfg.UsePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		durable = store
		if b := s3cfg.Breaker; b.Enabled {
			durable = guard(store, "s3", b, logger)
		}
	}

	if !cfg.Storage.Fast.Enabled {
		return durable, nil
	}

	fastBytes, _ := config.ParseSize(cfg.Storage.Fast.MaxSize)
	fast := storage.NewMemory(storage.MemoryConfig{
		MaxEntries: cfg.Storage.Fast.MaxEntries,
		MaxBytes:   fastBytes,
	})
	return storage.NewTiered(fast, durable, logger), nil
}

// guard puts a remote tier behind a circuit breaker
func guard(store types.Storage, name string, bc config.BreakerConfig, logger *utils.StructuredLogger) *storage.Guarded {
	log := logger.WithComponent("circuit")
	return storage.NewGuarded(store, name, circuit.Config{
		FailureThreshold: bc.FailureThreshold,
		OpenTimeout:      bc.OpenTimeout,
		HalfOpenRequests: bc.HalfOpenRequests,
		OnStateChange: func(name string, from, to circuit.State) {
			log.Warn("circuit breaker changed state", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
}

// Config returns the configuration the service was built from
func (s *Service) Config() *config.Configuration { return s.config }

// Logger returns the root logger
func (s *Service) Logger() *utils.StructuredLogger { return s.logger }

// Metrics returns the metrics collector
func (s *Service) Metrics() *metrics.Collector { return s.metrics }

// Storage returns the storage the cache manager writes to
func (s *Service) Storage() types.Storage { return s.storage }

// Cache returns the cache manager
func (s *Service) Cache() *cache.Manager { return s.cache }

// Scheduler returns the preload scheduler
func (s *Service) Scheduler() *preload.Scheduler { return s.scheduler }

// Registry returns the type to fetch registry used for navigation preloading
func (s *Service) Registry() *preload.Registry { return s.registry }

// Bus returns the invalidation bus
func (s *Service) Bus() *bus.Bus { return s.bus }

// Health returns the storage health tracker
func (s *Service) Health() *health.Tracker { return s.health }

// QueryOptions returns the options that attach a query to this service
func (s *Service) QueryOptions() []query.Option {
	return []query.Option{
		query.WithLogger(s.logger),
		query.WithMetrics(s.metrics),
		query.WithBus(s.bus),
		query.WithScheduler(s.scheduler),
	}
}

// RealtimeConfig returns the configured realtime settings for key
func (s *Service) RealtimeConfig(key ...string) query.RealtimeConfig {
	rc := query.DefaultRealtimeConfig(key...)
	q := s.config.Query
	if q.RealtimeStaleTime > 0 {
		rc.StaleTime = q.RealtimeStaleTime
	}
	if q.RealtimeRefetchInterval > 0 {
		rc.RefetchInterval = q.RealtimeRefetchInterval
	}
	rc.Retry = q.Retry
	if q.RetryDelay > 0 {
		rc.RetryDelay = q.RetryDelay
	}
	return rc
}

// Start runs the storage-pressure monitor and health probes until Close
// or ctx is done
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return cerrors.NewError(cerrors.ErrCodeComponentStopped, "service is closed").
			WithComponent("service").
			WithOperation("start")
	}
	if s.started {
		return nil
	}
	s.started = true
	s.cache.Start(ctx)

	probeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.health.Run(probeCtx)
	}()

	s.logger.Info("service started", map[string]interface{}{
		"monitor_interval": s.config.Cache.MonitorInterval.String(),
		"health_interval":  s.config.Health.Interval.String(),
	})
	return nil
}

// Close stops the scheduler and monitor, then flushes and closes storage
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.scheduler.Close())
	record(s.cache.Close())
	if c, ok := s.storage.(types.Closer); ok {
		record(c.Close())
	}

	s.logger.Info("service closed")
	record(s.logCloser.Close())
	return firstErr
}
