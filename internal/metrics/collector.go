package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results recorded by RecordCacheLookup
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultExpired = "expired"
	ResultCorrupt = "corrupt"
)

// Eviction reasons recorded by RecordEviction
const (
	ReasonOldest  = "oldest"
	ReasonExpired = "expired"
	ReasonCorrupt = "corrupt"
	ReasonRelated = "invalidated"
)

// Preload outcomes recorded by RecordPreload
const (
	PreloadCompleted = "completed"
	PreloadRetried   = "retried"
	PreloadDropped   = "dropped"
	PreloadSkipped   = "skipped"
)

// Collector records cache, preload, bus and query activity. A nil or
// disabled Collector accepts every call and records nothing.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	cacheLookups    *prometheus.CounterVec
	cacheSets       *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	storedBytes     *prometheus.GaugeVec
	preloadOutcomes *prometheus.CounterVec
	preloadInFlight prometheus.Gauge
	preloadQueued   prometheus.Gauge
	busEvents       *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks fetches for one operation, such as a query type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// DefaultConfig returns the default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      0,
		Path:      "/metrics",
		Namespace: "datacache",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

func (c *Collector) enabled() bool {
	return c != nil && c.config != nil && c.config.Enabled && c.registry != nil
}

// Handler serves the collector's registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves the metrics endpoint on its own port when one is configured
func (c *Collector) Start(_ context.Context) error {
	if !c.enabled() || c.config.Port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordCacheLookup records the outcome of a cache read
func (c *Collector) RecordCacheLookup(result string) {
	if !c.enabled() {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheSet records a cache write
func (c *Collector) RecordCacheSet(success bool) {
	if !c.enabled() {
		return
	}
	c.cacheSets.WithLabelValues(statusLabel(success)).Inc()
}

// RecordEviction records n entries removed for reason
func (c *Collector) RecordEviction(reason string, n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.evictions.WithLabelValues(reason).Add(float64(n))
}

// UpdateStoredBytes sets the footprint gauge for a tier
func (c *Collector) UpdateStoredBytes(tier string, size int64) {
	if !c.enabled() {
		return
	}
	c.storedBytes.WithLabelValues(tier).Set(float64(size))
}

// RecordPreload records a preload task outcome
func (c *Collector) RecordPreload(outcome string) {
	if !c.enabled() {
		return
	}
	c.preloadOutcomes.WithLabelValues(outcome).Inc()
}

// UpdatePreloadQueue sets the queue depth and in-flight gauges
func (c *Collector) UpdatePreloadQueue(queued, inFlight int) {
	if !c.enabled() {
		return
	}
	c.preloadQueued.Set(float64(queued))
	c.preloadInFlight.Set(float64(inFlight))
}

// RecordBusEvent records an event published on topic
func (c *Collector) RecordBusEvent(topic string) {
	if !c.enabled() {
		return
	}
	c.busEvents.WithLabelValues(topic).Inc()
}

// RecordOperation records a fetch performed for operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	c.mu.Unlock()

	c.fetchDuration.With(prometheus.Labels{
		"operation": operation,
		"status":    statusLabel(success),
	}).Observe(duration.Seconds())
}

// GetMetrics returns a copy of the per-operation tracking
func (c *Collector) GetMetrics() map[string]OperationMetrics {
	if !c.enabled() {
		return map[string]OperationMetrics{}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for name, op := range c.operations {
		out[name] = *op
	}
	return out
}

// ResetMetrics clears the per-operation tracking
func (c *Collector) ResetMetrics() {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("cache_lookups_total", "Cache reads by result")),
		[]string{"result"},
	)
	c.cacheSets = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("cache_sets_total", "Cache writes by status")),
		[]string{"status"},
	)
	c.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("cache_evictions_total", "Entries removed by reason")),
		[]string{"reason"},
	)
	c.storedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(opts("cache_stored_bytes", "Serialized bytes held per tier")),
		[]string{"tier"},
	)
	c.preloadOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("preload_tasks_total", "Preload task outcomes")),
		[]string{"outcome"},
	)
	c.preloadInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("preload_in_flight", "Preload fetches currently running")),
	)
	c.preloadQueued = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("preload_queued", "Preload tasks waiting for a slot")),
	)
	c.busEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("bus_events_total", "Invalidation events published by topic")),
		[]string{"topic"},
	)
	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "fetch_duration_seconds",
			Help:        "Duration of upstream fetches in seconds",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation", "status"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheLookups,
		c.cacheSets,
		c.evictions,
		c.storedBytes,
		c.preloadOutcomes,
		c.preloadInFlight,
		c.preloadQueued,
		c.busEvents,
		c.fetchDuration,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"datacache-metrics"}`))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
