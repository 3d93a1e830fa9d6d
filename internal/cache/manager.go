package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/restopos/datacache/internal/metrics"
	"github.com/restopos/datacache/internal/schedule"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

// Manager is the TTL-aware cache over a Storage. It owns every entry
// mutation; other components write through it.
type Manager struct {
	storage types.Storage
	config  Config
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
	now     types.Clock

	mu      sync.Mutex
	monitor *schedule.Task
}

// Config represents cache manager configuration
type Config struct {
	Prefix           string        `yaml:"prefix"`
	DefaultTTL       time.Duration `yaml:"default_ttl"`
	MaxSize          int64         `yaml:"max_size"`
	StorageCeiling   int64         `yaml:"storage_ceiling"`
	PressureRatio    float64       `yaml:"pressure_ratio"`
	MonitorInterval  time.Duration `yaml:"monitor_interval"`
	AggregateMarkers []string      `yaml:"aggregate_markers"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		Prefix:           "cache_",
		DefaultTTL:       5 * time.Minute,
		MaxSize:          50 * 1024 * 1024,
		StorageCeiling:   5 * 1024 * 1024,
		PressureRatio:    0.8,
		MonitorInterval:  5 * time.Minute,
		AggregateMarkers: []string{"list", "all"},
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithClock sets the time source used for entry timestamps and expiry
func WithClock(clock types.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// fastMirror is implemented by storages that can write the fast tier alone
type fastMirror interface {
	WriteFast(ctx context.Context, key string, value []byte)
}

// New creates a cache manager over storage and sweeps expired entries once
func New(storage types.Storage, config Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaults.MaxSize
	}
	if config.PressureRatio <= 0 {
		config.PressureRatio = defaults.PressureRatio
	}
	if config.AggregateMarkers == nil {
		config.AggregateMarkers = defaults.AggregateMarkers
	}

	m := &Manager{
		storage: storage,
		config:  config,
		logger:  utils.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("cache")

	if removed := m.CleanupExpiredCache(context.Background()); removed > 0 {
		m.logger.Info("removed expired entries at startup", map[string]interface{}{"count": removed})
	}

	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// Storage returns the underlying storage
func (m *Manager) Storage() types.Storage {
	return m.storage
}

// GenerateKey builds the namespaced key prefix + typ + "_" + id
func (m *Manager) GenerateKey(typ, id string) string {
	return m.config.Prefix + typ + "_" + id
}

// TypeOf returns the type segment of a namespaced key: the text after the
// prefix up to the first underscore.
func (m *Manager) TypeOf(key string) string {
	rest, ok := strings.CutPrefix(key, m.config.Prefix)
	if !ok {
		return "unknown"
	}
	typ, _, _ := strings.Cut(rest, "_")
	return typ
}

// Set stores data under key for ttl; a non-positive ttl uses DefaultTTL.
// The size budget is checked after every successful write.
func (m *Manager) Set(ctx context.Context, key string, data any, ttl time.Duration) error {
	if key == "" {
		return cerrors.NewError(cerrors.ErrCodeInvalidArgument, "cache key cannot be empty").
			WithComponent("cache").
			WithOperation("set")
	}
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	payload, err := msgpack.Marshal(data)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeInvalidArgument, "value cannot be encoded").
			WithComponent("cache").
			WithOperation("set").
			WithContext("key", key)
	}

	now := m.now()
	entry := &types.CacheEntry{
		Key:          key,
		Data:         payload,
		CreatedAt:    now,
		TTL:          ttl,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}

	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeInternalError, "entry cannot be encoded").
			WithComponent("cache").
			WithOperation("set")
	}

	if err := m.storage.Write(ctx, key, raw); err != nil {
		m.metrics.RecordCacheSet(false)
		m.logger.Warn("cache write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return err
	}
	m.metrics.RecordCacheSet(true)

	m.CheckCacheSize(ctx)
	return nil
}

// Lookup returns the live entry for key. Corrupt entries are deleted and
// reported as a miss, as are entries past ExpiresAt.
func (m *Manager) Lookup(ctx context.Context, key string) (*types.CacheEntry, bool) {
	raw, found, err := m.storage.Read(ctx, key)
	if err != nil {
		m.logger.Warn("cache read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		m.metrics.RecordCacheLookup(metrics.ResultMiss)
		return nil, false
	}
	if !found {
		m.metrics.RecordCacheLookup(metrics.ResultMiss)
		return nil, false
	}

	entry, err := decodeEntry(raw)
	if err != nil {
		m.metrics.RecordCacheLookup(metrics.ResultCorrupt)
		m.metrics.RecordEviction(metrics.ReasonCorrupt, 1)
		m.logger.Warn("dropping corrupt entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		m.delete(ctx, key)
		return nil, false
	}

	now := m.now()
	if entry.Expired(now) {
		m.metrics.RecordCacheLookup(metrics.ResultExpired)
		m.metrics.RecordEviction(metrics.ReasonExpired, 1)
		m.delete(ctx, key)
		return nil, false
	}

	entry.LastAccessed = now
	m.mirror(ctx, entry)
	m.metrics.RecordCacheLookup(metrics.ResultHit)
	return entry, true
}

// Get returns the decoded data stored under key
func (m *Manager) Get(ctx context.Context, key string) (any, bool) {
	entry, ok := m.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	var v any
	if err := entry.Decode(&v); err != nil {
		m.logger.Warn("dropping undecodable entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		m.delete(ctx, key)
		return nil, false
	}
	return v, true
}

// Has reports whether a live entry exists for key
func (m *Manager) Has(ctx context.Context, key string) bool {
	_, ok := m.Lookup(ctx, key)
	return ok
}

// Remove deletes key from every tier
func (m *Manager) Remove(ctx context.Context, key string) error {
	return m.storage.Delete(ctx, key)
}

// Clear removes every namespaced key and returns how many were removed
func (m *Manager) Clear(ctx context.Context) (int, error) {
	return m.removeMatching(ctx, m.config.Prefix, func(string) bool { return true })
}

// ClearByType removes every key of typ
func (m *Manager) ClearByType(ctx context.Context, typ string) (int, error) {
	return m.removeMatching(ctx, m.config.Prefix+typ+"_", func(string) bool { return true })
}

// SyncData writes data for typ/id immediately and invalidates the cached
// collections that may embed it. The key just written is kept.
func (m *Manager) SyncData(ctx context.Context, typ, id string, data any, ttl time.Duration) error {
	key := m.GenerateKey(typ, id)
	err := m.Set(ctx, key, data, ttl)
	m.InvalidateRelatedCache(ctx, typ, key)
	return err
}

// InvalidateRelatedCache removes every namespaced key whose name contains typ
// or one of the aggregate markers, except the keys in keep.
func (m *Manager) InvalidateRelatedCache(ctx context.Context, typ string, keep ...string) int {
	skip := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		skip[k] = struct{}{}
	}

	removed, err := m.removeMatching(ctx, m.config.Prefix, func(key string) bool {
		if _, ok := skip[key]; ok {
			return false
		}
		name := strings.TrimPrefix(key, m.config.Prefix)
		if typ != "" && strings.Contains(name, typ) {
			return true
		}
		for _, marker := range m.config.AggregateMarkers {
			if marker != "" && strings.Contains(name, marker) {
				return true
			}
		}
		return false
	})
	if err != nil {
		m.logger.Warn("related invalidation incomplete", map[string]interface{}{
			"type":  typ,
			"error": err.Error(),
		})
	}
	m.metrics.RecordEviction(metrics.ReasonRelated, removed)
	if removed > 0 {
		m.logger.Debug("invalidated related entries", map[string]interface{}{
			"type":  typ,
			"count": removed,
		})
	}
	return removed
}

// GetStats returns a diagnostic snapshot of the namespaced entries
func (m *Manager) GetStats(ctx context.Context) types.CacheStats {
	stats := types.CacheStats{CountsByType: make(map[string]int)}

	keys, err := m.storage.ListKeys(ctx, m.config.Prefix)
	if err != nil {
		m.logger.Warn("stats listing failed", map[string]interface{}{"error": err.Error()})
		return stats
	}

	now := m.now()
	for _, key := range keys {
		raw, found, err := m.storage.Read(ctx, key)
		if err != nil || !found {
			continue
		}

		stats.TotalItems++
		stats.TotalSizeBytes += int64(len(raw))
		stats.CountsByType[m.TypeOf(key)]++

		entry, err := decodeEntry(raw)
		if err != nil || entry.Expired(now) {
			stats.ExpiredItems++
			continue
		}
		stats.ValidItems++
	}
	return stats
}

func (m *Manager) removeMatching(ctx context.Context, prefix string, match func(key string) bool) (int, error) {
	keys, err := m.storage.ListKeys(ctx, prefix)
	if err != nil {
		return 0, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "failed to list keys").
			WithComponent("cache").
			WithContext("prefix", prefix)
	}

	removed := 0
	var firstErr error
	for _, key := range keys {
		if !match(key) {
			continue
		}
		if err := m.storage.Delete(ctx, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// mirror copies a refreshed entry into the fast tier
func (m *Manager) mirror(ctx context.Context, entry *types.CacheEntry) {
	fm, ok := m.storage.(fastMirror)
	if !ok {
		return
	}
	raw, err := msgpack.Marshal(entry)
	if err != nil {
		return
	}
	fm.WriteFast(ctx, entry.Key, raw)
}

func (m *Manager) delete(ctx context.Context, key string) {
	if err := m.storage.Delete(ctx, key); err != nil {
		m.logger.Warn("cache delete failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

func decodeEntry(raw []byte) (*types.CacheEntry, error) {
	var entry types.CacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeEntryCorrupt, "entry cannot be decoded")
	}
	if entry.Key == "" || entry.ExpiresAt.IsZero() {
		return nil, cerrors.NewError(cerrors.ErrCodeEntryCorrupt, "entry is missing required fields")
	}
	return &entry, nil
}
