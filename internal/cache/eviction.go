package cache

import (
	"context"
	"sort"
	"time"

	"github.com/restopos/datacache/internal/metrics"
	"github.com/restopos/datacache/internal/schedule"
	"github.com/restopos/datacache/internal/storage"
)

// CheckCacheSize evicts the oldest entries when the stored bytes exceed
// MaxSize. It reports whether eviction ran.
func (m *Manager) CheckCacheSize(ctx context.Context) bool {
	size, err := storage.SizeOf(ctx, m.storage)
	if err != nil {
		m.logger.Warn("size check failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	m.metrics.UpdateStoredBytes("total", size)

	if size <= m.config.MaxSize {
		return false
	}

	removed := m.CleanupOldestCache(ctx)
	m.logger.Info("cache over budget, evicted oldest entries", map[string]interface{}{
		"size":    size,
		"budget":  m.config.MaxSize,
		"removed": removed,
	})
	return true
}

// CleanupOldestCache deletes the oldest fifth of the entries by CreatedAt,
// rounded up, regardless of remaining TTL. Corrupt entries met on the way
// are deleted too but are not counted toward the fifth.
func (m *Manager) CleanupOldestCache(ctx context.Context) int {
	keys, err := m.storage.ListKeys(ctx, m.config.Prefix)
	if err != nil {
		m.logger.Warn("eviction listing failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	type aged struct {
		key       string
		createdAt time.Time
	}
	entries := make([]aged, 0, len(keys))
	corrupt := 0

	for _, key := range keys {
		raw, found, err := m.storage.Read(ctx, key)
		if err != nil || !found {
			continue
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			m.delete(ctx, key)
			corrupt++
			continue
		}
		entries = append(entries, aged{key: key, createdAt: entry.CreatedAt})
	}
	m.metrics.RecordEviction(metrics.ReasonCorrupt, corrupt)

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].key < entries[j].key
		}
		return entries[i].createdAt.Before(entries[j].createdAt)
	})

	toRemove := (len(entries) + 4) / 5
	removed := 0
	for _, e := range entries[:toRemove] {
		if err := m.storage.Delete(ctx, e.key); err != nil {
			m.logger.Warn("eviction delete failed", map[string]interface{}{
				"key":   e.key,
				"error": err.Error(),
			})
			continue
		}
		removed++
	}
	m.metrics.RecordEviction(metrics.ReasonOldest, removed)
	return removed
}

// CleanupExpiredCache deletes every namespaced entry past ExpiresAt or
// failing to decode, and returns how many were removed.
func (m *Manager) CleanupExpiredCache(ctx context.Context) int {
	keys, err := m.storage.ListKeys(ctx, m.config.Prefix)
	if err != nil {
		m.logger.Warn("sweep listing failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	now := m.now()
	expired, corrupt := 0, 0
	for _, key := range keys {
		raw, found, err := m.storage.Read(ctx, key)
		if err != nil || !found {
			continue
		}
		entry, err := decodeEntry(raw)
		switch {
		case err != nil:
			m.delete(ctx, key)
			corrupt++
		case entry.Expired(now):
			m.delete(ctx, key)
			expired++
		}
	}

	m.metrics.RecordEviction(metrics.ReasonExpired, expired)
	m.metrics.RecordEviction(metrics.ReasonCorrupt, corrupt)
	return expired + corrupt
}

// Start runs the storage-pressure monitor every MonitorInterval. A
// non-positive interval leaves it off; Set still enforces MaxSize.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitor != nil || m.config.MonitorInterval <= 0 {
		return
	}
	m.monitor = schedule.Every(ctx, m.config.MonitorInterval, m.monitorStorage)
	m.logger.Debug("storage monitor started", map[string]interface{}{
		"interval": m.config.MonitorInterval.String(),
	})
}

// Close stops the storage-pressure monitor
func (m *Manager) Close() error {
	m.mu.Lock()
	monitor := m.monitor
	m.monitor = nil
	m.mu.Unlock()

	monitor.Stop()
	return nil
}

// monitorStorage evicts early once the footprint passes PressureRatio of
// StorageCeiling.
func (m *Manager) monitorStorage(ctx context.Context) {
	if m.config.StorageCeiling <= 0 {
		return
	}

	size, err := storage.SizeOf(ctx, m.storage)
	if err != nil {
		m.logger.Warn("storage estimate failed", map[string]interface{}{"error": err.Error()})
		return
	}
	m.metrics.UpdateStoredBytes("total", size)

	threshold := float64(m.config.StorageCeiling) * m.config.PressureRatio
	if float64(size) <= threshold {
		return
	}

	expired := m.CleanupExpiredCache(ctx)
	oldest := m.CleanupOldestCache(ctx)
	m.logger.Info("storage pressure, evicted entries", map[string]interface{}{
		"size":      size,
		"threshold": int64(threshold),
		"expired":   expired,
		"oldest":    oldest,
	})
}
