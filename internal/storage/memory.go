package storage

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/restopos/datacache/pkg/types"
)

// Memory is the volatile tier: a thread-safe map with least-recently-used
// eviction once MaxEntries or MaxBytes is exceeded.
type Memory struct {
	mu          sync.Mutex
	items       map[string]*list.Element
	evictList   *list.List
	currentSize int64
	config      MemoryConfig
	stats       TierStats
}

// MemoryConfig bounds the volatile tier. Zero means unbounded.
type MemoryConfig struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// TierStats counts tier-level activity
type TierStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
}

type memoryItem struct {
	key   string
	value []byte
}

var _ types.SizedStorage = (*Memory)(nil)

// NewMemory creates a new volatile tier
func NewMemory(config MemoryConfig) *Memory {
	return &Memory{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		config:    config,
	}
}

// Read returns a copy of the stored value
func (m *Memory) Read(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	element, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false, nil
	}

	m.evictList.MoveToFront(element)
	m.stats.Hits++

	item := element.Value.(*memoryItem)
	result := make([]byte, len(item.value))
	copy(result, item.value)
	return result, true, nil
}

// Write stores a copy of value and evicts from the back of the list if needed
func (m *Memory) Write(_ context.Context, key string, value []byte) error {
	data := make([]byte, len(value))
	copy(data, value)

	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[key]; ok {
		item := element.Value.(*memoryItem)
		m.currentSize += int64(len(data)) - int64(len(item.value))
		item.value = data
		m.evictList.MoveToFront(element)
	} else {
		element := m.evictList.PushFront(&memoryItem{key: key, value: data})
		m.items[key] = element
		m.currentSize += int64(len(data))
	}

	m.evictIfNeeded()
	return nil
}

// Delete removes key
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.items[key]; ok {
		m.removeElement(element)
	}
	return nil
}

// ListKeys returns the keys starting with prefix in sorted order
func (m *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the bytes held by the tier
func (m *Memory) Size(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentSize, nil
}

// Len returns the number of entries
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Purge drops every entry, the way a host environment reclaims volatile storage
func (m *Memory) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Evictions += uint64(len(m.items))
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.currentSize = 0
}

// Stats returns tier statistics
func (m *Memory) Stats() TierStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Entries = len(m.items)
	stats.Bytes = m.currentSize
	return stats
}

func (m *Memory) evictIfNeeded() {
	for m.evictList.Len() > 1 && m.overLimit() {
		m.removeElement(m.evictList.Back())
		m.stats.Evictions++
	}
}

func (m *Memory) overLimit() bool {
	if m.config.MaxEntries > 0 && len(m.items) > m.config.MaxEntries {
		return true
	}
	return m.config.MaxBytes > 0 && m.currentSize > m.config.MaxBytes
}

func (m *Memory) removeElement(element *list.Element) {
	item := element.Value.(*memoryItem)
	m.evictList.Remove(element)
	delete(m.items, item.key)
	m.currentSize -= int64(len(item.value))
}
