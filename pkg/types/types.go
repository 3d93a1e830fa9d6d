package types

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Clock returns the current time. Components accept one so tests can move time.
type Clock func() time.Time

// CacheEntry is the envelope persisted for every cached value
type CacheEntry struct {
	Key          string             `msgpack:"key" json:"key"`
	Data         msgpack.RawMessage `msgpack:"data" json:"-"`
	CreatedAt    time.Time          `msgpack:"created_at" json:"created_at"`
	TTL          time.Duration      `msgpack:"ttl" json:"ttl"`
	ExpiresAt    time.Time          `msgpack:"expires_at" json:"expires_at"`
	LastAccessed time.Time          `msgpack:"last_accessed" json:"last_accessed"`
}

// Expired reports whether the entry is past its absolute expiry at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Decode unpacks the payload into v
func (e *CacheEntry) Decode(v any) error {
	return msgpack.Unmarshal(e.Data, v)
}

// CacheStats is the read-only diagnostic view of the cache contents
type CacheStats struct {
	TotalItems     int            `json:"totalItems"`
	ValidItems     int            `json:"validItems"`
	ExpiredItems   int            `json:"expiredItems"`
	TotalSizeBytes int64          `json:"totalSizeBytes"`
	CountsByType   map[string]int `json:"countsByType"`
}

// Priority orders preload tasks
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority parses "high" or "normal"; anything else is normal
func ParsePriority(s string) Priority {
	if s == "high" {
		return PriorityHigh
	}
	return PriorityNormal
}

// PreloadTask is a pending fetch held by the preload scheduler
type PreloadTask struct {
	Type        string
	Fetch       FetchFunc
	Priority    Priority
	AddedAt     time.Time
	Attempts    int
	MaxAttempts int
}

// Before reports whether t should be dispatched ahead of other:
// high priority first, then earliest AddedAt.
func (t *PreloadTask) Before(other *PreloadTask) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.AddedAt.Before(other.AddedAt)
}

// PreloadStats reports scheduler activity
type PreloadStats struct {
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
}
