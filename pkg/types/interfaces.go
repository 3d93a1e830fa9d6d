package types

import (
	"context"
)

// Storage defines the byte-level key/value contract shared by every storage tier
type Storage interface {
	// Read returns the stored bytes for key; found is false on a miss
	Read(ctx context.Context, key string) (value []byte, found bool, err error)
	// Write stores value under key, replacing any previous value
	Write(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key starting with prefix
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// SizedStorage is implemented by tiers that can report the total bytes of
// the values they hold without reading every value back
type SizedStorage interface {
	Storage
	Size(ctx context.Context) (int64, error)
}

// Closer is implemented by tiers holding background goroutines or handles
type Closer interface {
	Close() error
}

// FetchFunc produces a fresh value for a cache entry or preload task.
// The cache treats it as opaque and idempotent enough to retry.
type FetchFunc func(ctx context.Context) (any, error)
