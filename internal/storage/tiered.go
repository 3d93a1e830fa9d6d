package storage

import (
	"context"
	"sort"

	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

// Tiered composes a fast tier and a durable tier behind one Storage.
// Reads try the fast tier first and backfill it on a durable hit; the
// durable tier is the write target of record.
type Tiered struct {
	fast    types.Storage
	durable types.Storage
	logger  *utils.StructuredLogger
}

var (
	_ types.SizedStorage = (*Tiered)(nil)
	_ types.Closer       = (*Tiered)(nil)
)

// NewTiered creates the facade
func NewTiered(fast, durable types.Storage, logger *utils.StructuredLogger) *Tiered {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Tiered{
		fast:    fast,
		durable: durable,
		logger:  logger.WithComponent("tiered"),
	}
}

// Fast returns the fast tier
func (t *Tiered) Fast() types.Storage { return t.fast }

// Durable returns the durable tier
func (t *Tiered) Durable() types.Storage { return t.durable }

// Read checks the fast tier, then the durable tier
func (t *Tiered) Read(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := t.fast.Read(ctx, key)
	if err != nil {
		t.logger.Warn("fast tier read failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	if found {
		return value, true, nil
	}

	value, found, err = t.durable.Read(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	if werr := t.fast.Write(ctx, key, value); werr != nil {
		t.logger.Warn("fast tier backfill failed", map[string]interface{}{
			"key":   key,
			"error": werr.Error(),
		})
	}
	return value, true, nil
}

// Write stores value in both tiers. Only a durable failure is returned.
func (t *Tiered) Write(ctx context.Context, key string, value []byte) error {
	t.WriteFast(ctx, key, value)
	return t.durable.Write(ctx, key, value)
}

// WriteFast mirrors value into the fast tier only
func (t *Tiered) WriteFast(ctx context.Context, key string, value []byte) {
	if err := t.fast.Write(ctx, key, value); err != nil {
		t.logger.Warn("fast tier write failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Delete removes key from both tiers
func (t *Tiered) Delete(ctx context.Context, key string) error {
	ferr := t.fast.Delete(ctx, key)
	if err := t.durable.Delete(ctx, key); err != nil {
		return err
	}
	return ferr
}

// ListKeys returns the sorted union of both tiers' keys
func (t *Tiered) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	fastKeys, err := t.fast.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	durableKeys, err := t.durable.ListKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(fastKeys)+len(durableKeys))
	keys := make([]string, 0, len(fastKeys)+len(durableKeys))
	for _, list := range [][]string{fastKeys, durableKeys} {
		for _, key := range list {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size reports the durable tier's footprint, the record of what is stored
func (t *Tiered) Size(ctx context.Context) (int64, error) {
	return SizeOf(ctx, t.durable)
}

// Close closes whichever tiers hold resources
func (t *Tiered) Close() error {
	var firstErr error
	for _, s := range []types.Storage{t.fast, t.durable} {
		if c, ok := s.(types.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SizeOf returns the bytes held by s, reading every value back when the tier
// cannot report its size directly
func SizeOf(ctx context.Context, s types.Storage) (int64, error) {
	if sized, ok := s.(types.SizedStorage); ok {
		return sized.Size(ctx)
	}

	keys, err := s.ListKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		value, found, err := s.Read(ctx, key)
		if err != nil {
			return 0, err
		}
		if found {
			total += int64(len(value))
		}
	}
	return total, nil
}
