package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/restopos/datacache/internal/schedule"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

const entryExt = ".entry"

// Disk is the durable tier: one file per key under Directory plus a JSON
// index of key to file metadata.
type Disk struct {
	mu          sync.RWMutex
	config      DiskConfig
	index       map[string]*diskItem
	currentSize int64
	dirty       bool
	closed      bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	sync    *schedule.Task
	logger  *utils.StructuredLogger
	stats   TierStats
}

// DiskConfig represents durable tier configuration
type DiskConfig struct {
	Directory            string        `yaml:"directory"`
	MaxBytes             int64         `yaml:"max_bytes"`
	Compression          bool          `yaml:"compression"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	IndexFile            string        `yaml:"index_file"`
	SyncInterval         time.Duration `yaml:"sync_interval"`
}

// diskItem is one index record
type diskItem struct {
	Key          string    `json:"key"`
	File         string    `json:"file"`
	Size         int64     `json:"size"`
	OriginalSize int64     `json:"original_size"`
	Compressed   bool      `json:"compressed"`
	Checksum     uint64    `json:"checksum"`
	Written      time.Time `json:"written"`
}

var (
	_ types.SizedStorage = (*Disk)(nil)
	_ types.Closer       = (*Disk)(nil)
)

// NewDisk opens or creates a durable tier rooted at config.Directory
func NewDisk(config DiskConfig, logger *utils.StructuredLogger) (*Disk, error) {
	if config.Directory == "" {
		return nil, cerrors.NewError(cerrors.ErrCodeInvalidConfig, "disk directory is required").
			WithComponent("disk")
	}
	if config.IndexFile == "" {
		config.IndexFile = "index.json"
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = 1024
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to create disk directory").
			WithComponent("disk").
			WithContext("directory", config.Directory)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	d := &Disk{
		config:  config,
		index:   make(map[string]*diskItem),
		encoder: encoder,
		decoder: decoder,
		logger:  logger.WithComponent("disk"),
	}

	if err := d.loadIndex(); err != nil {
		d.logger.Warn("discarding unreadable index", map[string]interface{}{"error": err.Error()})
		d.index = make(map[string]*diskItem)
		d.currentSize = 0
	}
	d.removeOrphans()

	d.sync = schedule.Every(context.Background(), config.SyncInterval, func(context.Context) {
		d.syncIndex()
	})

	return d, nil
}

// Read returns the value stored under key. A file that fails its checksum or
// cannot be decompressed is removed and reported as a miss.
func (d *Disk) Read(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, false, d.stoppedError("read")
	}
	item, ok := d.index[key]
	if !ok {
		d.mu.RUnlock()
		d.mu.Lock()
		d.stats.Misses++
		d.mu.Unlock()
		return nil, false, nil
	}
	raw, err := os.ReadFile(d.filePath(item.File))
	compressed := item.Compressed
	checksum := item.Checksum
	d.mu.RUnlock()

	if err != nil {
		if os.IsNotExist(err) {
			d.dropItem(key, checksum, "file missing")
			return nil, false, nil
		}
		return nil, false, cerrors.Wrap(err, cerrors.ErrCodeStorageRead, "failed to read entry file").
			WithComponent("disk").
			WithOperation("read").
			WithContext("key", key)
	}

	data := raw
	if compressed {
		data, err = d.decoder.DecodeAll(raw, nil)
		if err != nil {
			d.dropItem(key, checksum, "decompression failed")
			return nil, false, nil
		}
	}
	if xxhash.Sum64(data) != checksum {
		d.dropItem(key, checksum, "checksum mismatch")
		return nil, false, nil
	}

	d.mu.Lock()
	d.stats.Hits++
	d.mu.Unlock()
	return data, true, nil
}

// Write stores value under key. A write that would take the tier past
// MaxBytes fails with QUOTA_EXCEEDED and leaves the previous value in place.
func (d *Disk) Write(_ context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.stoppedError("write")
	}

	var previous int64
	if old, ok := d.index[key]; ok {
		previous = old.OriginalSize
	}
	newSize := d.currentSize - previous + int64(len(value))
	if d.config.MaxBytes > 0 && newSize > d.config.MaxBytes {
		return cerrors.NewError(cerrors.ErrCodeQuotaExceeded, "durable tier quota exceeded").
			WithComponent("disk").
			WithOperation("write").
			WithContext("key", key).
			WithContext("requested", fmt.Sprintf("%d", newSize)).
			WithContext("quota", fmt.Sprintf("%d", d.config.MaxBytes))
	}

	item := &diskItem{
		Key:          key,
		File:         fileName(key),
		OriginalSize: int64(len(value)),
		Checksum:     xxhash.Sum64(value),
		Written:      time.Now(),
	}

	payload := value
	if d.config.Compression && len(value) > d.config.CompressionThreshold {
		compressed := d.encoder.EncodeAll(value, make([]byte, 0, len(value)))
		if len(compressed) < len(value) {
			payload = compressed
			item.Compressed = true
		}
	}
	item.Size = int64(len(payload))

	if err := d.writeFile(item.File, payload); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to write entry file").
			WithComponent("disk").
			WithOperation("write").
			WithContext("key", key)
	}

	d.index[key] = item
	d.currentSize = newSize
	d.dirty = true
	return nil
}

// Delete removes key and its file
func (d *Disk) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return d.stoppedError("delete")
	}
	return d.removeLocked(key)
}

// ListKeys returns the indexed keys starting with prefix in sorted order
func (d *Disk) ListKeys(_ context.Context, prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.index))
	for key := range d.index {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the logical (uncompressed) bytes held by the tier
func (d *Disk) Size(_ context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentSize, nil
}

// Stats returns tier statistics
func (d *Disk) Stats() TierStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := d.stats
	stats.Entries = len(d.index)
	stats.Bytes = d.currentSize
	return stats
}

// Flush writes the index to disk if it changed
func (d *Disk) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveIndexLocked()
}

// Close stops the index sync loop and persists the index
func (d *Disk) Close() error {
	d.sync.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	err := d.saveIndexLocked()
	d.decoder.Close()
	if cerr := d.encoder.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Disk) syncIndex() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if err := d.saveIndexLocked(); err != nil {
		d.logger.Error("index sync failed", map[string]interface{}{"error": err.Error()})
	}
}

// dropItem removes a corrupt entry unless a concurrent write replaced it
func (d *Disk) dropItem(key string, checksum uint64, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Misses++
	if item, ok := d.index[key]; !ok || item.Checksum != checksum {
		return
	}
	d.stats.Evictions++
	if err := d.removeLocked(key); err != nil {
		d.logger.Warn("failed to remove corrupt entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	d.logger.Warn("removed corrupt entry", map[string]interface{}{
		"key":    key,
		"reason": reason,
	})
}

func (d *Disk) removeLocked(key string) error {
	item, ok := d.index[key]
	if !ok {
		return nil
	}
	delete(d.index, key)
	d.currentSize -= item.OriginalSize
	d.dirty = true

	if err := os.Remove(d.filePath(item.File)); err != nil && !os.IsNotExist(err) {
		return cerrors.Wrap(err, cerrors.ErrCodeStorageWrite, "failed to remove entry file").
			WithComponent("disk").
			WithOperation("delete").
			WithContext("key", key)
	}
	return nil
}

func (d *Disk) writeFile(name string, data []byte) error {
	path := d.filePath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (d *Disk) loadIndex() error {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var index map[string]*diskItem
	if err := json.Unmarshal(data, &index); err != nil {
		return err
	}

	for key, item := range index {
		if item == nil {
			continue
		}
		if _, err := os.Stat(d.filePath(item.File)); err != nil {
			continue
		}
		d.index[key] = item
		d.currentSize += item.OriginalSize
	}
	return nil
}

func (d *Disk) saveIndexLocked() error {
	if !d.dirty {
		return nil
	}

	data, err := json.Marshal(d.index)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmp := d.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp, d.indexPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace index: %w", err)
	}

	d.dirty = false
	return nil
}

// removeOrphans deletes entry files the index does not reference, left
// behind by a crash between a file write and the next index sync.
func (d *Disk) removeOrphans() {
	files, err := os.ReadDir(d.config.Directory)
	if err != nil {
		return
	}

	referenced := make(map[string]struct{}, len(d.index))
	for _, item := range d.index {
		referenced[item.File] = struct{}{}
	}

	for _, f := range files {
		name := f.Name()
		if f.IsDir() {
			continue
		}
		orphanEntry := strings.HasSuffix(name, entryExt)
		if _, ok := referenced[name]; ok {
			continue
		}
		if orphanEntry || strings.HasSuffix(name, entryExt+".tmp") {
			_ = os.Remove(filepath.Join(d.config.Directory, name))
		}
	}
}

func (d *Disk) stoppedError(op string) error {
	return cerrors.NewError(cerrors.ErrCodeComponentStopped, "disk tier is closed").
		WithComponent("disk").
		WithOperation(op)
}

func (d *Disk) filePath(name string) string {
	return filepath.Join(d.config.Directory, name)
}

func (d *Disk) indexPath() string {
	return filepath.Join(d.config.Directory, d.config.IndexFile)
}

func fileName(key string) string {
	return fmt.Sprintf("%016x%s", xxhash.Sum64String(key), entryExt)
}
