package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const backupTimeFormat = "2006-01-02T15-04-05.000"

// RotationConfig controls when the log file is rotated and how many
// backups are kept
type RotationConfig struct {
	Filename string

	// MaxBytes rotates once the file would grow past this size; 0 disables
	MaxBytes int64

	// MaxAge rotates files open longer than this and prunes older backups; 0 disables
	MaxAge time.Duration

	// MaxBackups is the number of rotated files kept; 0 keeps all
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.WriteCloser that rotates the underlying file
type LogRotator struct {
	mu sync.Mutex

	config   RotationConfig
	file     *os.File
	size     int64
	openTime time.Time
	now      func() time.Time
}

// NewLogRotator opens (or creates) the log file, creating its directory
func NewLogRotator(config RotationConfig) (*LogRotator, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log filename is required")
	}

	lr := &LogRotator{config: config, now: time.Now}
	if err := lr.openFile(); err != nil {
		return nil, err
	}
	return lr, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (int, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}
	if lr.shouldRotate(int64(len(p))) {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the current file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Sync flushes the current file to disk
func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	return lr.file.Sync()
}

// Rotate forces an immediate rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) shouldRotate(writeSize int64) bool {
	if lr.config.MaxBytes > 0 && lr.size > 0 && lr.size+writeSize > lr.config.MaxBytes {
		return true
	}
	if lr.config.MaxAge > 0 && lr.now().Sub(lr.openTime) >= lr.config.MaxAge {
		return true
	}
	return false
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
		lr.file = nil
	}

	backup := lr.backupFilename()
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// compression and pruning failures must not stop logging
	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log backup %s: %v\n", backup, err)
		}
	}
	if err := lr.pruneBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prune log backups: %v\n", err)
	}

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	lr.openTime = lr.now()
	return nil
}

// backupFilename returns an unused name of the form <base>-<timestamp><ext>
func (lr *LogRotator) backupFilename() string {
	dir, prefix, ext := lr.nameParts()
	stamp := lr.now().UTC().Format(backupTimeFormat)

	name := filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, stamp, ext))
	for i := 1; exists(name) || exists(name+".gz"); i++ {
		name = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", prefix, stamp, i, ext))
	}
	return name
}

func (lr *LogRotator) nameParts() (dir, prefix, ext string) {
	dir = filepath.Dir(lr.config.Filename)
	base := filepath.Base(lr.config.Filename)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

// pruneBackups removes the oldest backups beyond MaxBackups and any older than MaxAge
func (lr *LogRotator) pruneBackups() error {
	backups, err := lr.backups()
	if err != nil {
		return err
	}

	var remove []os.FileInfo
	if lr.config.MaxBackups > 0 && len(backups) > lr.config.MaxBackups {
		excess := len(backups) - lr.config.MaxBackups
		remove = append(remove, backups[:excess]...)
		backups = backups[excess:]
	}
	if lr.config.MaxAge > 0 {
		cutoff := lr.now().Add(-lr.config.MaxAge)
		for _, b := range backups {
			if b.ModTime().Before(cutoff) {
				remove = append(remove, b)
			}
		}
	}

	dir := filepath.Dir(lr.config.Filename)
	for _, b := range remove {
		if err := os.Remove(filepath.Join(dir, b.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// backups lists rotated files oldest first
func (lr *LogRotator) backups() ([]os.FileInfo, error) {
	dir, prefix, ext := lr.nameParts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []os.FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if !strings.HasSuffix(name, ext) && !strings.HasSuffix(name, ext+".gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, info)
	}

	// names embed the rotation time, so they sort chronologically
	sort.Slice(backups, func(i, j int) bool { return backups[i].Name() < backups[j].Name() })
	return backups, nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}
