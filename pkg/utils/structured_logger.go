package utils

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// StructuredLogger provides structured logging with levels, fields and
// per-component level overrides on top of a charmbracelet/log sink.
type StructuredLogger struct {
	sink      *log.Logger
	level     *levelState
	component string
}

// levelState is shared by every logger derived from the same root
type levelState struct {
	mu              sync.RWMutex
	level           LogLevel
	componentLevels map[string]LogLevel
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
	Prefix        string
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stderr,
		Format:        FormatText,
		IncludeCaller: false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Output == nil {
		return nil, fmt.Errorf("logger output cannot be nil")
	}

	sink := log.NewWithOptions(config.Output, log.Options{
		Level:           log.DebugLevel,
		Prefix:          config.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		ReportCaller:    config.IncludeCaller,
		CallerOffset:    2,
		Formatter:       config.Format.formatter(),
	})

	return &StructuredLogger{
		sink: sink,
		level: &levelState{
			level:           config.Level,
			componentLevels: make(map[string]LogLevel),
		},
	}, nil
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *StructuredLogger {
	logger, _ := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  ERROR,
		Output: io.Discard,
	})
	return logger
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	derived := &StructuredLogger{
		sink:      sl.sink.With(key, value),
		level:     sl.level,
		component: sl.component,
	}
	if key == "component" {
		if s, ok := value.(string); ok {
			derived.component = s
		}
	}
	return derived
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	derived := sl
	for _, k := range sortedKeys(fields) {
		derived = derived.WithField(k, fields[k])
	}
	return derived
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.level.mu.Lock()
	defer sl.level.mu.Unlock()
	sl.level.componentLevels[component] = level
}

// SetLevel sets the global log level
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.level.mu.Lock()
	defer sl.level.mu.Unlock()
	sl.level.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.level.mu.RLock()
	defer sl.level.mu.RUnlock()
	return sl.level.level
}

// isEnabled checks if a log level is enabled for the current component
func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.level.mu.RLock()
	defer sl.level.mu.RUnlock()

	if sl.component != "" {
		if compLevel, exists := sl.level.componentLevels[sl.component]; exists {
			return level >= compLevel
		}
	}
	return level >= sl.level.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}

	var keyvals []interface{}
	for _, fields := range fieldMaps {
		for _, k := range sortedKeys(fields) {
			keyvals = append(keyvals, k, fields[k])
		}
	}
	sl.sink.Log(level.charmLevel(), message, keyvals...)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields...)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.log(DEBUG, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.log(INFO, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.log(WARN, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.log(ERROR, fmt.Sprintf(format, args...))
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
