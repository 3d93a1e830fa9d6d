package query

import (
	"strings"
	"time"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/metrics"
	"github.com/restopos/datacache/internal/preload"
	"github.com/restopos/datacache/pkg/types"
	"github.com/restopos/datacache/pkg/utils"
)

// State is a snapshot of a query
type State[T any] struct {
	Data      T         `json:"data"`
	HasData   bool      `json:"has_data"`
	Loading   bool      `json:"loading"`
	Err       error     `json:"-"`
	FromCache bool      `json:"from_cache"`
	Stale     bool      `json:"stale"`
	UpdatedAt time.Time `json:"updated_at"`
}

type options struct {
	logger    *utils.StructuredLogger
	metrics   *metrics.Collector
	now       types.Clock
	bus       *bus.Bus
	scheduler *preload.Scheduler
}

// Option configures a query
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *options) {
		o.metrics = collector
	}
}

// WithClock sets the time source used for freshness checks
func WithClock(clock types.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithBus sets the bus a Data query publishes its updates on
func WithBus(b *bus.Bus) Option {
	return func(o *options) {
		o.bus = b
	}
}

// WithScheduler sets the scheduler Data.Preload defers to
func WithScheduler(s *preload.Scheduler) Option {
	return func(o *options) {
		o.scheduler = s
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger: utils.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithComponent(component)
	return o
}

func keyString(key bus.Key) string {
	return strings.Join(key, "/")
}
