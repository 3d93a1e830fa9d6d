// Package bus is the invalidation channel between cache consumers. Any
// component may publish that data changed; realtime queries subscribe and
// refetch when an event names their key.
package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/restopos/datacache/internal/metrics"
	"github.com/restopos/datacache/pkg/utils"
)

// Topic names a class of change
type Topic string

const (
	// TopicStaticDataChanged covers reference data: products, categories,
	// complements
	TopicStaticDataChanged Topic = "static-data-changed"
	// TopicDynamicDataChanged covers operational data: orders, cash registers
	TopicDynamicDataChanged Topic = "dynamic-data-changed"
)

// Key is a composite query key such as ["caixas", "abertos"]
type Key []string

// HasPrefix reports whether prefix matches the leading elements of k
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Event announces that data of Type changed. Subscribers whose key starts
// with one of Keys must refetch.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	Keys []Key  `json:"keys"`
}

// Matches reports whether the event targets key
func (e Event) Matches(key Key) bool {
	for _, k := range e.Keys {
		if key.HasPrefix(k) {
			return true
		}
	}
	return false
}

// Handler receives published events
type Handler func(ctx context.Context, topic Topic, event Event)

type subscription struct {
	seq     uint64
	handler Handler
}

// Bus delivers events to every subscriber of a topic synchronously, in
// subscription order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic]map[string]subscription
	seq     uint64
	logger  *utils.StructuredLogger
	metrics *metrics.Collector
}

// New creates a bus. Both arguments may be nil.
func New(logger *utils.StructuredLogger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Bus{
		subs:    make(map[Topic]map[string]subscription),
		logger:  logger.WithComponent("bus"),
		metrics: collector,
	}
}

// Subscribe registers handler on topic and returns a function removing it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	id := uuid.NewString()

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]subscription)
	}
	b.seq++
	b.subs[topic][id] = subscription{seq: b.seq, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Publish delivers event to the current subscribers of topic and returns
// how many received it.
func (b *Bus) Publish(ctx context.Context, topic Topic, event Event) int {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[topic]))
	for _, s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	b.metrics.RecordBusEvent(string(topic))
	b.logger.Debug("event published", map[string]interface{}{
		"topic":       string(topic),
		"type":        event.Type,
		"keys":        len(event.Keys),
		"subscribers": len(subs),
	})

	for _, s := range subs {
		s.handler(ctx, topic, event)
	}
	return len(subs)
}

// Subscribers returns the number of subscribers on topic
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// ParseTopic maps "static" / "dynamic" or a full topic name to a Topic
func ParseTopic(s string) (Topic, bool) {
	switch s {
	case "static", string(TopicStaticDataChanged):
		return TopicStaticDataChanged, true
	case "dynamic", string(TopicDynamicDataChanged):
		return TopicDynamicDataChanged, true
	}
	return "", false
}
