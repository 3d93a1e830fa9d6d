package query

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/internal/bus"
)

func newTestRealtime(t *testing.T, b *bus.Bus, key ...string) (*Realtime[int], *counter[int]) {
	t.Helper()
	src := &counter[int]{value: len(key)}
	config := DefaultRealtimeConfig(key...)
	config.RefetchInterval = time.Hour
	q := NewRealtime(b, config, src.fetch)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return q, src
}

func TestDefaultRealtimeConfig(t *testing.T) {
	config := DefaultRealtimeConfig("caixas")
	assert.Equal(t, bus.Key{"caixas"}, config.Key)
	assert.Equal(t, 5*time.Second, config.StaleTime)
	assert.Equal(t, 30*time.Second, config.RefetchInterval)

	q := NewRealtime(bus.New(nil, nil), RealtimeConfig{Key: bus.Key{"caixas"}}, (&counter[int]{}).fetch)
	assert.Equal(t, 5*time.Second, q.config.StaleTime)
	assert.Equal(t, 30*time.Second, q.config.RefetchInterval)
}

func TestRealtimeInvalidationByKeyPrefix(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil, nil)

	_, abertos := newTestRealtime(t, b, "caixas", "abertos")
	_, todas := newTestRealtime(t, b, "caixas")
	_, pedidos := newTestRealtime(t, b, "pedidos")

	require.Equal(t, 1, abertos.Calls())
	require.Equal(t, 1, todas.Calls())
	require.Equal(t, 1, pedidos.Calls())

	delivered := b.Publish(ctx, bus.TopicDynamicDataChanged, bus.Event{
		Type: "caixas",
		Data: map[string]any{"id": 4, "status": "fechado"},
		Keys: []bus.Key{{"caixas"}},
	})
	assert.Equal(t, 3, delivered)

	assert.Eventually(t, func() bool {
		return abertos.Calls() == 2 && todas.Calls() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, pedidos.Calls())
}

func TestRealtimeLongerEventKeyDoesNotMatchShorterQuery(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil, nil)

	todas, todasSrc := newTestRealtime(t, b, "caixas")
	_, fechadas := newTestRealtime(t, b, "caixas", "fechados")

	b.Publish(ctx, bus.TopicStaticDataChanged, bus.Event{
		Type: "caixas",
		Keys: []bus.Key{{"caixas", "fechados"}},
	})

	assert.Eventually(t, func() bool { return fechadas.Calls() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, todasSrc.Calls())
	assert.False(t, todas.IsStale())
}

func TestRealtimeStopUnsubscribes(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil, nil)

	q, src := newTestRealtime(t, b, "pedidos")
	assert.Equal(t, 1, b.Subscribers(bus.TopicStaticDataChanged))
	assert.Equal(t, 1, b.Subscribers(bus.TopicDynamicDataChanged))

	q.Stop()
	assert.Equal(t, 0, b.Subscribers(bus.TopicStaticDataChanged))
	assert.Equal(t, 0, b.Subscribers(bus.TopicDynamicDataChanged))

	b.Publish(ctx, bus.TopicDynamicDataChanged, bus.Event{Type: "pedidos", Keys: []bus.Key{{"pedidos"}}})
	assert.Equal(t, 1, src.Calls())
}

func TestRealtimeEventDuringFetchRefetchesAgain(t *testing.T) {
	ctx := context.Background()
	b := bus.New(nil, nil)

	var version, calls atomic.Int32
	var block atomic.Bool
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		v := int(version.Load())
		if block.Load() {
			entered <- struct{}{}
			<-release
		}
		return v, nil
	}

	config := DefaultRealtimeConfig("caixas")
	config.RefetchInterval = time.Hour
	q := NewRealtime(b, config, fetch)
	require.NoError(t, q.Start(ctx))
	t.Cleanup(q.Stop)

	// a poll reads the register list before it is closed
	block.Store(true)
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		_, _ = q.Refetch(ctx)
	}()
	<-entered
	block.Store(false)

	version.Store(1)
	b.Publish(ctx, bus.TopicDynamicDataChanged, bus.Event{
		Type: "caixas",
		Data: map[string]any{"id": 2, "status": "fechado"},
		Keys: []bus.Key{{"caixas"}},
	})
	close(release)
	<-polled

	assert.Eventually(t, func() bool {
		state := q.State()
		return state.Data == 1 && !state.Stale
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}
