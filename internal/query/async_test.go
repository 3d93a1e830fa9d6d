package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/restopos/datacache/pkg/errors"
)

func TestAsyncServesFreshData(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := &counter[[]string]{value: []string{"pedido 1"}}

	q := NewAsync(AsyncConfig{Key: []string{"pedidos"}, StaleTime: 5 * time.Second}, src.fetch, WithClock(clock.Now))

	_, err := q.Fetch(ctx)
	require.NoError(t, err)
	clock.Advance(4 * time.Second)
	data, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pedido 1"}, data)
	assert.Equal(t, 1, src.Calls())
	assert.False(t, q.IsStale())

	clock.Advance(time.Second)
	assert.True(t, q.IsStale())
	_, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
	assert.Equal(t, uint64(2), q.Fetches())
}

func TestAsyncInvalidate(t *testing.T) {
	ctx := context.Background()
	src := &counter[int]{value: 1}
	q := NewAsync(AsyncConfig{Key: []string{"caixas"}, StaleTime: time.Hour}, src.fetch)

	_, err := q.Fetch(ctx)
	require.NoError(t, err)

	q.Invalidate()
	assert.True(t, q.State().Stale)

	_, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Calls())
	assert.False(t, q.State().Stale)
}

func TestAsyncRetries(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	fetch := func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("gateway timeout")
		}
		return "ok", nil
	}

	q := NewAsync(AsyncConfig{Key: []string{"clientes"}, Retry: 2, RetryDelay: time.Millisecond}, fetch)
	data, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", data)
	assert.Equal(t, 3, attempts)
}

func TestAsyncRetryExhausted(t *testing.T) {
	ctx := context.Background()
	src := &counter[string]{err: errors.New("offline")}

	q := NewAsync(AsyncConfig{Key: []string{"clientes"}, Retry: 1, RetryDelay: time.Millisecond}, src.fetch)
	_, err := q.Fetch(ctx)

	require.Error(t, err)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeRetryExhausted))
	assert.Equal(t, 2, src.Calls())

	state := q.State()
	assert.False(t, state.HasData)
	assert.Equal(t, err, state.Err)
}

func TestAsyncWithoutRetryReturnsErrorUnmodified(t *testing.T) {
	offline := errors.New("offline")
	src := &counter[string]{err: offline}

	q := NewAsync(AsyncConfig{Key: []string{"clientes"}}, src.fetch)
	_, err := q.Fetch(context.Background())

	assert.Same(t, offline, err)
	assert.Equal(t, 1, src.Calls())
}

func TestAsyncConcurrentRefetchShareOneCall(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		calls.Add(1)
		entered <- struct{}{}
		<-release
		return 42, nil
	}

	q := NewAsync(AsyncConfig{Key: []string{"produtos"}}, fetch)

	var wg sync.WaitGroup
	results := make([]int, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = q.Refetch(ctx)
	}()
	<-entered

	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = q.Refetch(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []int{42, 42, 42, 42, 42}, results)
}

func TestAsyncRefetchInterval(t *testing.T) {
	ctx := context.Background()
	src := &counter[int]{value: 1}

	q := NewAsync(AsyncConfig{
		Key:             []string{"pedidos", "abertos"},
		StaleTime:       time.Hour,
		RefetchInterval: 10 * time.Millisecond,
	}, src.fetch)

	require.NoError(t, q.Start(ctx))
	assert.Eventually(t, func() bool { return src.Calls() >= 3 }, time.Second, 5*time.Millisecond)

	q.Stop()
	stopped := src.Calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, src.Calls())
}

func TestAsyncInvalidateDuringFetchStaysStale(t *testing.T) {
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (int, error) {
		close(entered)
		<-release
		return 7, nil
	}
	q := NewAsync(AsyncConfig{Key: []string{"pedidos"}, StaleTime: time.Hour}, fetch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Refetch(ctx)
	}()
	<-entered
	q.Invalidate()
	close(release)
	<-done

	state := q.State()
	assert.Equal(t, 7, state.Data)
	assert.True(t, state.Stale, "an invalidation during the fetch must survive it")
}
