package preload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/pkg/types"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("produtos", constFetch(1))
	r.Register("caixas", constFetch(2))

	_, ok := r.Lookup("produtos")
	assert.True(t, ok)
	assert.Equal(t, []string{"caixas", "produtos"}, r.Types())

	r.Register("caixas", nil)
	_, ok = r.Lookup("caixas")
	assert.False(t, ok)
}

func TestPreloadForNavigation(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry()
	for _, typ := range []string{"pedidos", "caixas", "produtos", "categorias"} {
		registry.Register(typ, constFetch(typ))
	}
	s, manager := newTestScheduler(t, Config{}, WithRegistry(registry))

	// dashboard → produtos: produtos and categorias at high (complementos
	// unregistered), then pedidos and caixas at normal; produtos is
	// already queued so it is not counted twice
	queued := s.PreloadForNavigation("dashboard", "produtos")
	assert.Equal(t, 4, queued)

	waitIdle(t, s)
	for _, typ := range []string{"pedidos", "caixas", "produtos", "categorias"} {
		assert.True(t, manager.Has(ctx, manager.GenerateKey(typ, "")), typ)
	}
	assert.False(t, manager.Has(ctx, "cache_complementos_"))

	// everything is cached now
	assert.Zero(t, s.PreloadForNavigation("dashboard", "produtos"))
}

func TestPreloadForNavigationDestinationIsHighPriority(t *testing.T) {
	registry := NewRegistry()
	s, _ := newTestScheduler(t, Config{
		MaxConcurrent: 1,
		Navigation: map[string][]string{
			"from": {"shared", "left"},
			"to":   {"shared"},
		},
	}, WithRegistry(registry))

	release := make(chan struct{})
	started := make(chan struct{})
	require.True(t, s.AddToPreloadQueue("blocker", func(context.Context) (any, error) {
		close(started)
		<-release
		return 1, nil
	}, types.PriorityNormal))
	<-started

	registry.Register("shared", constFetch(1))
	registry.Register("left", constFetch(2))
	assert.Equal(t, 2, s.PreloadForNavigation("from", "to"))

	s.mu.Lock()
	assert.Equal(t, types.PriorityHigh, s.queue["shared"].Priority)
	assert.Equal(t, types.PriorityNormal, s.queue["left"].Priority)
	s.mu.Unlock()

	close(release)
	waitIdle(t, s)
}

func TestPreloadForNavigationUnknownPages(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	assert.Zero(t, s.PreloadForNavigation("nowhere", "elsewhere"))
}
