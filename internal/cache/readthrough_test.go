package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/internal/storage"
)

type menuItem struct {
	ID   int    `msgpack:"id"`
	Nome string `msgpack:"nome"`
}

func TestGetWithFallback(t *testing.T) {
	errOffline := errors.New("api offline")

	tests := []struct {
		name      string
		seed      bool
		fetchErr  error
		wantErr   error
		wantCache bool
		wantCalls int
		wantKept  bool
	}{
		{name: "miss fetches and caches", wantCalls: 1, wantKept: true},
		{name: "hit skips fetch", seed: true, wantCache: true, wantCalls: 0, wantKept: true},
		{name: "fetch error returned unmodified", fetchErr: errOffline, wantErr: errOffline, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, _, _ := newTestManager(t, Config{})
			key := m.GenerateKey("produtos", "7")
			want := menuItem{ID: 7, Nome: "X-Burger"}
			if tt.seed {
				require.NoError(t, m.Set(ctx, key, want, time.Minute))
			}

			calls := 0
			fetch := func(context.Context) (menuItem, error) {
				calls++
				if tt.fetchErr != nil {
					return menuItem{}, tt.fetchErr
				}
				return want, nil
			}

			res, err := GetWithFallback(ctx, m, key, fetch, time.Minute)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantKept, m.Has(ctx, key))
			if tt.wantErr != nil {
				assert.Same(t, tt.wantErr, err)
				assert.Equal(t, menuItem{}, res.Data)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, want, res.Data)
			assert.Equal(t, tt.wantCache, res.FromCache)
		})
	}
}

func TestGetWithFallbackFetchesOnceAcrossCalls(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, Config{})
	key := m.GenerateKey("categorias", "")

	calls := 0
	fetch := func(context.Context) ([]string, error) {
		calls++
		return []string{"lanches", "bebidas"}, nil
	}

	first, err := GetWithFallback(ctx, m, key, fetch, time.Minute)
	require.NoError(t, err)
	second, err := GetWithFallback(ctx, m, key, fetch, time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Data, second.Data)
}

func TestGetWithFallbackSwallowsQuotaError(t *testing.T) {
	ctx := context.Background()
	disk, err := storage.NewDisk(storage.DiskConfig{
		Directory: t.TempDir(),
		MaxBytes:  64,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })

	m := New(disk, Config{})
	t.Cleanup(func() { _ = m.Close() })
	key := m.GenerateKey("pedidos", "")

	big := strings.Repeat("pedido ", 64)
	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return big, nil
	}

	res, err := GetWithFallback(ctx, m, key, fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, big, res.Data)
	assert.False(t, res.FromCache)
	assert.False(t, m.Has(ctx, key))

	// nothing was stored, so the next call fetches again
	_, err = GetWithFallback(ctx, m, key, fetch, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
