package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/config"
	"github.com/restopos/datacache/internal/service"
	"github.com/restopos/datacache/pkg/api"
	"github.com/restopos/datacache/pkg/utils"
)

func newAdminServer(t *testing.T) *service.Service {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Durable = config.BackendMemory
	cfg.Preload.DispatchDelay = -1

	svc, err := service.New(context.Background(), cfg, service.WithLogger(utils.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ts := httptest.NewServer(api.NewServer(api.DefaultServerConfig(), svc).Handler())
	t.Cleanup(ts.Close)
	return withServer(t, ts.URL, svc)
}

func withServer(t *testing.T, url string, svc *service.Service) *service.Service {
	t.Helper()
	prev := serverURL
	t.Cleanup(func() { serverURL = prev })
	serverURL = url
	return svc
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	clearType, invalidateKeys, invalidateType, invalidateTopic, configOutput = "", nil, "", "dynamic", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--server", serverURL))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStatsCommand(t *testing.T) {
	svc := newAdminServer(t)
	ctx := context.Background()
	require.NoError(t, svc.Cache().Set(ctx, "cache_produtos_1", "X-Burger", time.Minute))
	require.NoError(t, svc.Cache().Set(ctx, "cache_produtos_2", "X-Salada", time.Minute))
	svc.Registry().Register("pedidos", func(ctx context.Context) (any, error) { return nil, nil })

	out, err := run(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "2 total, 2 valid, 0 expired")
	assert.Contains(t, out, "produtos")
	assert.Contains(t, out, "registered: pedidos")
}

func TestClearCommand(t *testing.T) {
	svc := newAdminServer(t)
	ctx := context.Background()
	require.NoError(t, svc.Cache().Set(ctx, "cache_pedidos_1", "a", time.Minute))
	require.NoError(t, svc.Cache().Set(ctx, "cache_pedidos_2", "b", time.Minute))
	require.NoError(t, svc.Cache().Set(ctx, "cache_produtos_1", "c", time.Minute))

	out, err := run(t, "clear", "--type", "pedidos")
	require.NoError(t, err)
	assert.Equal(t, "removed 2 entries\n", out)
	assert.True(t, svc.Cache().Has(ctx, "cache_produtos_1"))

	out, err = run(t, "clear")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 entry\n", out)
}

func TestSweepCommand(t *testing.T) {
	svc := newAdminServer(t)
	ctx := context.Background()
	require.NoError(t, svc.Cache().Set(ctx, "cache_pedidos_1", "a", time.Nanosecond))
	time.Sleep(time.Millisecond)

	out, err := run(t, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 expired entry\n", out)
}

func TestInvalidateCommand(t *testing.T) {
	svc := newAdminServer(t)

	var received []bus.Event
	svc.Bus().Subscribe(bus.TopicStaticDataChanged, func(_ context.Context, _ bus.Topic, e bus.Event) {
		received = append(received, e)
	})

	out, err := run(t, "invalidate", "--topic", "static", "--type", "produtos", "--key", "produtos,list")
	require.NoError(t, err)
	assert.Contains(t, out, "to 1 subscriber")

	require.Len(t, received, 1)
	assert.Equal(t, "produtos", received[0].Type)
	assert.True(t, received[0].Matches(bus.Key{"produtos", "list", "ativos"}))

	_, err = run(t, "invalidate", "--type", "produtos")
	assert.Error(t, err)

	_, err = run(t, "invalidate", "--topic", "weekly", "--key", "produtos")
	assert.Error(t, err)
}

func TestAdminCommandsUnreachable(t *testing.T) {
	withServer(t, "http://127.0.0.1:1", nil)

	_, err := run(t, "stats")
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "admin_addr")

	path := filepath.Join(t.TempDir(), "datacache.yaml")
	out, err = run(t, "config", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = os.Stat(path)
	require.NoError(t, err)

	loaded := config.NewDefault()
	require.NoError(t, loaded.LoadFromFile(path))
	assert.Equal(t, config.NewDefault().Global.AdminAddr, loaded.Global.AdminAddr)
}
