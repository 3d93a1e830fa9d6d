package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/internal/bus"
	"github.com/restopos/datacache/internal/config"
	"github.com/restopos/datacache/internal/query"
	"github.com/restopos/datacache/internal/storage"
	cerrors "github.com/restopos/datacache/pkg/errors"
	"github.com/restopos/datacache/pkg/health"
	"github.com/restopos/datacache/pkg/utils"
)

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Storage.Disk.Directory = t.TempDir()
	cfg.Preload.DispatchDelay = -1
	return cfg
}

func newTestService(t *testing.T, cfg *config.Configuration) *Service {
	t.Helper()
	s, err := New(context.Background(), cfg, WithLogger(utils.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewWiresDiskBehindMemory(t *testing.T) {
	s := newTestService(t, testConfig(t))

	tiered, ok := s.Storage().(*storage.Tiered)
	require.True(t, ok)
	assert.IsType(t, &storage.Memory{}, tiered.Fast())
	assert.IsType(t, &storage.Disk{}, tiered.Durable())

	assert.Equal(t, int64(50_000_000), s.Cache().Config().MaxSize)
	assert.Equal(t, int64(5_000_000), s.Cache().Config().StorageCeiling)
	assert.Same(t, s.Registry(), s.Scheduler().Registry())
}

func TestNewWithoutFastTier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Fast.Enabled = false
	cfg.Storage.Durable = config.BackendMemory

	s := newTestService(t, cfg)
	assert.IsType(t, &storage.Memory{}, s.Storage())
}

func TestNewGuardsS3Tier(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Fast.Enabled = false
	cfg.Storage.Durable = config.BackendS3
	cfg.Storage.S3.Bucket = "restopos-cache"
	cfg.Storage.S3.Endpoint = "http://127.0.0.1:1"
	cfg.Storage.S3.UsePathStyle = true
	cfg.Storage.S3.AccessKeyID = "test"
	cfg.Storage.S3.SecretAccessKey = "test"

	s := newTestService(t, cfg)
	guarded, ok := s.Storage().(*storage.Guarded)
	require.True(t, ok)
	assert.IsType(t, &storage.S3{}, guarded.Inner())
	assert.Equal(t, "s3", guarded.Breaker().Name())

	cfg.Storage.S3.Breaker.Enabled = false
	s = newTestService(t, cfg)
	assert.IsType(t, &storage.S3{}, s.Storage())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Durable = "redis"

	_, err := New(context.Background(), cfg)
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidConfig))
}

func TestServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, testConfig(t))
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))

	s.Registry().Register("caixas", func(ctx context.Context) (any, error) {
		return []string{"caixa 1"}, nil
	})
	assert.Equal(t, 1, s.Scheduler().PreloadForNavigation("dashboard", "caixa"))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Scheduler().Wait(waitCtx))
	assert.True(t, s.Cache().Has(ctx, "cache_caixas_"))

	var calls int
	rt := query.NewRealtime(s.Bus(), s.RealtimeConfig("caixas", "abertos"), func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}, s.QueryOptions()...)
	require.NoError(t, rt.Start(ctx))
	defer rt.Stop()

	s.Bus().Publish(ctx, bus.TopicDynamicDataChanged, bus.Event{Type: "caixas", Keys: []bus.Key{{"caixas"}}})
	assert.Eventually(t, func() bool { return rt.Fetches() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRealtimeConfigFromQuerySection(t *testing.T) {
	cfg := testConfig(t)
	cfg.Query.RealtimeStaleTime = 2 * time.Second
	cfg.Query.Retry = 3

	rc := newTestService(t, cfg).RealtimeConfig("pedidos")
	assert.Equal(t, bus.Key{"pedidos"}, rc.Key)
	assert.Equal(t, 2*time.Second, rc.StaleTime)
	assert.Equal(t, 30*time.Second, rc.RefetchInterval)
	assert.Equal(t, 3, rc.Retry)
}

func TestStartAfterClose(t *testing.T) {
	s := newTestService(t, testConfig(t))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err := s.Start(context.Background())
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeComponentStopped))
}

func TestNewLogger(t *testing.T) {
	_, closer, err := NewLogger(config.GlobalConfig{LogLevel: "DEBUG", LogFormat: "json"})
	require.NoError(t, err)
	assert.NoError(t, closer.Close())

	_, _, err = NewLogger(config.GlobalConfig{LogLevel: "LOUD"})
	assert.True(t, cerrors.HasCode(err, cerrors.ErrCodeInvalidConfig))
}

func TestNewLoggerWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "datacache.log")
	logger, closer, err := NewLogger(config.GlobalConfig{
		LogLevel:   "INFO",
		LogFormat:  "logfmt",
		LogFile:    logFile,
		LogMaxSize: "1MB",
	})
	require.NoError(t, err)

	logger.Info("preload queued", map[string]interface{}{"type": "produtos"})
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "preload queued")
	assert.Contains(t, string(data), "type=produtos")
}

func TestHealthProbesEachTier(t *testing.T) {
	s := newTestService(t, testConfig(t))

	assert.Equal(t, health.StateHealthy, s.Health().Check(context.Background()))

	names := []string{}
	for _, c := range s.Health().Components() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"durable", "fast"}, names)

	keys, err := s.Storage().ListKeys(context.Background(), "")
	require.NoError(t, err)
	assert.NotContains(t, keys, HealthProbeKey)
}

func TestStartRunsHealthProbes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Fast.Enabled = false
	cfg.Storage.Durable = config.BackendMemory
	cfg.Health.Interval = 5 * time.Millisecond

	s := newTestService(t, cfg)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		h, ok := s.Health().Component("durable")
		return ok && !h.LastCheck.IsZero()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
}
