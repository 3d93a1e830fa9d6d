package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStorage fails every write
type failingStorage struct {
	*Memory
	err error
}

func (f *failingStorage) Write(context.Context, string, []byte) error {
	return f.err
}

func TestTieredReadBackfillsFastTier(t *testing.T) {
	ctx := context.Background()
	fast := NewMemory(MemoryConfig{})
	durable := NewMemory(MemoryConfig{})
	tiers := NewTiered(fast, durable, nil)

	require.NoError(t, durable.Write(ctx, "cache_produtos_9", []byte("durable")))

	got, found, err := tiers.Read(ctx, "cache_produtos_9")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("durable"), got)

	mirrored, found, _ := fast.Read(ctx, "cache_produtos_9")
	require.True(t, found, "durable hit should backfill the fast tier")
	assert.Equal(t, []byte("durable"), mirrored)
}

func TestTieredFastTierWins(t *testing.T) {
	ctx := context.Background()
	fast := NewMemory(MemoryConfig{})
	durable := NewMemory(MemoryConfig{})
	tiers := NewTiered(fast, durable, nil)

	require.NoError(t, fast.Write(ctx, "k", []byte("fast")))
	require.NoError(t, durable.Write(ctx, "k", []byte("durable")))

	got, _, _ := tiers.Read(ctx, "k")
	assert.Equal(t, []byte("fast"), got)
	assert.Zero(t, durable.Stats().Hits)
}

func TestTieredWriteDeleteList(t *testing.T) {
	ctx := context.Background()
	fast := NewMemory(MemoryConfig{})
	durable := NewMemory(MemoryConfig{})
	tiers := NewTiered(fast, durable, nil)

	require.NoError(t, tiers.Write(ctx, "cache_a_", []byte("1")))
	require.NoError(t, durable.Write(ctx, "cache_b_", []byte("22")))
	tiers.WriteFast(ctx, "cache_c_", []byte("333"))

	keys, err := tiers.ListKeys(ctx, "cache_")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache_a_", "cache_b_", "cache_c_"}, keys)

	size, err := tiers.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size, "size reports the durable tier")

	require.NoError(t, tiers.Delete(ctx, "cache_a_"))
	_, found, _ := fast.Read(ctx, "cache_a_")
	assert.False(t, found)
	_, found, _ = durable.Read(ctx, "cache_a_")
	assert.False(t, found)
}

func TestTieredWriteReturnsDurableError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("quota")

	tiers := NewTiered(NewMemory(MemoryConfig{}), &failingStorage{Memory: NewMemory(MemoryConfig{}), err: boom}, nil)
	assert.ErrorIs(t, tiers.Write(ctx, "k", []byte("v")), boom)

	tiers = NewTiered(&failingStorage{Memory: NewMemory(MemoryConfig{}), err: boom}, NewMemory(MemoryConfig{}), nil)
	assert.NoError(t, tiers.Write(ctx, "k", []byte("v")), "fast tier failures are logged, not returned")
}

func TestTieredCloseClosesDisk(t *testing.T) {
	d, err := NewDisk(DiskConfig{Directory: t.TempDir()}, nil)
	require.NoError(t, err)

	tiers := NewTiered(NewMemory(MemoryConfig{}), d, nil)
	require.NoError(t, tiers.Close())
	assert.Error(t, d.Write(context.Background(), "k", []byte("v")))
}

// unsizedStorage hides Memory.Size
type unsizedStorage struct {
	m *Memory
}

func (u unsizedStorage) Read(ctx context.Context, key string) ([]byte, bool, error) {
	return u.m.Read(ctx, key)
}

func (u unsizedStorage) Write(ctx context.Context, key string, value []byte) error {
	return u.m.Write(ctx, key, value)
}

func (u unsizedStorage) Delete(ctx context.Context, key string) error {
	return u.m.Delete(ctx, key)
}

func (u unsizedStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return u.m.ListKeys(ctx, prefix)
}

func TestSizeOfFallsBackToReading(t *testing.T) {
	ctx := context.Background()
	s := unsizedStorage{m: NewMemory(MemoryConfig{})}
	require.NoError(t, s.Write(ctx, "a", []byte("abc")))
	require.NoError(t, s.Write(ctx, "b", []byte("de")))

	size, err := SizeOf(ctx, s)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}
