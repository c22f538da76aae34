package bufpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenapool/bufpool"
)

func smallTestConfig() bufpool.Config {
	cfg := bufpool.DefaultConfig()
	cfg.NumHeapArenas = 1
	cfg.NumDirectArenas = 1
	cfg.PageSize = 8192
	cfg.MaxOrder = 4 // 128 KiB chunks, small enough to exercise multiple chunks in tests
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallTestConfig()
	cfg.PageSize = 100 // not a power of two

	_, err := bufpool.New(cfg)
	require.Error(t, err)

	var bufErr *bufpool.Error
	require.ErrorAs(t, err, &bufErr)
	assert.Equal(t, bufpool.ConfigInvalid, bufErr.Kind)
}

func TestNewZeroConfigUsesDefaults(t *testing.T) {
	al, err := bufpool.New(bufpool.Config{})
	require.NoError(t, err)
	require.NotNil(t, al)

	h, err := al.Allocate(nil, bufpool.KindHeap, 64, 64)
	require.NoError(t, err)
	assert.Equal(t, 64, h.Length)
}

func TestAllocateRejectsBadCapacity(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	_, err = al.Allocate(nil, bufpool.KindHeap, -1, 10)
	require.Error(t, err)
	var bufErr *bufpool.Error
	require.ErrorAs(t, err, &bufErr)
	assert.Equal(t, bufpool.CapacityInvalid, bufErr.Kind)

	_, err = al.Allocate(nil, bufpool.KindHeap, 100, 10)
	require.Error(t, err)
	require.ErrorAs(t, err, &bufErr)
	assert.Equal(t, bufpool.CapacityInvalid, bufErr.Kind)
}

func TestAllocateZeroCapacityReturnsEmptyHandle(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	h, err := al.Allocate(nil, bufpool.KindHeap, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, h.Bytes())
	assert.NoError(t, al.Release(nil, h))
}

func TestAllocateAndReleaseRoundTrip(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	h, err := al.Allocate(nil, bufpool.KindHeap, 1000, 1000)
	require.NoError(t, err)
	require.Len(t, h.Bytes(), 1000)

	copy(h.Bytes(), []byte("hello"))
	assert.Equal(t, []byte("hello"), h.Bytes()[:5])

	require.NoError(t, al.Release(nil, h))
}

func TestReleaseTwiceReturnsHandleInvalid(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	h, err := al.Allocate(nil, bufpool.KindHeap, 500, 500)
	require.NoError(t, err)

	require.NoError(t, al.Release(nil, h))
	err = al.Release(nil, h)
	require.Error(t, err)

	var bufErr *bufpool.Error
	require.ErrorAs(t, err, &bufErr)
	assert.Equal(t, bufpool.HandleInvalid, bufErr.Kind)
}

func TestAllocateHugeBypassesChunks(t *testing.T) {
	cfg := smallTestConfig()
	al, err := bufpool.New(cfg)
	require.NoError(t, err)

	chunkSize := cfg.PageSize << uint(cfg.MaxOrder)
	h, err := al.Allocate(nil, bufpool.KindHeap, chunkSize+1, chunkSize+1)
	require.NoError(t, err)
	assert.EqualValues(t, -1, h.ChunkID)
	require.Len(t, h.Bytes(), chunkSize+1)

	require.NoError(t, al.Release(nil, h))
}

func TestThreadCacheServesRepeatAllocationsWithoutArenaLock(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	cache := al.NewLocalCache()
	defer al.CloseCache(cache)

	h1, err := al.Allocate(cache, bufpool.KindHeap, 128, 128)
	require.NoError(t, err)
	require.NoError(t, al.Release(cache, h1))

	// The freed slot should now be sitting in the thread cache's ring, so
	// the next same-size allocation reuses it rather than touching a new
	// chunk.
	h2, err := al.Allocate(cache, bufpool.KindHeap, 128, 128)
	require.NoError(t, err)
	assert.Equal(t, h1.ChunkID, h2.ChunkID)
	assert.Equal(t, h1.Offset, h2.Offset)

	require.NoError(t, al.Release(cache, h2))
}

func TestDirectArenaAllocatesOffHeap(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	h, err := al.Allocate(nil, bufpool.KindDirect, 256, 256)
	require.NoError(t, err)
	assert.Equal(t, bufpool.KindDirect, h.Kind())
	require.Len(t, h.Bytes(), 256)

	require.NoError(t, al.Release(nil, h))
}

func TestConfigWithNoArenasIsRejected(t *testing.T) {
	cfg := smallTestConfig()
	cfg.NumHeapArenas = 0
	cfg.NumDirectArenas = 0

	_, err := bufpool.New(cfg)
	require.Error(t, err)
}

func TestAllocateAgainstUnconfiguredKindFails(t *testing.T) {
	cfg := smallTestConfig()
	cfg.NumDirectArenas = 0

	al, err := bufpool.New(cfg)
	require.NoError(t, err)

	_, err = al.Allocate(nil, bufpool.KindDirect, 64, 64)
	require.Error(t, err)
}

func TestMetricsSnapshotTracksUsageAndCaches(t *testing.T) {
	al, err := bufpool.New(smallTestConfig())
	require.NoError(t, err)

	snap := al.Metrics()
	assert.Equal(t, 1, snap.HeapArenas)
	assert.Equal(t, 1, snap.DirectArenas)
	assert.Zero(t, snap.UsedHeapBytes)
	assert.Zero(t, snap.ThreadCaches)

	cache := al.NewLocalCache()
	h, err := al.Allocate(cache, bufpool.KindHeap, 128, 128)
	require.NoError(t, err)

	snap = al.Metrics()
	assert.Equal(t, int64(h.MaxLength), snap.UsedHeapBytes)
	assert.Equal(t, 1, snap.ThreadCaches)
	assert.NotZero(t, snap.AllocCounts)

	require.NoError(t, al.Release(cache, h))
	snap = al.Metrics()
	assert.Zero(t, snap.UsedHeapBytes)

	al.CloseCache(cache)
	snap = al.Metrics()
	assert.Zero(t, snap.ThreadCaches)
}

func TestNewLocalCacheSpreadsAcrossArenas(t *testing.T) {
	cfg := smallTestConfig()
	cfg.NumHeapArenas = 2
	cfg.NumDirectArenas = 1
	al, err := bufpool.New(cfg)
	require.NoError(t, err)

	// With two heap arenas both starting at zero load, binding two caches
	// in a row must not pile both onto the same arena.
	c1 := al.NewLocalCache()
	c2 := al.NewLocalCache()
	defer al.CloseCache(c1)
	defer al.CloseCache(c2)

	snap := al.Metrics()
	assert.Equal(t, 2, snap.HeapArenas)
	assert.Equal(t, 2, snap.ThreadCaches)

	h1, err := al.Allocate(c1, bufpool.KindHeap, 64, 64)
	require.NoError(t, err)
	h2, err := al.Allocate(c2, bufpool.KindHeap, 64, 64)
	require.NoError(t, err)
	assert.NotEqual(t, h1.ArenaID, h2.ArenaID)
	require.NoError(t, al.Release(c1, h1))
	require.NoError(t, al.Release(c2, h2))
}

func TestMetricsSnapshotTracksHugeAllocations(t *testing.T) {
	cfg := smallTestConfig()
	al, err := bufpool.New(cfg)
	require.NoError(t, err)

	chunkSize := cfg.PageSize << uint(cfg.MaxOrder)
	h, err := al.Allocate(nil, bufpool.KindHeap, chunkSize+1, chunkSize+1)
	require.NoError(t, err)

	snap := al.Metrics()
	assert.Equal(t, int64(h.MaxLength), snap.UsedHeapBytes)

	require.NoError(t, al.Release(nil, h))
	snap = al.Metrics()
	assert.Zero(t, snap.UsedHeapBytes)
}
