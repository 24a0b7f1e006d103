package simarena

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/defragkit/arena"
)

func Test_AllocPooled_FillsHalfCapacity(t *testing.T) {
	a := newTestArena(t, WithCacheCapacity(8))

	p, err := a.AllocPooled(arena.SharedCache, 64)
	require.NoError(t, err)
	require.Equal(t, 3, a.Cached(arena.SharedCache))

	// The lowest address pops first
	q, err := a.AllocPooled(arena.SharedCache, 64)
	require.NoError(t, err)
	require.Equal(t, p+64, q)

	a.RefreshEpoch()
	h, err := a.StatHandle(4, arena.StatCurRegions)
	require.NoError(t, err)
	require.Equal(t, uint64(4), a.ReadStat(h), "cached regions count as allocated")
}

func Test_FreePooled_FlushesOnOverflow(t *testing.T) {
	a := newTestArena(t, WithCacheCapacity(4))

	ptrs := allocN(t, a, 64, 6)
	for _, p := range ptrs[:4] {
		require.NoError(t, a.FreePooled(arena.SharedCache, p, 64))
	}
	require.Equal(t, 4, a.Cached(arena.SharedCache))

	// Fifth entry overflows and flushes the oldest half
	require.NoError(t, a.FreePooled(arena.SharedCache, ptrs[4], 64))
	require.Equal(t, 3, a.Cached(arena.SharedCache))

	out := make([]arena.SlabUtil, 1)
	require.NoError(t, a.SlabUtilization(ptrs[:1], out))
	require.Equal(t, uint64(60), out[0].NFree)
}

// Test_FlushCache_DropsFreedEntriesOnError parks four regions and frees one
// of them behind the cache's back. The failed flush must not leave the
// entries it already freed in the stack.
func Test_FlushCache_DropsFreedEntriesOnError(t *testing.T) {
	a := newTestArena(t, WithCacheCapacity(4))

	ptrs := allocN(t, a, 64, 6)
	for _, p := range ptrs[:4] {
		require.NoError(t, a.FreePooled(arena.SharedCache, p, 64))
	}
	require.NoError(t, a.FreeRaw(ptrs[1], 64))

	require.ErrorIs(t, a.FlushCache(arena.SharedCache), arena.ErrBadPointer)
	require.Equal(t, 2, a.Cached(arena.SharedCache))

	for _, want := range []uintptr{ptrs[3], ptrs[2]} {
		p, err := a.AllocPooled(arena.SharedCache, 64)
		require.NoError(t, err)
		require.Equal(t, want, p)
	}
	require.Zero(t, a.Cached(arena.SharedCache))
	require.Equal(t, uint64(4*64), a.Stats().SmallAllocated)
}

func Test_FlushCache(t *testing.T) {
	a := newTestArena(t)

	_, err := a.AllocPooled(arena.SharedCache, 256)
	require.NoError(t, err)
	require.NotZero(t, a.Cached(arena.SharedCache))

	require.NoError(t, a.FlushCache(arena.SharedCache))
	require.Zero(t, a.Cached(arena.SharedCache))
	require.Equal(t, uint64(256), a.Stats().SmallAllocated)
}

func Test_CreateCache(t *testing.T) {
	a := newTestArena(t)

	id, err := a.CreateCache()
	require.NoError(t, err)
	require.Equal(t, arena.CacheID(1), id)

	p, err := a.AllocPooled(id, 64)
	require.NoError(t, err)
	require.NoError(t, a.FreePooled(id, p, 64))
	require.Zero(t, a.Cached(arena.SharedCache))

	_, err = a.AllocPooled(arena.CacheID(9), 64)
	require.ErrorIs(t, err, arena.ErrBadCache)
	require.ErrorIs(t, a.FlushCache(-1), arena.ErrBadCache)
}

func Test_AllocPooled_LargeBypassesCache(t *testing.T) {
	a := newTestArena(t)

	p, err := a.AllocPooled(arena.SharedCache, 64<<10)
	require.NoError(t, err)
	require.Zero(t, a.Cached(arena.SharedCache))
	require.Equal(t, uint64(1), a.Stats().LargeExtents)

	require.NoError(t, a.FreePooled(arena.SharedCache, p, 64<<10))
	require.Zero(t, a.Stats().LargeExtents)
}
