// Package simarena implements an in-process slab arena that behaves like a
// jemalloc arena closely enough to drive the defragmenter.
//
// # Overview
//
// Arena carves page-multiple slabs out of one anonymous mapping (see
// internal/mmarena) and splits each slab into equal regions of one size class.
// Size classes come from sizeclass.NewTable, so the layout matches the
// allocator contract the defragmenter reverse-maps.
//
// # Allocation Policy
//
//   - Small requests (below 4 pages) are rounded up to their size class and
//     served from the lowest-address non-full slab of that bin (the current
//     slab, flagged by SlabUtilization and not counted in nonfull_slabs)
//   - A slab that becomes empty is returned to the extent pool and its pages
//     are released to the OS
//   - Larger requests get a dedicated page-multiple extent, reported to the
//     utilization query as a single-region slab
//
// # Caches
//
// AllocPooled and FreePooled go through per-bin region stacks. Cache 0
// (arena.SharedCache) always exists; CreateCache adds more. Regions parked in
// a cache still count as allocated, exactly like a thread cache.
//
// # Statistics
//
// Per-bin counters are live internally but published to ReadStat only on
// RefreshEpoch. SlabUtilization, DefragHint and Stats read live state.
//
// # Thread Safety
//
// All methods are safe for concurrent use; one mutex guards the arena.
// Bytes returns a slice into arena memory that callers must not use after the
// region is freed or the arena is closed.
package simarena
