// Package arena defines the capability interfaces a slab allocator exposes to
// the defragmentation subsystem.
//
// # Overview
//
// The defragmenter never allocates on its own terms. It observes an existing
// allocator through Introspector and moves data with RawAllocator or
// PooledAllocator. An allocator that cannot answer the introspection queries
// returns ErrUnsupported and the defragmenter disables itself.
//
// # Capabilities
//
//   - Introspector: size-class layout, precompiled per-bin statistic handles,
//     a statistics epoch, and the batched slab utilization query
//   - Hinter: the allocator's own "should this region move" verdict
//   - RawAllocator: allocation and free that bypass every per-thread cache
//   - PooledAllocator: allocation and free through a named cache
//   - CacheCreator: creates caches reserved for one caller
//   - CacheFlusher: drains a cache back to the slabs
//
// # Statistic Handles
//
// Bin statistics are addressed by (bin, StatKind). StatHandle resolves that
// pair once; ReadStat on the returned Handle is then a cheap lookup with no
// string parsing, mirroring mallctl's name-to-MIB translation:
//
//	h, err := intro.StatHandle(3, arena.StatCurRegions)
//	if err != nil {
//	    return err
//	}
//	intro.RefreshEpoch()
//	regions := intro.ReadStat(h)
//
// # Implementations
//
//   - simarena.Arena: an in-process jemalloc-style slab arena backed by an
//     anonymous mapping, used by tests and the defragctl simulator
package arena
