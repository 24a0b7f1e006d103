package defrag

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/joshuapare/defragkit/arena"
)

// Relocator allocates and frees on behalf of relocation. The cache rules pick
// the allocator entry point per direction:
//
//   - CacheBypass: RawAllocator, so the move is visible in bin statistics at once
//   - CacheShared: PooledAllocator with arena.SharedCache
//   - CacheDedicated: PooledAllocator with a cache created on first use
//
// Shared or dedicated rules fall back to the raw path when the allocator
// lacks the pooled capability.
type Relocator struct {
	raw     arena.RawAllocator
	pooled  arena.PooledAllocator
	creator arena.CacheCreator
	cfg     *settings
	log     *slog.Logger

	allocCache *arena.CacheID
	freeCache  *arena.CacheID
}

func newRelocator(allocator any, cfg *settings, log *slog.Logger) *Relocator {
	r := &Relocator{cfg: cfg, log: log}
	r.raw, _ = allocator.(arena.RawAllocator)
	r.pooled, _ = allocator.(arena.PooledAllocator)
	r.creator, _ = allocator.(arena.CacheCreator)
	return r
}

// Alloc allocates size bytes for a relocated object.
func (r *Relocator) Alloc(size uint64) (uintptr, error) {
	rule := r.cfg.AllocRule()
	if rule != CacheBypass && r.pooled != nil {
		id, err := r.cacheFor(rule, &r.allocCache)
		if err != nil {
			return 0, err
		}
		return r.pooled.AllocPooled(id, size)
	}
	if r.raw == nil {
		return 0, fmt.Errorf("%w: allocator has no raw allocation path", ErrUnsupported)
	}
	return r.raw.AllocRaw(size)
}

// Free releases the old copy of a relocated object. A zero ptr is a no-op.
func (r *Relocator) Free(ptr uintptr, size uint64) error {
	if ptr == 0 {
		return nil
	}
	rule := r.cfg.FreeRule()
	if rule != CacheBypass && r.pooled != nil {
		id, err := r.cacheFor(rule, &r.freeCache)
		if err != nil {
			return err
		}
		return r.pooled.FreePooled(id, ptr, size)
	}
	if r.raw == nil {
		return fmt.Errorf("%w: allocator has no raw free path", ErrUnsupported)
	}
	return r.raw.FreeRaw(ptr, size)
}

// cacheFor returns the cache for rule, creating the dedicated one lazily.
func (r *Relocator) cacheFor(rule CacheRule, slot **arena.CacheID) (arena.CacheID, error) {
	if rule != CacheDedicated {
		return arena.SharedCache, nil
	}
	if *slot != nil {
		return **slot, nil
	}
	if r.creator == nil {
		return 0, fmt.Errorf("%w: allocator cannot create caches", ErrUnsupported)
	}
	id, err := r.creator.CreateCache()
	if err != nil {
		return 0, fmt.Errorf("defrag: creating relocation cache: %w", err)
	}
	*slot = &id
	r.log.Debug("defrag: relocation cache created", "id", id)
	return id, nil
}

// Flush drains the dedicated caches back to the arena, if the allocator can.
func (r *Relocator) Flush() error {
	f, ok := r.pooled.(arena.CacheFlusher)
	if !ok {
		return nil
	}
	var errs []error
	for _, id := range []*arena.CacheID{r.allocCache, r.freeCache} {
		if id != nil {
			errs = append(errs, f.FlushCache(*id))
		}
	}
	return errors.Join(errs...)
}
