package simarena

import (
	"fmt"

	"github.com/joshuapare/defragkit/arena"
)

// cache holds per-bin stacks of region offsets that are allocated from the
// arena's point of view but not handed to a caller.
type cache struct {
	stacks [][]uint64
}

func newCache(nbins int) *cache {
	return &cache{stacks: make([][]uint64, nbins)}
}

// CreateCache adds a cache and returns its id.
func (a *Arena) CreateCache() (arena.CacheID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, arena.ErrClosed
	}
	a.caches = append(a.caches, newCache(len(a.bins)))
	id := arena.CacheID(len(a.caches) - 1)
	a.log.Debug("simarena: cache created", "id", id)
	return id, nil
}

// AllocPooled allocates through cache id. An empty stack is refilled with
// half the cache capacity, lowest addresses first.
func (a *Arena) AllocPooled(id arena.CacheID, size uint64) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, arena.ErrClosed
	}
	c, err := a.cache(id)
	if err != nil {
		return 0, err
	}
	if size == 0 {
		size = 1
	}
	idx := a.table.Lookup(size)
	if idx >= a.table.NumClasses() {
		off, err := a.allocLarge(size)
		if err != nil {
			return 0, err
		}
		return a.base + uintptr(off), nil
	}

	if len(c.stacks[idx]) == 0 {
		if err := a.fill(c, idx); err != nil {
			return 0, err
		}
	}
	stack := c.stacks[idx]
	off := stack[len(stack)-1]
	c.stacks[idx] = stack[:len(stack)-1]
	return a.base + uintptr(off), nil
}

// FreePooled returns ptr to cache id. When a stack overflows, its oldest half
// goes back to the slabs.
func (a *Arena) FreePooled(id arena.CacheID, ptr uintptr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return arena.ErrClosed
	}
	c, err := a.cache(id)
	if err != nil {
		return err
	}
	e, off, err := a.lookupRegion(ptr, size)
	if err != nil {
		return err
	}
	if e.isLarge() {
		a.freeLarge(e)
		return nil
	}

	c.stacks[e.bin] = append(c.stacks[e.bin], off)
	if len(c.stacks[e.bin]) > a.cfg.cacheCap {
		return a.flushBin(c, e.bin, len(c.stacks[e.bin])/2)
	}
	return nil
}

// FlushCache returns every region parked in cache id to its slab.
func (a *Arena) FlushCache(id arena.CacheID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return arena.ErrClosed
	}
	c, err := a.cache(id)
	if err != nil {
		return err
	}
	for idx := range c.stacks {
		if err := a.flushBin(c, idx, len(c.stacks[idx])); err != nil {
			return err
		}
	}
	return nil
}

// Cached returns how many regions cache id currently holds.
func (a *Arena) Cached(id arena.CacheID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.cache(id)
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range c.stacks {
		n += len(s)
	}
	return n
}

func (a *Arena) cache(id arena.CacheID) (*cache, error) {
	if id < 0 || int(id) >= len(a.caches) {
		return nil, fmt.Errorf("%w: %d", arena.ErrBadCache, id)
	}
	return a.caches[id], nil
}

// fill pushes up to cacheCap/2 regions so that the lowest address pops first.
// Caller holds a.mu.
func (a *Arena) fill(c *cache, idx int) error {
	n := a.cfg.cacheCap / 2
	offs := make([]uint64, 0, n)
	for range n {
		off, err := a.allocSmall(a.bins[idx])
		if err != nil {
			if len(offs) == 0 {
				return err
			}
			break
		}
		offs = append(offs, off)
	}
	for i := len(offs) - 1; i >= 0; i-- {
		c.stacks[idx] = append(c.stacks[idx], offs[i])
	}
	return nil
}

// flushBin frees the n oldest entries of one stack. On failure the entries
// already freed and the bad one are dropped from the stack. Caller holds a.mu.
func (a *Arena) flushBin(c *cache, idx, n int) error {
	stack := c.stacks[idx]
	for i, off := range stack[:n] {
		var err error
		if e := a.pages[off/a.cfg.pageSize]; e == nil || e.isLarge() {
			err = fmt.Errorf("%w: cached offset %d has no slab", arena.ErrBadPointer, off)
		} else {
			err = a.freeSmall(e, off)
		}
		if err != nil {
			c.stacks[idx] = append(stack[:0], stack[i+1:]...)
			return err
		}
	}
	c.stacks[idx] = append(stack[:0], stack[n:]...)
	return nil
}
