package simarena

import (
	"cmp"
	"fmt"
	"math/bits"
	"slices"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/mmarena"
	"github.com/joshuapare/defragkit/internal/sizeclass"
)

const largeBin = -1

// extent is a run of pages carved from the mapping: either a small slab split
// into regions or one large allocation.
type extent struct {
	off  uint64 // Offset from arena base
	size uint64 // Bytes (page multiple)
	bin  int    // Owning bin, or largeBin

	nregs uint64
	nfree uint64
	used  []uint64 // Bitmap, 1 = region allocated
}

func (e *extent) isLarge() bool {
	return e.bin == largeBin
}

func (e *extent) isAllocated(region uint64) bool {
	return e.used[region/64]&(1<<(region%64)) != 0
}

// firstFree returns the lowest free region. Caller guarantees nfree > 0.
func (e *extent) firstFree() uint64 {
	for wi, w := range e.used {
		if w != ^uint64(0) {
			return uint64(wi)*64 + uint64(bits.TrailingZeros64(^w))
		}
	}
	return e.nregs
}

// binStats mirrors the per-bin mallctl counters.
type binStats struct {
	curregs  uint64
	curslabs uint64
	nonfull  uint64
	nmalloc  uint64
	ndalloc  uint64
}

func (s *binStats) get(kind arena.StatKind) uint64 {
	switch kind {
	case arena.StatCurRegions:
		return s.curregs
	case arena.StatCurSlabs:
		return s.curslabs
	case arena.StatNonfullSlabs:
		return s.nonfull
	case arena.StatNMalloc:
		return s.nmalloc
	case arena.StatNDalloc:
		return s.ndalloc
	default:
		return 0
	}
}

// bin owns every slab of one size class.
type bin struct {
	idx   int
	class sizeclass.Class

	// nonfull is sorted by offset; allocation always uses nonfull[0]
	nonfull []*extent
	slabs   map[uint64]*extent

	stats binStats
}

func newBin(idx int, c sizeclass.Class) *bin {
	return &bin{
		idx:   idx,
		class: c,
		slabs: make(map[uint64]*extent),
	}
}

// current returns the slab new allocations come from, or nil.
func (b *bin) current() *extent {
	if len(b.nonfull) == 0 {
		return nil
	}
	return b.nonfull[0]
}

func (b *bin) insertNonfull(e *extent) {
	i, _ := slices.BinarySearchFunc(b.nonfull, e.off, func(x *extent, off uint64) int {
		return cmp.Compare(x.off, off)
	})
	b.nonfull = slices.Insert(b.nonfull, i, e)
}

func (b *bin) removeNonfull(e *extent) {
	i, found := slices.BinarySearchFunc(b.nonfull, e.off, func(x *extent, off uint64) int {
		return cmp.Compare(x.off, off)
	})
	if found {
		b.nonfull = slices.Delete(b.nonfull, i, i+1)
	}
}

// reserve carves pages worth of extent space. Caller holds a.mu.
func (a *Arena) reserve(npages uint64) (uint64, error) {
	if offs := a.freeExtents[npages]; len(offs) > 0 {
		off := offs[len(offs)-1]
		a.freeExtents[npages] = offs[:len(offs)-1]
		return off, nil
	}
	size := npages * a.cfg.pageSize
	if a.brk+size > uint64(len(a.mem)) {
		return 0, fmt.Errorf("%w: need %d pages, %d bytes left",
			arena.ErrOutOfMemory, npages, uint64(len(a.mem))-a.brk)
	}
	off := a.brk
	a.brk += size
	return off, nil
}

// unreserve returns an extent's pages to the pool. Caller holds a.mu.
func (a *Arena) unreserve(e *extent) {
	npages := e.size / a.cfg.pageSize
	for p := uint64(0); p < npages; p++ {
		delete(a.pages, e.off/a.cfg.pageSize+p)
	}
	if err := mmarena.Release(a.mem[e.off : e.off+e.size]); err != nil {
		a.log.Debug("simarena: release failed", "off", e.off, "size", e.size, "error", err)
	}
	a.freeExtents[npages] = append(a.freeExtents[npages], e.off)
}

func (a *Arena) mapExtent(e *extent) {
	first := e.off / a.cfg.pageSize
	for p := uint64(0); p < e.size/a.cfg.pageSize; p++ {
		a.pages[first+p] = e
	}
}

// allocSmall hands out the lowest free region of the lowest non-full slab,
// creating a slab when the bin has none. Caller holds a.mu.
func (a *Arena) allocSmall(b *bin) (uint64, error) {
	e := b.current()
	if e == nil {
		off, err := a.reserve(b.class.SlabSize / a.cfg.pageSize)
		if err != nil {
			return 0, err
		}
		e = &extent{
			off:   off,
			size:  b.class.SlabSize,
			bin:   b.idx,
			nregs: b.class.RegionCount,
			nfree: b.class.RegionCount,
			used:  make([]uint64, (b.class.RegionCount+63)/64),
		}
		a.mapExtent(e)
		b.slabs[off] = e
		b.insertNonfull(e)
		b.stats.curslabs++
	}

	r := e.firstFree()
	e.used[r/64] |= 1 << (r % 64)
	e.nfree--
	if e.nfree == 0 {
		b.removeNonfull(e)
	}
	b.stats.curregs++
	b.stats.nmalloc++
	return e.off + r*b.class.RegionSize, nil
}

// freeSmall releases the region at off. Caller holds a.mu and has validated
// the region through lookupRegion.
func (a *Arena) freeSmall(e *extent, off uint64) error {
	b := a.bins[e.bin]
	r := (off - e.off) / b.class.RegionSize
	if !e.isAllocated(r) {
		return fmt.Errorf("%w: double free at offset %d", arena.ErrBadPointer, off)
	}
	e.used[r/64] &^= 1 << (r % 64)
	if e.nfree == 0 {
		b.insertNonfull(e)
	}
	e.nfree++
	b.stats.curregs--
	b.stats.ndalloc++

	if e.nfree == e.nregs {
		b.removeNonfull(e)
		delete(b.slabs, e.off)
		b.stats.curslabs--
		a.unreserve(e)
	}
	return nil
}

// allocLarge gives size its own extent. Caller holds a.mu.
func (a *Arena) allocLarge(size uint64) (uint64, error) {
	npages := (size + a.cfg.pageSize - 1) / a.cfg.pageSize
	off, err := a.reserve(npages)
	if err != nil {
		return 0, err
	}
	e := &extent{
		off:   off,
		size:  npages * a.cfg.pageSize,
		bin:   largeBin,
		nregs: 1,
	}
	a.mapExtent(e)
	a.largeCount++
	a.largeBytes += e.size
	return off, nil
}

func (a *Arena) freeLarge(e *extent) {
	a.largeCount--
	a.largeBytes -= e.size
	a.unreserve(e)
}
