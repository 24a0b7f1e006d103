package simarena

import (
	"fmt"

	"github.com/joshuapare/defragkit/arena"
)

// Compile-time capability checks.
var (
	_ arena.Introspector    = (*Arena)(nil)
	_ arena.Hinter          = (*Arena)(nil)
	_ arena.RawAllocator    = (*Arena)(nil)
	_ arena.PooledAllocator = (*Arena)(nil)
	_ arena.CacheCreator    = (*Arena)(nil)
	_ arena.CacheFlusher    = (*Arena)(nil)
)

// Handles pack the bin in the high bits and the stat kind in the low byte.
const handleKindBits = 8

// Quantum returns the size-class quantum.
func (a *Arena) Quantum() (uint64, error) {
	if !a.cfg.introspection {
		return 0, arena.ErrUnsupported
	}
	return a.cfg.quantum, nil
}

// NumBins returns the number of small bins.
func (a *Arena) NumBins() (int, error) {
	if !a.cfg.introspection {
		return 0, arena.ErrUnsupported
	}
	return len(a.bins), nil
}

// BinLayout returns the region size and regions per slab of bin.
func (a *Arena) BinLayout(bin int) (uint64, uint64, error) {
	if !a.cfg.introspection {
		return 0, 0, arena.ErrUnsupported
	}
	if bin < 0 || bin >= len(a.bins) {
		return 0, 0, fmt.Errorf("%w: %d", arena.ErrBadBin, bin)
	}
	c := a.bins[bin].class
	return c.RegionSize, c.RegionCount, nil
}

// StatHandle resolves a counter once so ReadStat avoids name lookups.
func (a *Arena) StatHandle(bin int, kind arena.StatKind) (arena.Handle, error) {
	if !a.cfg.introspection {
		return 0, arena.ErrUnsupported
	}
	if bin < 0 || bin >= len(a.bins) {
		return 0, fmt.Errorf("%w: %d", arena.ErrBadBin, bin)
	}
	if int(kind) >= arena.NumStatKinds {
		return 0, fmt.Errorf("simarena: unknown stat kind %d", kind)
	}
	return arena.Handle(uint64(bin)<<handleKindBits | uint64(kind)), nil
}

// ReadStat returns the counter as of the last RefreshEpoch. Unknown handles
// read as zero.
func (a *Arena) ReadStat(h arena.Handle) uint64 {
	bin := int(uint64(h) >> handleKindBits)
	kind := arena.StatKind(uint64(h) & (1<<handleKindBits - 1))

	a.mu.Lock()
	defer a.mu.Unlock()
	if bin >= len(a.published) {
		return 0
	}
	return a.published[bin].get(kind)
}

// RefreshEpoch publishes the live counters. The non-full count leaves out
// the current slab, as jemalloc's nonfull_slabs leaves out slabcur.
func (a *Arena) RefreshEpoch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range a.bins {
		s := b.stats
		s.nonfull = uint64(max(len(b.nonfull)-1, 0))
		a.published[i] = s
	}
	a.epoch++
}

// SlabUtilization fills out[i] for ptrs[i]. Pointers the arena does not own
// report all zeros; large extents report one region. Regions of the slab the
// bin allocates from next are flagged Current.
func (a *Arena) SlabUtilization(ptrs []uintptr, out []arena.SlabUtil) error {
	if !a.cfg.introspection {
		return arena.ErrUnsupported
	}
	if len(out) < len(ptrs) {
		return fmt.Errorf("simarena: utilization output holds %d entries, need %d", len(out), len(ptrs))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, p := range ptrs {
		e := a.extentOf(p)
		switch {
		case e == nil:
			out[i] = arena.SlabUtil{}
		case e.isLarge():
			out[i] = arena.SlabUtil{NFree: 0, NRegs: 1, SlabLen: e.size}
		default:
			out[i] = arena.SlabUtil{
				NFree:   e.nfree,
				NRegs:   e.nregs,
				SlabLen: e.size,
				Current: e == a.bins[e.bin].current(),
			}
		}
	}
	return nil
}

// DefragHint reports whether the slab holding ptr is less utilized than the
// bin average (with 1/8 slack), ignoring the slab allocations come from.
func (a *Arena) DefragHint(ptr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.extentOf(ptr)
	if e == nil || e.isLarge() || e.nfree == 0 {
		return false
	}
	b := a.bins[e.bin]
	cur := b.current()
	if e == cur {
		return false
	}

	curslabs := b.stats.curslabs
	curregs := b.stats.curregs
	if cur != nil {
		curslabs--
		curregs -= cur.nregs - cur.nfree
	}
	used := e.nregs - e.nfree
	return used*curslabs <= curregs+curregs/8
}
