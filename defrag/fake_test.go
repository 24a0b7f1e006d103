package defrag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/sizeclass"
)

// fakeArena is a scriptable Introspector. Stats written with setBin become
// visible to ReadStat only after RefreshEpoch, like the real epoch.
type fakeArena struct {
	quantum     uint64
	layout      []sizeclass.Class
	live        [][arena.NumStatKinds]uint64
	published   [][arena.NumStatKinds]uint64
	util        map[uintptr]arena.SlabUtil
	unsupported bool

	epochs    int
	utilCalls int
}

func newFakeArena(t *testing.T, quantum uint64) *fakeArena {
	t.Helper()
	table, err := sizeclass.NewTable(quantum, 4096)
	require.NoError(t, err)
	return &fakeArena{
		quantum:   quantum,
		layout:    table.Classes,
		live:      make([][arena.NumStatKinds]uint64, len(table.Classes)),
		published: make([][arena.NumStatKinds]uint64, len(table.Classes)),
		util:      make(map[uintptr]arena.SlabUtil),
	}
}

func (f *fakeArena) Quantum() (uint64, error) {
	if f.unsupported {
		return 0, arena.ErrUnsupported
	}
	return f.quantum, nil
}

func (f *fakeArena) NumBins() (int, error) {
	if f.unsupported {
		return 0, arena.ErrUnsupported
	}
	return len(f.layout), nil
}

func (f *fakeArena) BinLayout(bin int) (uint64, uint64, error) {
	if bin < 0 || bin >= len(f.layout) {
		return 0, 0, arena.ErrBadBin
	}
	return f.layout[bin].RegionSize, f.layout[bin].RegionCount, nil
}

func (f *fakeArena) StatHandle(bin int, kind arena.StatKind) (arena.Handle, error) {
	return arena.Handle(bin*arena.NumStatKinds + int(kind)), nil
}

func (f *fakeArena) ReadStat(h arena.Handle) uint64 {
	bin, kind := int(h)/arena.NumStatKinds, int(h)%arena.NumStatKinds
	return f.published[bin][kind]
}

func (f *fakeArena) RefreshEpoch() {
	f.epochs++
	copy(f.published, f.live)
}

func (f *fakeArena) SlabUtilization(ptrs []uintptr, out []arena.SlabUtil) error {
	if f.unsupported {
		return arena.ErrUnsupported
	}
	f.utilCalls++
	for i, p := range ptrs {
		out[i] = f.util[p]
	}
	return nil
}

// setRegionCount overrides the slab geometry of a bin.
func (f *fakeArena) setRegionCount(bin int, nregs uint64) {
	f.layout[bin].RegionCount = nregs
	f.layout[bin].SlabSize = nregs * f.layout[bin].RegionSize
}

// setBin writes the live counters of a bin.
func (f *fakeArena) setBin(bin int, curregs, curslabs, nonfull uint64) {
	f.live[bin][arena.StatCurRegions] = curregs
	f.live[bin][arena.StatCurSlabs] = curslabs
	f.live[bin][arena.StatNonfullSlabs] = nonfull
}

// place registers ptr as a region of bin in a slab with nalloced regions in use.
func (f *fakeArena) place(ptr uintptr, bin int, nalloced uint64) {
	c := f.layout[bin]
	f.util[ptr] = arena.SlabUtil{
		NFree:   c.RegionCount - nalloced,
		NRegs:   c.RegionCount,
		SlabLen: c.RegionCount * c.RegionSize,
	}
}

// hintArena adds the allocator hint capability.
type hintArena struct {
	*fakeArena
	hint map[uintptr]bool
}

func (h *hintArena) DefragHint(ptr uintptr) bool {
	return h.hint[ptr]
}

// newReadyDefragger initializes a Defragger on f.
func newReadyDefragger(t *testing.T, intro arena.Introspector, opts ...Option) *Defragger {
	t.Helper()
	d := New(intro, opts...)
	require.NoError(t, d.Init())
	require.True(t, d.Enabled())
	return d
}

func arenaUtil(nfree, nregs, slabLen uint64) arena.SlabUtil {
	return arena.SlabUtil{NFree: nfree, NRegs: nregs, SlabLen: slabLen}
}
