package simarena

import (
	"cmp"
	"container/heap"
	"slices"
)

// SlabOccupancy describes one live small slab.
type SlabOccupancy struct {
	Addr        uintptr
	Bin         int
	RegionSize  uint64
	Used        uint64
	Regions     uint64
	Utilization float64 // Used / Regions
}

// worstSlabHeap is a max-heap by utilization, so heap[0] is the best of the
// k worst slabs collected so far.
type worstSlabHeap []SlabOccupancy

func (h worstSlabHeap) Len() int           { return len(h) }
func (h worstSlabHeap) Less(i, j int) bool { return h[i].Utilization > h[j].Utilization }
func (h worstSlabHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *worstSlabHeap) Push(x any) {
	*h = append(*h, x.(SlabOccupancy)) //nolint:errcheck // heap.Interface contract guarantees type
}

func (h *worstSlabHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// LeastUtilizedSlabs returns up to k live small slabs with the lowest
// utilization, least utilized first. Ties sort by address.
func (a *Arena) LeastUtilizedSlabs(k int) []SlabOccupancy {
	if k <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	worst := make(worstSlabHeap, 0, k)
	heap.Init(&worst)

	for _, b := range a.bins {
		for _, e := range b.slabs {
			used := e.nregs - e.nfree
			occ := SlabOccupancy{
				Addr:        a.base + uintptr(e.off),
				Bin:         b.idx,
				RegionSize:  b.class.RegionSize,
				Used:        used,
				Regions:     e.nregs,
				Utilization: float64(used) / float64(e.nregs),
			}
			if worst.Len() < k {
				heap.Push(&worst, occ)
			} else if occ.Utilization < worst[0].Utilization {
				heap.Pop(&worst)
				heap.Push(&worst, occ)
			}
		}
	}

	out := []SlabOccupancy(worst)
	slices.SortFunc(out, func(x, y SlabOccupancy) int {
		if c := cmp.Compare(x.Utilization, y.Utilization); c != 0 {
			return c
		}
		return cmp.Compare(x.Addr, y.Addr)
	})
	return out
}
