package sizeclass

import (
	"errors"
	"fmt"
)

var (
	// ErrBadQuantum indicates a quantum other than 8 or 16.
	ErrBadQuantum = errors.New("sizeclass: quantum must be 8 or 16")

	// ErrBadPageSize indicates a page size that is not a power of two >= 4KB.
	ErrBadPageSize = errors.New("sizeclass: page size must be a power of two >= 4096")
)

// Class describes one small size class.
type Class struct {
	Index       int
	RegionSize  uint64 // Bytes per region
	RegionCount uint64 // Regions per slab
	SlabSize    uint64 // Bytes per slab (a page multiple)
}

// Table holds the small size classes for one quantum/page-size pair.
type Table struct {
	Quantum  uint64
	PageSize uint64
	Classes  []Class

	// boundaries[i] is the region size of class i, ascending.
	boundaries []uint64
}

// NewTable enumerates the small size classes the way the allocator lays them
// out:
//
//	quantum 8:  8, 16, 24, ..., 64
//	quantum 16: 8, 16, 32, 48, 64
//	then 4 classes per octave: 80, 96, 112, 128, 160, ... while size < 4*page
//
// Each class gets the smallest page-multiple slab that its region size divides.
func NewTable(quantum, pageSize uint64) (*Table, error) {
	if quantum != 8 && quantum != 16 {
		return nil, fmt.Errorf("%w (got %d)", ErrBadQuantum, quantum)
	}
	if pageSize < 4096 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrBadPageSize, pageSize)
	}

	t := &Table{
		Quantum:    quantum,
		PageSize:   pageSize,
		boundaries: make([]uint64, 0, 64),
	}

	// Phase 1: linear classes
	if quantum == 16 {
		t.boundaries = append(t.boundaries, 8)
	}
	for size := quantum; size <= firstGroupMax; size += quantum {
		t.boundaries = append(t.boundaries, size)
	}

	// Phase 2: groupSize classes per octave
	smallLimit := 4 * pageSize
	for base := uint64(firstGroupMax); ; base <<= 1 {
		delta := base / groupSize
		done := false
		for k := uint64(1); k <= groupSize; k++ {
			size := base + k*delta
			if size >= smallLimit {
				done = true
				break
			}
			t.boundaries = append(t.boundaries, size)
		}
		if done {
			break
		}
	}

	t.Classes = make([]Class, len(t.boundaries))
	for i, size := range t.boundaries {
		slab := slabSize(size, pageSize)
		t.Classes[i] = Class{
			Index:       i,
			RegionSize:  size,
			RegionCount: slab / size,
			SlabSize:    slab,
		}
	}
	return t, nil
}

// slabSize returns the smallest multiple of page that size divides evenly.
func slabSize(size, page uint64) uint64 {
	slab := page
	for slab%size != 0 {
		slab += page
	}
	return slab
}

// Lookup returns the class that serves an allocation of size bytes, found by
// binary search over the enumerated boundaries. Returns NumClasses() for
// sizes above the largest small class and -1 for size 0.
func (t *Table) Lookup(size uint64) int {
	if size == 0 {
		return -1
	}
	lo, hi := 0, len(t.boundaries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		if size <= t.boundaries[mid] {
			if mid == 0 || size > t.boundaries[mid-1] {
				return mid
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return len(t.boundaries)
}

// NumClasses returns the number of small size classes.
func (t *Table) NumClasses() int {
	return len(t.Classes)
}

// MaxRegionSize returns the region size of the largest small class.
func (t *Table) MaxRegionSize() uint64 {
	if len(t.boundaries) == 0 {
		return 0
	}
	return t.boundaries[len(t.boundaries)-1]
}

// String returns a short description such as "q16/p4096/36 bins".
func (t *Table) String() string {
	return fmt.Sprintf("q%d/p%d/%d bins", t.Quantum, t.PageSize, len(t.Classes))
}
