// Package sizeclass mirrors the size-class layout of a jemalloc-style slab
// allocator.
//
// The allocator's utilization query reports a slab's byte length and region
// count but not its bin index, so the index has to be recovered from the
// region size. BinIndexLgQ3 and BinIndexLgQ4 reproduce the allocator's
// internal size-to-bin mapping for an 8-byte and a 16-byte quantum. They
// encode an allocator-version-specific contract: if the allocator changes its
// size-class layout these functions silently desynchronize, which is why every
// consumer validates them against the live layout at startup.
//
// Table builds the same layout independently (by enumeration rather than bit
// arithmetic) so the two can be checked against each other.
package sizeclass

import "math/bits"

const (
	// lgFirstPow2 is log2 of the smallest size class (8 bytes).
	lgFirstPow2 = 3

	// groupSize is the number of size classes per power-of-two octave.
	groupSize = 4

	// firstGroupMax is the largest size served by the linear (quantum-spaced)
	// classes. Everything above is spaced groupSize classes per octave.
	firstGroupMax = 1 << (lgFirstPow2 + 3) // 64

	// offsetLgQ3 is the index of the last linear class for an 8-byte quantum
	// (8, 16, ..., 64 is 8 classes).
	offsetLgQ3 = (firstGroupMax >> lgFirstPow2) - 1

	// offsetLgQ4 is the index of the last linear class for a 16-byte quantum
	// (8, 16, 32, 48, 64 is 5 classes).
	offsetLgQ4 = firstGroupMax >> 4
)

// BinIndexLgQ3 returns the bin index for a region size under an 8-byte quantum.
// Returns -1 for size 0.
//
// For sizes at or below 64 the index is size/8 - 1, which is exact only for
// multiples of 8. Above 64 any size maps to the class that would serve it.
func BinIndexLgQ3(size uint64) int {
	if size == 0 {
		return -1
	}
	if size <= firstGroupMax {
		return int(size>>3) - 1
	}
	return binIndexGrouped(size, offsetLgQ3)
}

// BinIndexLgQ4 returns the bin index for a region size under a 16-byte quantum.
// Returns -1 for size 0.
//
// Sizes 8, 16, 32, 48 and 64 map to 0..4 via size/16.
func BinIndexLgQ4(size uint64) int {
	if size == 0 {
		return -1
	}
	if size <= firstGroupMax {
		return int(size >> 4)
	}
	return binIndexGrouped(size, offsetLgQ4)
}

// binIndexGrouped handles sizes above firstGroupMax. p is the power of two that
// closes the octave containing size; the classes of that octave are spaced
// 2^(p-3) apart, so the distance from 2^p in those units counts down from the
// last class of the group.
func binIndexGrouped(size uint64, offset int) int {
	p := bits.Len64(size - 1)
	fromTop := int(((uint64(1) << p) - size) >> (p - lgFirstPow2))
	octave := p - (lgFirstPow2 + 3) - 1
	return (groupSize - fromTop) + octave*groupSize + offset
}

// BinIndex dispatches to the formula for quantum (8 or 16).
// ok is false for any other quantum.
func BinIndex(quantum, size uint64) (idx int, ok bool) {
	switch quantum {
	case 8:
		return BinIndexLgQ3(size), true
	case 16:
		return BinIndexLgQ4(size), true
	default:
		return -1, false
	}
}
