// Package bounds contains overflow-aware arithmetic for allocator counters and
// bounds-checked slicing of arena memory.
//
// Allocator statistics are read from different threads at different moments,
// so derived quantities such as "slabs minus non-full slabs" can transiently go
// negative. These helpers saturate instead of wrapping.
package bounds

import "math"

// SubSat returns a - b, or 0 when b > a.
func SubSat(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow uint64.
func AddOverflowSafe(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result would overflow uint64.
func MulOverflowSafe(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

// MulSat multiplies a and b, clamping to math.MaxUint64.
func MulSat(a, b uint64) uint64 {
	v, ok := MulOverflowSafe(a, b)
	if !ok {
		return math.MaxUint64
	}
	return v
}

// AddSat adds a and b, clamping to math.MaxUint64.
func AddSat(a, b uint64) uint64 {
	v, ok := AddOverflowSafe(a, b)
	if !ok {
		return math.MaxUint64
	}
	return v
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
func Slice(b []byte, off, n uint64) ([]byte, bool) {
	if off > uint64(len(b)) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > uint64(len(b)) {
		return nil, false
	}
	return b[off:end], true
}

// Has reports whether b[off:off+n] is within bounds.
func Has(b []byte, off, n uint64) bool {
	_, ok := Slice(b, off, n)
	return ok
}
