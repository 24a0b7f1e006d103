package defrag

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported indicates the allocator lacks the introspection the
	// defragmenter needs. The Defragger stays disabled for good.
	ErrUnsupported = errors.New("defrag: allocator introspection unsupported")

	// ErrLayoutMismatch indicates the size-class formula no longer recovers the
	// allocator's bin indices. Continuing would corrupt every decision.
	ErrLayoutMismatch = errors.New("defrag: size-class layout mismatch")

	// ErrNotInitialized indicates a call that requires a successful Init.
	ErrNotInitialized = errors.New("defrag: not initialized")
)

// LayoutMismatchError reports the first bin whose region size maps to a
// different index than the allocator's.
type LayoutMismatchError struct {
	Quantum    uint64
	Bin        int
	RegionSize uint64
	Got        int
}

func (e *LayoutMismatchError) Error() string {
	return fmt.Sprintf("defrag: size-class layout mismatch: quantum %d bin %d (region %d bytes) maps to index %d",
		e.Quantum, e.Bin, e.RegionSize, e.Got)
}

// Is lets errors.Is match ErrLayoutMismatch.
func (e *LayoutMismatchError) Is(target error) bool {
	return target == ErrLayoutMismatch
}
