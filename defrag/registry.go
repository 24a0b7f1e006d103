package defrag

import (
	"errors"
	"fmt"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/sizeclass"
)

// BinDescriptor is the immutable layout of one allocator bin plus its
// precompiled statistic handles.
type BinDescriptor struct {
	Index       int
	RegionSize  uint64
	RegionCount uint64

	handles [arena.NumStatKinds]arena.Handle
}

// Handle returns the precompiled handle for a statistic of this bin.
func (b *BinDescriptor) Handle(kind arena.StatKind) arena.Handle {
	return b.handles[kind]
}

// Registry is the allocator's size-class layout, discovered once.
// It is read-only after NewRegistry and safe for concurrent use.
type Registry struct {
	quantum   uint64
	bins      []BinDescriptor
	maxRegion uint64
}

// NewRegistry queries the allocator's quantum and bin layout, precompiles
// statistic handles and verifies that the size-class formula maps every
// bin's region size back to its own index.
//
// Returns an error wrapping ErrUnsupported when the allocator cannot answer
// the queries, or a *LayoutMismatchError when the formula disagrees with the
// allocator.
func NewRegistry(intro arena.Introspector) (*Registry, error) {
	quantum, err := intro.Quantum()
	if err != nil {
		return nil, wrapIntrospection("quantum", err)
	}
	if quantum != 8 && quantum != 16 {
		return nil, fmt.Errorf("%w: quantum %d", ErrUnsupported, quantum)
	}

	nbins, err := intro.NumBins()
	if err != nil {
		return nil, wrapIntrospection("bin count", err)
	}
	if nbins <= 0 {
		return nil, fmt.Errorf("%w: allocator reports %d bins", ErrUnsupported, nbins)
	}

	r := &Registry{
		quantum: quantum,
		bins:    make([]BinDescriptor, nbins),
	}
	for i := range r.bins {
		b := &r.bins[i]
		b.Index = i

		b.RegionSize, b.RegionCount, err = intro.BinLayout(i)
		if err != nil {
			return nil, wrapIntrospection(fmt.Sprintf("bin %d layout", i), err)
		}
		for kind := range arena.NumStatKinds {
			b.handles[kind], err = intro.StatHandle(i, arena.StatKind(kind))
			if err != nil {
				return nil, wrapIntrospection(fmt.Sprintf("bin %d %s", i, arena.StatKind(kind)), err)
			}
		}

		got, _ := sizeclass.BinIndex(quantum, b.RegionSize)
		if got != i {
			return nil, &LayoutMismatchError{Quantum: quantum, Bin: i, RegionSize: b.RegionSize, Got: got}
		}
		r.maxRegion = max(r.maxRegion, b.RegionSize)
	}
	return r, nil
}

func wrapIntrospection(what string, err error) error {
	if errors.Is(err, arena.ErrUnsupported) {
		return fmt.Errorf("%w: %s: %w", ErrUnsupported, what, err)
	}
	return fmt.Errorf("defrag: reading %s: %w", what, err)
}

// Quantum returns the allocator's size-class quantum (8 or 16).
func (r *Registry) Quantum() uint64 { return r.quantum }

// NumBins returns the number of small bins.
func (r *Registry) NumBins() int { return len(r.bins) }

// Bin returns the descriptor of bin i.
func (r *Registry) Bin(i int) *BinDescriptor { return &r.bins[i] }

// MaxRegionSize returns the region size of the largest small bin.
func (r *Registry) MaxRegionSize() uint64 { return r.maxRegion }

// Lookup maps a region size to its bin. It reports false for sizes outside
// the small bins or whose bin holds a different region size.
func (r *Registry) Lookup(regionSize uint64) (*BinDescriptor, bool) {
	if regionSize == 0 || regionSize > r.maxRegion {
		return nil, false
	}
	idx, ok := sizeclass.BinIndex(r.quantum, regionSize)
	if !ok || idx < 0 || idx >= len(r.bins) {
		return nil, false
	}
	b := &r.bins[idx]
	if b.RegionSize != regionSize {
		return nil, false
	}
	return b, true
}
