package simarena

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/joshuapare/defragkit/arena"
	"github.com/joshuapare/defragkit/internal/bounds"
	"github.com/joshuapare/defragkit/internal/logger"
	"github.com/joshuapare/defragkit/internal/mmarena"
	"github.com/joshuapare/defragkit/internal/sizeclass"
)

const (
	DefaultQuantum       = 16
	DefaultPageSize      = 4096
	DefaultCapacity      = 64 << 20 // 64MB
	DefaultCacheCapacity = 32       // regions per bin per cache
)

type config struct {
	quantum       uint64
	pageSize      uint64
	capacity      uint64
	cacheCap      int
	introspection bool
	log           *slog.Logger
}

// Option configures an Arena.
type Option func(*config)

// WithQuantum selects an 8- or 16-byte size-class quantum.
func WithQuantum(q uint64) Option { return func(c *config) { c.quantum = q } }

// WithPageSize sets the page size (power of two, at least 4KB).
func WithPageSize(p uint64) Option { return func(c *config) { c.pageSize = p } }

// WithCapacity sets the size of the backing mapping in bytes.
func WithCapacity(n uint64) Option { return func(c *config) { c.capacity = n } }

// WithCacheCapacity sets how many regions a cache holds per bin before flushing.
func WithCacheCapacity(n int) Option { return func(c *config) { c.cacheCap = n } }

// WithoutIntrospection models an allocator build without statistics or
// utilization queries. Every Introspector method returns arena.ErrUnsupported.
func WithoutIntrospection() Option { return func(c *config) { c.introspection = false } }

// WithLogger sets the logger (default: the process-wide logger).
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.log = l } }

// Arena is a simulated slab allocator arena.
type Arena struct {
	mu sync.Mutex

	cfg   config
	log   *slog.Logger
	table *sizeclass.Table

	// Backing mapping and bump pointer (offsets are relative to base)
	mem   []byte
	base  uintptr
	unmap func() error
	brk   uint64

	// Released extents by page count, reused before bumping brk
	freeExtents map[uint64][]uint64

	// Page index -> owning extent, for pointer lookups
	pages map[uint64]*extent

	bins      []*bin
	published []binStats
	caches    []*cache

	largeCount uint64
	largeBytes uint64

	epoch  uint64
	closed bool
}

// Stats holds arena-wide totals computed from live state.
type Stats struct {
	Mapped         uint64 // Size of the backing mapping
	Reserved       uint64 // High-water mark of carved extents
	Slabs          uint64 // Live small slabs
	SlabBytes      uint64 // Bytes in live small slabs
	SmallAllocated uint64 // Bytes in allocated small regions (cached regions included)
	LargeExtents   uint64 // Live large extents
	LargeBytes     uint64 // Bytes in live large extents
	Fragmented     uint64 // SlabBytes - SmallAllocated
	Epoch          uint64 // Number of RefreshEpoch calls
}

// New maps the arena and builds its size-class table.
func New(opts ...Option) (*Arena, error) {
	cfg := config{
		quantum:       DefaultQuantum,
		pageSize:      DefaultPageSize,
		capacity:      DefaultCapacity,
		cacheCap:      DefaultCacheCapacity,
		introspection: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheCap < 2 {
		cfg.cacheCap = 2
	}

	table, err := sizeclass.NewTable(cfg.quantum, cfg.pageSize)
	if err != nil {
		return nil, fmt.Errorf("simarena: %w", err)
	}

	// Round capacity down to whole pages
	capacity := cfg.capacity / cfg.pageSize * cfg.pageSize
	if capacity == 0 {
		return nil, fmt.Errorf("simarena: capacity %d is smaller than one page", cfg.capacity)
	}
	mem, unmap, err := mmarena.Map(int(capacity))
	if err != nil {
		return nil, fmt.Errorf("simarena: %w", err)
	}

	a := &Arena{
		cfg:         cfg,
		log:         logger.Or(cfg.log),
		table:       table,
		mem:         mem,
		base:        uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		unmap:       unmap,
		freeExtents: make(map[uint64][]uint64),
		pages:       make(map[uint64]*extent),
		bins:        make([]*bin, table.NumClasses()),
		published:   make([]binStats, table.NumClasses()),
	}
	for i, c := range table.Classes {
		a.bins[i] = newBin(i, c)
	}
	a.caches = []*cache{newCache(len(a.bins))}

	a.log.Debug("simarena: mapped",
		"bytes", capacity, "quantum", cfg.quantum, "page", cfg.pageSize, "bins", table.NumClasses())
	return a, nil
}

// Table returns the arena's size-class table.
func (a *Arena) Table() *sizeclass.Table {
	return a.table
}

// Close unmaps the arena. Pointers handed out become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.unmap()
}

// AllocRaw allocates size bytes directly from the arena bins.
func (a *Arena) AllocRaw(size uint64) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, arena.ErrClosed
	}
	off, err := a.alloc(size)
	if err != nil {
		return 0, err
	}
	return a.base + uintptr(off), nil
}

// FreeRaw returns ptr directly to its slab. A non-zero size must map to the
// same size class the region was allocated from.
func (a *Arena) FreeRaw(ptr uintptr, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return arena.ErrClosed
	}
	e, off, err := a.lookupRegion(ptr, size)
	if err != nil {
		return err
	}
	if e.isLarge() {
		a.freeLarge(e)
		return nil
	}
	return a.freeSmall(e, off)
}

// Bytes returns the n bytes starting at ptr.
func (a *Arena) Bytes(ptr uintptr, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, arena.ErrClosed
	}
	if ptr < a.base {
		return nil, fmt.Errorf("%w: %#x below arena", arena.ErrBadPointer, ptr)
	}
	b, ok := bounds.Slice(a.mem, uint64(ptr-a.base), n)
	if !ok {
		return nil, fmt.Errorf("%w: %#x+%d outside arena", arena.ErrBadPointer, ptr, n)
	}
	return b, nil
}

// Stats returns arena-wide totals from live state.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Mapped:       uint64(len(a.mem)),
		Reserved:     a.brk,
		LargeExtents: a.largeCount,
		LargeBytes:   a.largeBytes,
		Epoch:        a.epoch,
	}
	for _, b := range a.bins {
		s.Slabs += b.stats.curslabs
		s.SlabBytes += b.stats.curslabs * b.class.SlabSize
		s.SmallAllocated += b.stats.curregs * b.class.RegionSize
	}
	s.Fragmented = bounds.SubSat(s.SlabBytes, s.SmallAllocated)
	return s
}

// alloc dispatches to the small or large path. Caller holds a.mu.
func (a *Arena) alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	idx := a.table.Lookup(size)
	if idx >= a.table.NumClasses() {
		return a.allocLarge(size)
	}
	return a.allocSmall(a.bins[idx])
}

// extentOf returns the extent owning ptr, or nil. Caller holds a.mu.
func (a *Arena) extentOf(ptr uintptr) *extent {
	if ptr < a.base || ptr >= a.base+uintptr(len(a.mem)) {
		return nil
	}
	return a.pages[uint64(ptr-a.base)/a.cfg.pageSize]
}

// lookupRegion validates ptr as the start of a live region. Caller holds a.mu.
func (a *Arena) lookupRegion(ptr uintptr, size uint64) (*extent, uint64, error) {
	e := a.extentOf(ptr)
	if e == nil {
		return nil, 0, fmt.Errorf("%w: %#x not owned by arena", arena.ErrBadPointer, ptr)
	}
	off := uint64(ptr - a.base)

	if e.isLarge() {
		if off != e.off {
			return nil, 0, fmt.Errorf("%w: %#x inside large extent", arena.ErrBadPointer, ptr)
		}
		if size > e.size {
			return nil, 0, fmt.Errorf("%w: size %d exceeds extent %d", arena.ErrBadPointer, size, e.size)
		}
		return e, off, nil
	}

	b := a.bins[e.bin]
	if size != 0 && a.table.Lookup(size) != e.bin {
		return nil, 0, fmt.Errorf("%w: size %d does not belong to bin %d (%d bytes)",
			arena.ErrBadPointer, size, e.bin, b.class.RegionSize)
	}
	if (off-e.off)%b.class.RegionSize != 0 {
		return nil, 0, fmt.Errorf("%w: %#x misaligned for %d-byte regions", arena.ErrBadPointer, ptr, b.class.RegionSize)
	}
	if !e.isAllocated((off - e.off) / b.class.RegionSize) {
		return nil, 0, fmt.Errorf("%w: %#x is not allocated", arena.ErrBadPointer, ptr)
	}
	return e, off, nil
}
