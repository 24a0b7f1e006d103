package arena

// StatKind selects one per-bin counter.
type StatKind uint8

const (
	StatCurRegions   StatKind = iota // regions currently handed out (curregs)
	StatCurSlabs                     // slabs currently owned by the bin (curslabs)
	StatNonfullSlabs                 // slabs with a free region, excluding the current slab
	StatNMalloc                      // cumulative region allocations
	StatNDalloc                      // cumulative region frees

	numStatKinds
)

// NumStatKinds is the number of defined StatKind values.
const NumStatKinds = int(numStatKinds)

var statNames = [...]string{
	StatCurRegions:   "curregs",
	StatCurSlabs:     "curslabs",
	StatNonfullSlabs: "nonfull_slabs",
	StatNMalloc:      "nmalloc",
	StatNDalloc:      "ndalloc",
}

// String returns the mallctl leaf name of the statistic.
func (k StatKind) String() string {
	if int(k) < len(statNames) {
		return statNames[k]
	}
	return "unknown"
}

// Handle is an opaque, precompiled key for one bin statistic.
type Handle uint64

// SlabUtil is the utilization of the slab that owns a queried pointer.
// A zero value means the allocator does not own the pointer.
type SlabUtil struct {
	NFree   uint64 // Free regions in the slab
	NRegs   uint64 // Total regions in the slab (1 for large extents)
	SlabLen uint64 // Slab size in bytes

	// Current is set for the slab the bin allocates from next (jemalloc's
	// slabcur). Regions moved out of it would land back in it.
	Current bool
}

// CacheID names an allocation cache for the pooled entry points.
type CacheID int

// SharedCache is the allocator's default cache, shared with the application.
const SharedCache CacheID = 0

// Introspector exposes the allocator's size-class layout and statistics.
//
// Statistics read through ReadStat reflect the state at the last RefreshEpoch.
// SlabUtilization reads live slab state.
type Introspector interface {
	// Quantum returns the base size granularity, 8 or 16.
	Quantum() (uint64, error)

	// NumBins returns the number of small size classes.
	NumBins() (int, error)

	// BinLayout returns the region size and regions-per-slab of a bin.
	BinLayout(bin int) (regionSize, regionCount uint64, err error)

	// StatHandle resolves a (bin, kind) pair into a Handle.
	StatHandle(bin int, kind StatKind) (Handle, error)

	// ReadStat reads the value behind a Handle as of the last epoch.
	ReadStat(h Handle) uint64

	// RefreshEpoch publishes a consistent statistics snapshot across threads.
	RefreshEpoch()

	// SlabUtilization fills out[i] for ptrs[i] in one call.
	// len(out) must be at least len(ptrs).
	SlabUtilization(ptrs []uintptr, out []SlabUtil) error
}

// Hinter is implemented by allocators that can judge relocation worthiness themselves.
type Hinter interface {
	DefragHint(ptr uintptr) bool
}

// RawAllocator allocates and frees directly against arena bins, bypassing
// every cache so the effect shows up in bin statistics immediately.
type RawAllocator interface {
	AllocRaw(size uint64) (uintptr, error)
	FreeRaw(ptr uintptr, size uint64) error
}

// PooledAllocator allocates and frees through a cache.
type PooledAllocator interface {
	AllocPooled(cache CacheID, size uint64) (uintptr, error)
	FreePooled(cache CacheID, ptr uintptr, size uint64) error
}

// CacheCreator creates a cache reserved for one caller.
type CacheCreator interface {
	CreateCache() (CacheID, error)
}

// CacheFlusher returns every region parked in a cache to its slab.
type CacheFlusher interface {
	FlushCache(cache CacheID) error
}
