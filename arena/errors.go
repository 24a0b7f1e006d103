package arena

import "errors"

var (
	// ErrUnsupported indicates the allocator build lacks the required introspection.
	ErrUnsupported = errors.New("arena: introspection not supported")

	// ErrBadPointer indicates a pointer the allocator does not own, a misaligned
	// region address, or a double free.
	ErrBadPointer = errors.New("arena: bad pointer")

	// ErrOutOfMemory indicates the arena has no room for another slab or extent.
	ErrOutOfMemory = errors.New("arena: out of memory")

	// ErrBadBin indicates a bin index outside the size-class table.
	ErrBadBin = errors.New("arena: bin index out of range")

	// ErrBadCache indicates an unknown cache identifier.
	ErrBadCache = errors.New("arena: unknown cache")

	// ErrClosed indicates the arena has been closed.
	ErrClosed = errors.New("arena: closed")
)
