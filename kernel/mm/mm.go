// Package mm implements the process address-space manager: it tracks which
// virtual pages belong to a process, backs them with physical frames on
// demand, supports copy-on-write duplication of a whole space and resolves
// page faults at trap time.
//
// Each address space owns two interval indexes (allocated regions ordered by
// start address, free gaps ordered by size) and one page directory. The union
// of region and gap intervals always tiles the usable virtual range exactly
// once; every mutating operation either completes or unwinds to the previous
// state before reporting an error.
package mm

import (
	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem"
	"github.com/llenotre/maestro/kernel/mem/cache"
	"github.com/llenotre/maestro/kernel/mem/pmm"
	"github.com/llenotre/maestro/kernel/mem/vmm"
)

const (
	// UserBase is the lowest virtual address handed out to a process. The
	// first page stays unmapped so nil dereferences always fault.
	UserBase = uintptr(0x1000)

	// UserPages is the number of pages in the usable virtual range
	// [UserBase, UserBase + UserPages*PageSize).
	UserPages = 0xfffff
)

var (
	// ErrOutOfMemory is returned when a metadata record or a physical
	// frame could not be allocated.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// ErrNoSpace is returned when no gap is large enough to satisfy an
	// allocation request. Unlike ErrOutOfMemory this is recoverable: the
	// caller may free memory and retry.
	ErrNoSpace = &kernel.Error{Module: "mm", Message: "no gap large enough for the requested allocation"}

	// ErrNotAllocated is returned when freeing an address that does not
	// belong to any allocated region.
	ErrNotAllocated = &kernel.Error{Module: "mm", Message: "address does not belong to an allocated region"}

	// ErrPartialFree is returned when the freed extent covers only part
	// of a region. Partial frees are unsupported and must fail loudly
	// instead of corrupting the region/gap bookkeeping.
	ErrPartialFree = &kernel.Error{Module: "mm", Message: "partial region free is not supported"}

	// ErrNotAStack is returned by FreeStack when the address does not
	// belong to a stack region.
	ErrNotAStack = &kernel.Error{Module: "mm", Message: "address does not belong to a stack region"}

	errInvalidPageCount = &kernel.Error{Module: "mm", Message: "page count must be > 0"}
)

// FrameAllocator is the physical frame allocator interface consumed by the
// address-space manager. AllocZeroed hands out a cleared frame; Slice exposes
// a frame's backing bytes so the copy-on-write path can duplicate contents.
type FrameAllocator interface {
	AllocZeroed() (pmm.Frame, *kernel.Error)
	Free(pmm.Frame) *kernel.Error
	Slice(pmm.Frame) []byte
}

// Allocators bundles the collaborator allocators an address space draws from.
// The kernel initialization sequence builds one bundle and passes it to every
// CreateAddressSpace call; there is no implicit global state.
type Allocators struct {
	// Frames serves the physical frames that back committed pages.
	Frames FrameAllocator

	// Metadata record caches.
	Spaces  *cache.Cache[AddressSpace]
	Regions *cache.Cache[Region]
	Gaps    *cache.Cache[Gap]

	// Tables serves second-level page tables to the page directories.
	Tables *cache.Cache[vmm.Table]
}

// NewAllocators wires a collaborator bundle around the given frame allocator
// using unbounded metadata caches.
func NewAllocators(frames FrameAllocator) *Allocators {
	return &Allocators{
		Frames:  frames,
		Spaces:  cache.New[AddressSpace]("mem_space", 0),
		Regions: cache.New[Region]("mem_region", 0),
		Gaps:    cache.New[Gap]("mem_gap", 0),
		Tables:  cache.New[vmm.Table]("vmem_table", 0),
	}
}

// pageAlignDown rounds an address down to the page that contains it.
func pageAlignDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}
