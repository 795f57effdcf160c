package mm

import (
	"github.com/google/btree"

	"github.com/llenotre/maestro/kernel/mem"
)

// RegionFlag describes the access attributes of a region.
type RegionFlag uint8

const (
	// RegionWrite marks pages of the region as writable.
	RegionWrite RegionFlag = 1 << iota

	// RegionUserAccess marks pages of the region as accessible from
	// user mode.
	RegionUserAccess

	// RegionStack marks a region reserved for a stack; allocation
	// returns its top-of-range address since stacks grow downwards.
	RegionStack
)

// Region describes an allocated interval of virtual address space owned by
// exactly one address space. Pages are committed logically at allocation
// time (their presence bit is set) but only backed by physical frames on
// first fault.
//
// A region duplicated by Clone becomes part of a mirror ring: a doubly
// linked chain of sibling regions in different address spaces referencing
// the same physical frames under copy-on-write discipline.
type Region struct {
	// space is the address space owning this region.
	space *AddressSpace

	// begin is the page-aligned virtual address of the start of the
	// region.
	begin uintptr

	// pages is the size of the region in pages.
	pages int

	// usedPages counts the logically committed pages of the region.
	usedPages int

	flags RegionFlag

	// presence holds one bit per page; a set bit marks a page that is
	// committed and therefore eligible for lazy physical backing.
	presence []uint64

	// prevShared and nextShared chain the mirror ring. Both nil means
	// the region's frames are private.
	prevShared, nextShared *Region

	// next chains the owning space's region list, most recent first.
	next *Region
}

// Begin returns the virtual address of the start of the region.
func (r *Region) Begin() uintptr {
	return r.begin
}

// Pages returns the size of the region in pages.
func (r *Region) Pages() int {
	return r.pages
}

// Flags returns the region's access attributes.
func (r *Region) Flags() RegionFlag {
	return r.flags
}

// End returns the first virtual address past the region.
func (r *Region) End() uintptr {
	return r.begin + uintptr(r.pages)*uintptr(mem.PageSize)
}

// Less orders regions by start address; intervals are disjoint so the start
// address is a unique key.
func (r *Region) Less(than btree.Item) bool {
	return r.begin < than.(*Region).begin
}

// contains returns true if addr falls inside the region's interval.
func (r *Region) contains(addr uintptr) bool {
	return addr >= r.begin && addr < r.End()
}

// pageIndex maps a virtual address inside the region to a page offset.
func (r *Region) pageIndex(addr uintptr) int {
	return int((addr - r.begin) >> mem.PageShift)
}

// pageAddress is the inverse of pageIndex.
func (r *Region) pageAddress(pageIndex int) uintptr {
	return r.begin + uintptr(pageIndex)*uintptr(mem.PageSize)
}

// initPresence allocates the presence bitmap and marks every page of the
// region as committed.
func (r *Region) initPresence() {
	r.presence = make([]uint64, (r.pages+63)>>6)
	for i := 0; i < r.pages; i++ {
		r.setPresent(i)
	}
	r.usedPages = r.pages
}

func (r *Region) setPresent(pageIndex int) {
	r.presence[pageIndex>>6] |= 1 << uint(63-(pageIndex&63))
}

// present returns true if the page's presence bit is set.
func (r *Region) present(pageIndex int) bool {
	return r.presence[pageIndex>>6]&(1<<uint(63-(pageIndex&63))) != 0
}

// isShared returns true if the region belongs to a mirror ring.
func (r *Region) isShared() bool {
	return r.prevShared != nil || r.nextShared != nil
}

// detachShared unlinks the region from its mirror ring.
func (r *Region) detachShared() {
	if r.prevShared != nil {
		r.prevShared.nextShared = r.nextShared
	}
	if r.nextShared != nil {
		r.nextShared.prevShared = r.prevShared
	}
	r.prevShared = nil
	r.nextShared = nil
}

// eachSibling invokes fn for every other member of the region's mirror ring.
func (r *Region) eachSibling(fn func(sibling *Region)) {
	for sib := r.prevShared; sib != nil; sib = sib.prevShared {
		fn(sib)
	}
	for sib := r.nextShared; sib != nil; sib = sib.nextShared {
		fn(sib)
	}
}
