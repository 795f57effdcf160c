package mm

import (
	log "github.com/sirupsen/logrus"

	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem"
)

// Alloc reserves a region of the given page count inside the smallest gap
// able to hold it (best-fit) and returns the region's start address. Every
// page is committed immediately but only backed by a physical frame on first
// fault. The call is all-or-nothing: on failure the region/gap bookkeeping
// is exactly as it was before the call.
func (s *AddressSpace) Alloc(pages int) (uintptr, *kernel.Error) {
	if pages <= 0 {
		return 0, errInvalidPageCount
	}

	s.lock.Acquire()
	defer s.lock.Release()

	r, err := s.allocRegionLocked(pages, RegionWrite|RegionUserAccess)
	if err != nil {
		return 0, err
	}
	return r.begin, nil
}

// AllocStack reserves a region of maxPages pages for a stack and returns the
// top-of-range address; stacks grow downwards from the high end of their
// reserved interval.
func (s *AddressSpace) AllocStack(maxPages int) (uintptr, *kernel.Error) {
	if maxPages <= 0 {
		return 0, errInvalidPageCount
	}

	s.lock.Acquire()
	defer s.lock.Release()

	r, err := s.allocRegionLocked(maxPages, RegionWrite|RegionUserAccess|RegionStack)
	if err != nil {
		return 0, err
	}
	return r.End() - 1, nil
}

// allocRegionLocked carves a region out of the best-fit gap. Both failure
// points (no suitable gap, region record exhaustion) precede any bookkeeping
// mutation.
func (s *AddressSpace) allocRegionLocked(pages int, flags RegionFlag) (*Region, *kernel.Error) {
	g := s.findGapLocked(pages)
	if g == nil {
		return nil, ErrNoSpace
	}

	r, err := s.allocs.Regions.Alloc()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	r.space = s
	r.begin = g.begin
	r.pages = pages
	r.flags = flags
	r.initPresence()

	s.regionIndex.insert(r)
	s.shrinkGapLocked(g, pages)

	r.next = s.regions
	s.regions = r

	log.WithFields(log.Fields{"begin": r.begin, "pages": pages}).Debug("allocated region")
	return r, nil
}

// Free releases a previously allocated extent. The extent must cover a full
// region: freeing part of a region fails with ErrPartialFree and leaves the
// bookkeeping untouched, and freeing an address outside any region fails
// with ErrNotAllocated. Backing frames are released per the mirror-sharing
// rule and the freed interval returns to the gap index, merged with any
// address-adjacent gap.
func (s *AddressSpace) Free(addr uintptr, pages int) *kernel.Error {
	if pages <= 0 {
		return errInvalidPageCount
	}

	s.lock.Acquire()
	defer s.lock.Release()

	r := s.findRegionLocked(addr)
	if r == nil {
		return ErrNotAllocated
	}
	if addr != r.begin || pages != r.pages {
		return ErrPartialFree
	}

	return s.freeRegionLocked(r)
}

// FreeStack releases the stack region containing addr; addr is typically the
// top-of-stack address returned by AllocStack.
func (s *AddressSpace) FreeStack(addr uintptr) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	r := s.findRegionLocked(addr)
	if r == nil {
		return ErrNotAllocated
	}
	if r.flags&RegionStack == 0 {
		return ErrNotAStack
	}

	return s.freeRegionLocked(r)
}

// freeRegionLocked frees a full region and reinserts its interval as a gap.
// The gap record is allocated before any state is mutated so a metadata
// failure leaves the space untouched.
func (s *AddressSpace) freeRegionLocked(r *Region) *kernel.Error {
	g, err := s.allocs.Gaps.Alloc()
	if err != nil {
		return ErrOutOfMemory
	}
	g.begin = r.begin
	g.pages = r.pages

	s.releaseRegionLocked(r)
	s.insertGapLocked(g)
	return nil
}

// CanAccess reports whether the extent [addr, addr+size) may be touched from
// user mode: every page of the extent must belong to a user-accessible
// region and be committed. Used to validate syscall arguments before the
// kernel dereferences them.
func (s *AddressSpace) CanAccess(addr uintptr, size uintptr) bool {
	if size == 0 {
		return true
	}
	end := addr + size
	if end < addr {
		// extent wraps the address space
		return false
	}

	s.lock.Acquire()
	defer s.lock.Release()

	for pos := pageAlignDown(addr); pos < end; {
		r := s.findRegionLocked(pos)
		if r == nil || r.flags&RegionUserAccess == 0 {
			return false
		}
		for ; pos < end && pos < r.End(); pos += uintptr(mem.PageSize) {
			if !r.present(r.pageIndex(pos)) {
				return false
			}
		}
	}
	return true
}
