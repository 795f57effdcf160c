package mm

import (
	log "github.com/sirupsen/logrus"

	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem"
	"github.com/llenotre/maestro/kernel/mem/pmm"
	"github.com/llenotre/maestro/kernel/mem/vmm"
	"github.com/llenotre/maestro/kernel/sync"

	"github.com/google/btree"
)

// AddressSpace tracks the virtual memory layout of one process: the interval
// index of allocated regions, the interval index of free gaps and the page
// directory. A single busy-wait lock serializes every mutation; the fault
// resolver may run in trap context and must never park.
type AddressSpace struct {
	lock sync.Spinlock

	allocs *Allocators

	// regions chains allocated regions most recent first; gaps chains
	// the free gaps. The indexes below mirror both lists.
	regions *Region
	gaps    *Gap

	regionIndex intervalIndex
	gapIndex    intervalIndex

	pdt *vmm.PageDirectoryTable
}

// CreateAddressSpace allocates an address space whose usable range is one
// single gap spanning [UserBase, UserBase + UserPages*PageSize) and whose
// page directory is empty. On failure everything already allocated is
// released and ErrOutOfMemory returned; no partial space is ever handed out.
func CreateAddressSpace(allocs *Allocators) (*AddressSpace, *kernel.Error) {
	s, err := allocs.Spaces.Alloc()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	g, err := allocs.Gaps.Alloc()
	if err != nil {
		allocs.Spaces.Free(s)
		return nil, ErrOutOfMemory
	}
	g.begin = UserBase
	g.pages = UserPages

	pdt, err := vmm.New(allocs.Tables)
	if err != nil {
		allocs.Gaps.Free(g)
		allocs.Spaces.Free(s)
		return nil, ErrOutOfMemory
	}

	s.allocs = allocs
	s.gaps = g
	s.regionIndex = newIntervalIndex()
	s.gapIndex = newIntervalIndex()
	s.gapIndex.insert(g)
	s.pdt = pdt
	return s, nil
}

// Destroy tears the address space down: every region is freed per the
// sharing rule (frames are released only when no mirror sibling still maps
// them), both indexes are cleared, the page directory destroyed and all
// metadata records returned to their caches. Destroying a freshly created
// space with zero regions is valid.
func (s *AddressSpace) Destroy() {
	s.lock.Acquire()

	for s.regions != nil {
		s.releaseRegionLocked(s.regions)
	}

	for g := s.gaps; g != nil; {
		next := g.next
		s.allocs.Gaps.Free(g)
		g = next
	}
	s.gaps = nil

	s.regionIndex.clear()
	s.gapIndex.clear()

	if s.pdt != nil {
		s.pdt.Destroy()
		s.pdt = nil
	}

	allocs := s.allocs
	s.lock.Release()
	allocs.Spaces.Free(s)
}

// findRegionLocked resolves the region containing addr in O(log n) by
// descending the start-address-ordered index from addr.
func (s *AddressSpace) findRegionLocked(addr uintptr) *Region {
	var found *Region
	s.regionIndex.descendFrom(&Region{begin: addr}, func(item btree.Item) bool {
		found = item.(*Region)
		return false
	})
	if found == nil || !found.contains(addr) {
		return nil
	}
	return found
}

// findGapLocked resolves the smallest gap holding at least the requested
// page count (best-fit) in O(log n) by ascending the size-ordered index.
func (s *AddressSpace) findGapLocked(pages int) *Gap {
	var found *Gap
	s.gapIndex.ascendFrom(&Gap{pages: pages}, func(item btree.Item) bool {
		found = item.(*Gap)
		return false
	})
	return found
}

// releaseRegionLocked frees one region: backing frames are released unless a
// mirror sibling still maps them, the region leaves the ring, the index and
// the space's region list, and its record returns to the region cache. The
// freed interval is NOT returned to the gap index; callers reinsert a gap
// when the interval becomes reusable (Free) or drop it wholesale (Destroy).
func (s *AddressSpace) releaseRegionLocked(r *Region) {
	if s.pdt != nil {
		for i := 0; i < r.pages; i++ {
			if !r.present(i) {
				continue
			}

			addr := r.pageAddress(i)
			pte, err := s.pdt.Resolve(addr)
			if err != nil {
				continue
			}

			frame := pte.Frame()
			if !s.frameStillReferenced(r, i, frame) {
				if ferr := s.allocs.Frames.Free(frame); ferr != nil {
					log.WithFields(log.Fields{"frame": frame, "addr": addr}).Warn("failed to release frame")
				}
			}
			_ = s.pdt.Unmap(vmm.PageFromAddress(addr))
		}
	}

	r.detachShared()
	s.regionIndex.remove(r)
	s.unlinkRegionLocked(r)
	s.allocs.Regions.Free(r)
}

// frameStillReferenced reports whether any mirror sibling of r still maps
// the given frame at the same page offset. Mirror siblings always share the
// region's virtual placement, so the check resolves the same address in each
// sibling's space. A frame may only be released when this returns false:
// freeing one ring member must never free frames another member still uses.
func (s *AddressSpace) frameStillReferenced(r *Region, pageIndex int, frame pmm.Frame) bool {
	referenced := false
	r.eachSibling(func(sib *Region) {
		if referenced || sib.space == nil || sib.space.pdt == nil {
			return
		}
		pte, err := sib.space.pdt.Resolve(sib.pageAddress(pageIndex))
		if err == nil && pte.Frame() == frame {
			referenced = true
		}
	})
	return referenced
}

func (s *AddressSpace) unlinkRegionLocked(r *Region) {
	for cur := &s.regions; *cur != nil; cur = &(*cur).next {
		if *cur == r {
			*cur = r.next
			r.next = nil
			return
		}
	}
}

// unlinkGapLocked removes a gap from the space's gap list.
func (s *AddressSpace) unlinkGapLocked(g *Gap) {
	if g.prev != nil {
		g.prev.next = g.next
	} else {
		s.gaps = g.next
	}
	if g.next != nil {
		g.next.prev = g.prev
	}
	g.prev = nil
	g.next = nil
}

// linkGapLocked pushes a gap onto the space's gap list.
func (s *AddressSpace) linkGapLocked(g *Gap) {
	g.prev = nil
	g.next = s.gaps
	if s.gaps != nil {
		s.gaps.prev = g
	}
	s.gaps = g
}

// shrinkGapLocked consumes pages from the front of a gap. A fully consumed
// gap is dropped; otherwise the gap is re-keyed in the size-ordered index
// with its reduced size.
func (s *AddressSpace) shrinkGapLocked(g *Gap, pages int) {
	if g.pages <= pages {
		s.gapIndex.remove(g)
		s.unlinkGapLocked(g)
		s.allocs.Gaps.Free(g)
		return
	}

	s.gapIndex.remove(g)
	g.begin += uintptr(pages) << mem.PageShift
	g.pages -= pages
	s.gapIndex.insert(g)
}

// insertGapLocked inserts a freed interval into the gap bookkeeping, merging
// it with any address-adjacent gaps so the space converges back to maximal
// gaps. The gap record is already populated with begin/pages.
func (s *AddressSpace) insertGapLocked(g *Gap) {
	var before, after *Gap
	for cur := s.gaps; cur != nil; cur = cur.next {
		if cur.End() == g.begin {
			before = cur
		} else if g.End() == cur.begin {
			after = cur
		}
	}

	if before != nil {
		s.gapIndex.remove(before)
		s.unlinkGapLocked(before)
		g.begin = before.begin
		g.pages += before.pages
		s.allocs.Gaps.Free(before)
	}
	if after != nil {
		s.gapIndex.remove(after)
		s.unlinkGapLocked(after)
		g.pages += after.pages
		s.allocs.Gaps.Free(after)
	}

	s.linkGapLocked(g)
	s.gapIndex.insert(g)
}
