package mm

import (
	log "github.com/sirupsen/logrus"

	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem/vmm"
)

// Clone produces a new address space sharing physical frames with this one
// under copy-on-write discipline: every region is deep-copied and
// mirror-linked to its source, every gap is copied, both indexes are rebuilt
// and the page directory is cloned structurally after every present source
// entry has been marked copy-on-write (downgrading writable mappings to
// read-only so the next write from either side faults into the
// copy-on-write path).
//
// The source lock is held for the whole operation; the clone is not
// published to other threads until Clone returns, so it needs no locking
// during construction. On any failure every partial copy is discarded and
// ErrOutOfMemory returned.
func (s *AddressSpace) Clone() (*AddressSpace, *kernel.Error) {
	n, err := s.allocs.Spaces.Alloc()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	n.allocs = s.allocs
	n.regionIndex = newIntervalIndex()
	n.gapIndex = newIntervalIndex()

	s.lock.Acquire()
	defer s.lock.Release()

	if err := s.cloneRegionsLocked(n); err != nil {
		n.discardCloneLocked()
		s.allocs.Spaces.Free(n)
		return nil, err
	}
	if err := s.cloneGapsLocked(n); err != nil {
		n.discardCloneLocked()
		s.allocs.Spaces.Free(n)
		return nil, err
	}
	n.rebuildIndexesLocked()

	s.markCopyOnWriteLocked()

	pdt, err := s.pdt.Clone()
	if err != nil {
		n.discardCloneLocked()
		s.allocs.Spaces.Free(n)
		return nil, ErrOutOfMemory
	}
	n.pdt = pdt

	log.WithFields(log.Fields{"regions": n.regionIndex.len(), "gaps": n.gapIndex.len()}).Debug("cloned address space")
	return n, nil
}

// cloneRegionsLocked deep-copies every region of s into n, preserving list
// order. Each copy joins its source's mirror ring right after the source.
// On record exhaustion the caller discards the partial copies, which also
// restores the rings.
func (s *AddressSpace) cloneRegionsLocked(n *AddressSpace) *kernel.Error {
	var last *Region
	for r := s.regions; r != nil; r = r.next {
		clone, err := n.allocs.Regions.Alloc()
		if err != nil {
			return ErrOutOfMemory
		}

		clone.space = n
		clone.begin = r.begin
		clone.pages = r.pages
		clone.usedPages = r.usedPages
		clone.flags = r.flags
		clone.presence = make([]uint64, len(r.presence))
		copy(clone.presence, r.presence)

		clone.nextShared = r.nextShared
		if r.nextShared != nil {
			r.nextShared.prevShared = clone
		}
		clone.prevShared = r
		r.nextShared = clone

		if last == nil {
			n.regions = clone
		} else {
			last.next = clone
		}
		last = clone
	}
	return nil
}

// cloneGapsLocked copies the gap list; gaps hold no physical resources so
// this is plain metadata duplication.
func (s *AddressSpace) cloneGapsLocked(n *AddressSpace) *kernel.Error {
	var last *Gap
	for g := s.gaps; g != nil; g = g.next {
		clone, err := n.allocs.Gaps.Alloc()
		if err != nil {
			return ErrOutOfMemory
		}

		clone.begin = g.begin
		clone.pages = g.pages

		clone.prev = last
		if last == nil {
			n.gaps = clone
		} else {
			last.next = clone
		}
		last = clone
	}
	return nil
}

// rebuildIndexesLocked populates both interval indexes from the copied
// linked lists.
func (n *AddressSpace) rebuildIndexesLocked() {
	for r := n.regions; r != nil; r = r.next {
		n.regionIndex.insert(r)
	}
	for g := n.gaps; g != nil; g = g.next {
		n.gapIndex.insert(g)
	}
}

// markCopyOnWriteLocked flags every present page-table entry of every region
// as copy-on-write, removing write access from writable regions so that the
// next write by either ring member faults and privatizes the page. Read-only
// regions keep sharing their frames forever; the flag still marks the frame
// as ring-owned for the release rule.
func (s *AddressSpace) markCopyOnWriteLocked() {
	for r := s.regions; r != nil; r = r.next {
		var clear vmm.EntryFlag
		if r.flags&RegionWrite != 0 {
			clear = vmm.FlagRW
		}
		s.pdt.ProtectRange(r.begin, r.pages, vmm.FlagCopyOnWrite, clear)
	}
}

// discardCloneLocked unwinds a partially constructed clone: copied regions
// leave their mirror rings and every metadata record returns to its cache.
// The clone has no page directory yet, so no frames are touched.
func (n *AddressSpace) discardCloneLocked() {
	for r := n.regions; r != nil; {
		next := r.next
		r.detachShared()
		n.allocs.Regions.Free(r)
		r = next
	}
	n.regions = nil

	for g := n.gaps; g != nil; {
		next := g.next
		n.allocs.Gaps.Free(g)
		g = next
	}
	n.gaps = nil

	n.regionIndex.clear()
	n.gapIndex.clear()
}
