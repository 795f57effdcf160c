package mm

import (
	log "github.com/sirupsen/logrus"

	"github.com/llenotre/maestro/kernel/mem/vmm"
)

// HandlePageFault resolves a fault at the given address, returning true when
// the fault was handled and execution may resume at the faulting
// instruction. It returns false ("not my fault") when the address lies
// outside any region, when the faulting page was never committed, when the
// access violates the region's protection, or when a frame or mapping could
// not be allocated; the trap handler then delivers a signal or kills the
// process.
//
// Faults are resolved per page and idempotently: a racing second fault on an
// already-mapped page observes the installed entry and succeeds without
// side effects.
func (s *AddressSpace) HandlePageFault(faultAddr uintptr) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	addr := pageAlignDown(faultAddr)

	r := s.findRegionLocked(addr)
	if r == nil {
		log.WithFields(log.Fields{"addr": faultAddr}).Debug("fault outside any region")
		return false
	}

	pageIndex := r.pageIndex(addr)
	if !r.present(pageIndex) {
		// Only pages committed at allocation time are eligible for
		// lazy backing.
		return false
	}

	if pte, err := s.pdt.Resolve(addr); err == nil {
		if pte.HasFlags(vmm.FlagCopyOnWrite) && !pte.HasFlags(vmm.FlagRW) {
			if r.flags&RegionWrite == 0 {
				// Write to a read-only region; a shared frame
				// is never privatized for it.
				return false
			}
			return s.breakCopyOnWriteLocked(r, pageIndex, pte)
		}
		// The page table already holds a valid entry; nothing to do.
		return true
	}

	return s.backPageLocked(r, addr)
}

// backPageLocked maps a fresh zeroed frame for the first touch of a
// committed page, deriving the mapping flags from the region.
func (s *AddressSpace) backPageLocked(r *Region, addr uintptr) bool {
	frame, err := s.allocs.Frames.AllocZeroed()
	if err != nil {
		log.WithFields(log.Fields{"addr": addr}).Debug("out of frames while resolving fault")
		return false
	}

	flags := vmm.FlagPresent
	if r.flags&RegionWrite != 0 {
		flags |= vmm.FlagRW
	}
	if r.flags&RegionUserAccess != 0 {
		flags |= vmm.FlagUserAccess
	}

	if err := s.pdt.Map(vmm.PageFromAddress(addr), frame, flags); err != nil {
		_ = s.allocs.Frames.Free(frame)
		return false
	}
	return true
}

// breakCopyOnWriteLocked resolves a write fault on a shared page: a private
// frame is allocated, the shared frame's contents are copied byte for byte,
// the entry is remapped writable and the page detaches from the mirror
// sharing. The shared frame is released once no ring sibling references it
// anymore.
func (s *AddressSpace) breakCopyOnWriteLocked(r *Region, pageIndex int, pte *vmm.Entry) bool {
	shared := pte.Frame()

	private, err := s.allocs.Frames.AllocZeroed()
	if err != nil {
		return false
	}

	src := s.allocs.Frames.Slice(shared)
	dst := s.allocs.Frames.Slice(private)
	if src == nil || dst == nil {
		_ = s.allocs.Frames.Free(private)
		return false
	}
	copy(dst, src)

	stillShared := s.frameStillReferenced(r, pageIndex, shared)

	pte.SetFrame(private)
	pte.ClearFlags(vmm.FlagCopyOnWrite)
	pte.SetFlags(vmm.FlagPresent | vmm.FlagRW)

	if !stillShared {
		_ = s.allocs.Frames.Free(shared)
	}

	log.WithFields(log.Fields{"addr": r.pageAddress(pageIndex), "shared": shared, "private": private}).Debug("copy-on-write break")
	return true
}
