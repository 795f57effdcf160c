// Package vmm implements the page-table abstraction consumed by the memory
// manager: a two-level page directory supporting map, resolve, unmap,
// bulk-protect, structural clone and destroy. Second-level tables are
// allocated from an injected object cache so table allocation failures
// surface as out-of-memory conditions instead of panics.
package vmm

import (
	"github.com/llenotre/maestro/kernel/mem"
	"github.com/llenotre/maestro/kernel/mem/pmm"
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uintptr

// Page table entry flags. FlagCopyOnWrite occupies one of the bits the MMU
// leaves available to the operating system; it marks entries whose frame is
// shared between mirror regions and must be copied on the next write fault.
const (
	FlagPresent EntryFlag = 1 << iota
	FlagRW
	FlagUserAccess

	FlagCopyOnWrite EntryFlag = 1 << 9
)

// entryPhysPageMask isolates the frame address bits of an entry.
const entryPhysPageMask = ^uintptr((1 << mem.PageShift) - 1)

// Entry describes a page table entry. Entries encode a physical frame
// address and a set of flags.
type Entry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte Entry) HasFlags(flags EntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte Entry) HasAnyFlag(flags EntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *Entry) SetFlags(flags EntryFlag) {
	*pte = Entry(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *Entry) ClearFlags(flags EntryFlag) {
	*pte = Entry(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte Entry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & entryPhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *Entry) SetFrame(frame pmm.Frame) {
	*pte = Entry((uintptr(*pte) &^ entryPhysPageMask) | frame.Address())
}
