// Package pmm contains types that describe physical memory frames.
package pmm

import (
	"github.com/llenotre/maestro/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they fail to reserve the
// requested frame.
const InvalidFrame = ^Frame(0)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}
