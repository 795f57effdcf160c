// Package allocator implements the physical frame allocator consumed by the
// virtual memory manager. Frames are carved out of a contiguous arena and
// tracked via a free bitmap, allowing the allocator to examine 64 frames at
// a time when scanning for a free one.
package allocator

import (
	"github.com/llenotre/maestro/kernel"
	"github.com/llenotre/maestro/kernel/mem"
	"github.com/llenotre/maestro/kernel/mem/pmm"
	"github.com/llenotre/maestro/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when all frames in the pool are reserved.
	ErrOutOfMemory = &kernel.Error{Module: "pmm_alloc", Message: "out of memory"}

	// ErrInvalidFrame is returned when freeing a frame that lies outside
	// the pool or was never reserved.
	ErrInvalidFrame = &kernel.Error{Module: "pmm_alloc", Message: "frame not reserved by this pool"}

	errInvalidFrameCount = &kernel.Error{Module: "pmm_alloc", Message: "pool frame count must be > 0"}
)

// Pool implements a physical frame allocator that tracks frame reservations
// using a bitmap. Each frame is backed by a slice of the pool's arena so that
// frame contents remain addressable by the fault-resolution code.
//
// The pool guards its state with a spinlock; callers may invoke it from trap
// context while holding an address-space lock. The pool lock nests strictly
// inside any address-space lock and is never held across calls back into the
// memory manager.
type Pool struct {
	lock sync.Spinlock

	// arena backs the frame contents. Frame i occupies the byte range
	// [i*PageSize, (i+1)*PageSize).
	arena []byte

	// reservedBitmap tracks reserved frames; a set bit marks a reserved
	// frame.
	reservedBitmap []uint64

	// totalFrames and reservedFrames allow exhaustion checks and leak
	// accounting without scanning the bitmap.
	totalFrames    int
	reservedFrames int
}

// NewPool allocates a frame pool managing the given number of frames.
func NewPool(frames int) (*Pool, *kernel.Error) {
	if frames <= 0 {
		return nil, errInvalidFrameCount
	}

	return &Pool{
		arena:          make([]byte, frames*int(mem.PageSize)),
		reservedBitmap: make([]uint64, (frames+63)>>6),
		totalFrames:    frames,
	}, nil
}

// AllocZeroed reserves the first free frame in the pool, clears its contents
// and returns it. It returns ErrOutOfMemory if all frames are reserved.
func (p *Pool) AllocZeroed() (pmm.Frame, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.reservedFrames == p.totalFrames {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	for blockIndex, block := range p.reservedBitmap {
		if block == ^uint64(0) {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			mask := uint64(1) << uint(63-bit)
			if block&mask != 0 {
				continue
			}

			frameIndex := (blockIndex << 6) + bit
			if frameIndex >= p.totalFrames {
				break
			}

			p.reservedBitmap[blockIndex] |= mask
			p.reservedFrames++

			contents := p.frameSlice(frameIndex)
			for i := range contents {
				contents[i] = 0
			}
			return pmm.Frame(frameIndex), nil
		}
	}

	return pmm.InvalidFrame, ErrOutOfMemory
}

// Free releases a previously reserved frame back to the pool. Freeing a frame
// outside the pool bounds or one that is not currently reserved returns
// ErrInvalidFrame.
func (p *Pool) Free(frame pmm.Frame) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	frameIndex := int(frame)
	if frameIndex < 0 || frameIndex >= p.totalFrames {
		return ErrInvalidFrame
	}

	mask := uint64(1) << uint(63-(frameIndex&63))
	if p.reservedBitmap[frameIndex>>6]&mask == 0 {
		return ErrInvalidFrame
	}

	p.reservedBitmap[frameIndex>>6] &^= mask
	p.reservedFrames--
	return nil
}

// Slice returns the backing bytes for a frame's contents. It returns nil for
// frames outside the pool bounds.
func (p *Pool) Slice(frame pmm.Frame) []byte {
	frameIndex := int(frame)
	if frameIndex < 0 || frameIndex >= p.totalFrames {
		return nil
	}
	return p.frameSlice(frameIndex)
}

// FreeFrames returns the number of frames available for reservation.
func (p *Pool) FreeFrames() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.totalFrames - p.reservedFrames
}

// ReservedFrames returns the number of currently reserved frames.
func (p *Pool) ReservedFrames() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.reservedFrames
}

func (p *Pool) frameSlice(frameIndex int) []byte {
	offset := frameIndex * int(mem.PageSize)
	return p.arena[offset : offset+int(mem.PageSize) : offset+int(mem.PageSize)]
}
