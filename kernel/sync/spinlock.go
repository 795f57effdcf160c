// Package sync provides the busy-wait synchronization primitive used to
// guard address-space state. The page-fault resolver may run in trap context
// with interrupts disabled and must never park on a scheduler, so the lock
// spins instead of blocking.
package sync

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYielding bounds the number of failed acquisition attempts
// before the spinning task yields its time slice.
const spinsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for spins := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); spins++ {
		if spins >= spinsBeforeYielding {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
