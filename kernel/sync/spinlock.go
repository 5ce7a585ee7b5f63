// Package sync provides a spinlock synchronization primitive.
package sync

import "sync/atomic"

// spinsBeforeYield is the number of failed acquisition attempts before the
// spinning task invokes yieldFn to give other tasks a chance to run.
const spinsBeforeYield = 100

var (
	// yieldFn is invoked after a burst of failed acquisition attempts. It
	// is left nil in kernel mode, where the holder runs on another CPU and
	// spinning is the correct strategy; hosted tests substitute
	// runtime.Gosched so spinning goroutines cannot starve the holder.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !l.TryToAcquire(); attempt++ {
		if attempt%spinsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
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
