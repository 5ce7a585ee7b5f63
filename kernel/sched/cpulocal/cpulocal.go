// Package cpulocal implements the CPU-local slot: a growable sequence of
// optional values indexed by logical CPU id, used by the scheduler to hold
// each CPU's private current/idle/is-idling state without any cross-CPU
// synchronization on the common path.
package cpulocal

import "sync"

// Local holds one optional value of type T per CPU. The zero value is ready
// to use. CPU count is treated as fixed at boot: kmain pre-sizes every
// scheduler slot (via sched.InitCPUs) before the APs are woken, so the
// steady-state Get/Set/Take path never races with Grow.
type Local[T any] struct {
	// growMu guards the (rare, boot-time-only) growth of slots. Steady
	// state Get/Set/Take never touch it: each CPU only ever reads and
	// writes its own index, so they need no synchronization with each
	// other, only with a concurrent Grow.
	growMu sync.Mutex
	slots  []slot[T]
}

type slot[T any] struct {
	value T
	set   bool
}

// Grow ensures the backing storage can hold at least n CPUs' worth of
// slots. sched.InitCPUs calls it once, with kmain's fixed CPU bound, before
// the APs are woken; calling it again with a smaller or equal n is a no-op.
func (l *Local[T]) Grow(n int) {
	l.growMu.Lock()
	defer l.growMu.Unlock()

	if n <= len(l.slots) {
		return
	}
	grown := make([]slot[T], n)
	copy(grown, l.slots)
	l.slots = grown
}

func (l *Local[T]) ensure(cpu int) {
	if cpu < len(l.slots) {
		return
	}
	l.Grow(cpu + 1)
}

// Get returns the value held in cpu's slot, or the zero value and false if
// nothing has been Set there yet.
func (l *Local[T]) Get(cpu int) (T, bool) {
	l.ensure(cpu)
	s := l.slots[cpu]
	return s.value, s.set
}

// Set stores v in cpu's slot.
func (l *Local[T]) Set(cpu int, v T) {
	l.ensure(cpu)
	l.slots[cpu] = slot[T]{value: v, set: true}
}

// Take returns and clears cpu's slot, as if by Get followed by a clear.
func (l *Local[T]) Take(cpu int) (T, bool) {
	l.ensure(cpu)
	s := l.slots[cpu]
	l.slots[cpu] = slot[T]{}
	return s.value, s.set
}

// Clear empties cpu's slot without returning the previous value.
func (l *Local[T]) Clear(cpu int) {
	l.ensure(cpu)
	l.slots[cpu] = slot[T]{}
}
