// Package queue implements a lock-free multi-producer/multi-consumer FIFO:
// a Michael-Scott queue with explicit per-node reference counting in place
// of hazard pointers, since Go has no hardware transactional memory
// primitive to bind a pointer read to a ref-count bump. This is the
// scheduler's shared ready queue.
package queue

import "sync/atomic"

// node is one link in the queue. refCnt tracks how many live pointers (the
// predecessor's next field, plus any in-flight safeRead) currently observe
// this node; retired marks a node logically unlinked but not yet free
// because some reader might still hold a reference to it.
type node[T any] struct {
	data    T
	hasData bool
	refCnt  int32
	next    atomic.Pointer[node[T]]
	retired atomic.Bool
}

// Queue is a lock-free FIFO queue of values of type T. The zero value is not
// usable; call New to obtain one, which seeds head and tail with a shared
// empty dummy node.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	dummy := &node[T]{refCnt: 1}
	q := &Queue[T]{}
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// safeRead loads slot and, if non-nil, bumps its refCnt before returning it.
// The increment races with release/retirement on other CPUs; Go's atomic
// ops already provide the acquire/release ordering an HTM region would
// bind the load and bump with, so a plain atomic.AddInt32 after the load
// is sufficient: a node reachable from a slot always holds its
// predecessor-link reference, so the bump cannot resurrect a freed node.
func safeRead[T any](slot *atomic.Pointer[node[T]]) *node[T] {
	n := slot.Load()
	if n == nil {
		return nil
	}
	atomic.AddInt32(&n.refCnt, 1)
	return n
}

// release drops one reference to n, freeing it (by simply dropping the last
// Go pointer to it, letting the GC reclaim it) once refCnt reaches zero and
// the node has been retired.
func release[T any](n *node[T]) {
	if n == nil {
		return
	}
	if atomic.AddInt32(&n.refCnt, -1) == 0 && n.retired.Load() {
		// Nothing else to do: once no atomic slot or in-flight safeRead
		// references n, it becomes unreachable and the GC collects it.
		// A freestanding allocator-backed build would instead return n's
		// backing memory to HA here.
	}
}

// Enqueue appends v to the tail of the queue.
func (q *Queue[T]) Enqueue(v T) {
	newNode := &node[T]{data: v, hasData: true, refCnt: 1}

	for {
		t := safeRead(&q.tail)
		oldNext := t.next.Load()

		if oldNext == nil {
			if t.next.CompareAndSwap(nil, newNode) {
				// Best-effort tail advance; a lagging tail is fixed up by
				// the next enqueuer/dequeuer, per Michael-Scott.
				q.tail.CompareAndSwap(t, newNode)
				release(t)
				return
			}
		} else {
			// tail is lagging one node behind; help advance it before
			// retrying.
			q.tail.CompareAndSwap(t, oldNext)
		}

		release(t)
	}
}

// Dequeue removes and returns the value at the head of the queue. ok is
// false if the queue was empty.
func (q *Queue[T]) Dequeue() (v T, ok bool) {
	for {
		h := safeRead(&q.head)
		n := safeRead(&h.next)

		if n == nil {
			release(h)
			var zero T
			return zero, false
		}

		if q.head.CompareAndSwap(h, n) {
			v, ok = n.data, n.hasData
			h.retired.Store(true)
			release(h)
			release(h)
			return v, ok
		}

		release(n)
		release(h)
	}
}
