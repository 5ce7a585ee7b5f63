// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"corekernel/kernel/mem"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the containing frame if the address is not
// itself frame-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
