package vmm

import (
	"sync/atomic"

	"corekernel/kernel"
	"corekernel/kernel/mem"
)

// earlyReserveStart is the highest address of the region handed out by
// EarlyReserveRegion. Reservations grow downwards from here so they can
// never collide with the frame allocator's own virtual cursor, which grows
// upwards from a lower base.
const earlyReserveStart = uintptr(0xffffff0000000000)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each reservation request.
	earlyReserveLastUsed = uint64(earlyReserveStart)

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space and moving down; it is intended for the early stages of kernel
// initialization and for the Go runtime's own memory hooks, which may fire
// from any CPU once the APs are up, so the cursor is maintained atomically.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	for {
		lastUsed := atomic.LoadUint64(&earlyReserveLastUsed)

		// reserving a region of the requested size would cause an underflow
		if uint64(size) > lastUsed {
			return 0, errEarlyReserveNoSpace
		}

		if atomic.CompareAndSwapUint64(&earlyReserveLastUsed, lastUsed, lastUsed-uint64(size)) {
			return uintptr(lastUsed - uint64(size)), nil
		}
	}
}
