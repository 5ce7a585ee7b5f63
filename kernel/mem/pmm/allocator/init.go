package allocator

import (
	"corekernel/kernel"
	"corekernel/kernel/hal/multiboot"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

var (
	// kernelAllocator is the bitmap-backed frame allocator that serves all
	// allocation requests once Init completes.
	kernelAllocator FrameAllocator

	// allocFrameFn routes AllocFrame calls. It starts out pointing at the
	// boot memory allocator and is switched to the bitmap allocator at the
	// end of Init; the boot allocator is never used again after that.
	allocFrameFn = earlyAllocFrame

	errNoUsableMemory = &kernel.Error{Module: "frame_alloc", Message: "no usable memory region found in the bootloader memory map"}
)

func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// AllocFrame reserves and returns a single physical frame. Callers must not
// retain the returned frame across an Init call: frames handed out by the
// boot allocator are not tracked by the bitmap allocator's bitmap.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return allocFrameFn()
}

// AllocPages reserves pages physically contiguous frames and returns their
// identity-mapped base address, or 0 if no contiguous run is available. It
// backs the heap allocator's arena and huge-block paths.
func AllocPages(pages uint) uintptr {
	return kernelAllocator.AllocContiguous(pages)
}

// DeallocPages releases pages frames starting at base, the inverse of
// AllocPages.
func DeallocPages(base uintptr, pages uint) {
	kernelAllocator.DeallocContiguous(base, pages)
}

// AllocStack reserves pages+1 virtual pages with the lowest left unmapped as
// a guard and returns the top-of-stack address. It backs thread stack
// allocation.
func AllocStack(pages uint) uintptr {
	return kernelAllocator.AllocStack(pages)
}

// Init bootstraps physical memory management: it points the boot allocator
// at the bootloader-provided memory map, locates the largest available
// region not occupied by the kernel image, hands that region to the bitmap
// allocator (which carves its bitmap out of the region's start) and finally
// redirects AllocFrame to it.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	base, size := largestUsableRegion(kernelStart, kernelEnd)
	if size == 0 {
		return errNoUsableMemory
	}

	kernelAllocator.Init(base, size)
	allocFrameFn = kernelAllocator.AllocFrame
	return nil
}

// largestUsableRegion walks the bootloader memory map and returns the base
// and length of the largest page-aligned available region, clipped so it
// does not overlap the kernel image.
func largestUsableRegion(kernelStart, kernelEnd uintptr) (uintptr, mem.Size) {
	var (
		bestBase uintptr
		bestSize uint64
	)

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	kernelEndAligned := (uint64(kernelEnd) + pageSizeMinus1) & ^pageSizeMinus1

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
		end := (region.PhysAddress + region.Length) & ^pageSizeMinus1

		// If the kernel image sits inside this region, keep the larger of
		// the two pieces on either side of it.
		if uint64(kernelStart) >= start && uint64(kernelStart) < end {
			below := uint64(kernelStart) &^ pageSizeMinus1
			if below-start >= end-kernelEndAligned {
				end = below
			} else {
				start = kernelEndAligned
			}
		}

		if end > start && end-start > bestSize {
			bestBase, bestSize = uintptr(start), end-start
		}
		return true
	})

	return bestBase, mem.Size(bestSize)
}
