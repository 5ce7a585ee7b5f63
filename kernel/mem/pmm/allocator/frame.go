package allocator

import (
	"sync/atomic"

	"corekernel/kernel"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/mem/vmm"
)

// kernelVirtualBase is the fixed virtual address FREE_ADDRESS starts at.
// It sits well above any identity-mapped physical range so AllocMultiple's
// mappings can never alias a frame still reachable through the identity
// map.
const kernelVirtualBase = uintptr(0xffff800000000000)

var (
	errFrameAllocOutOfMemory = &kernel.Error{Module: "frame_alloc", Message: "out of physical memory"}

	// panicFn lets tests observe the fatal-OOM path without halting.
	panicFn = kfmt.Panic

	// mapFn and unmapFn indirect through vmm so tests can exercise
	// AllocMultiple/AllocStack without a real page table or MMU.
	mapFn   = vmm.Map
	unmapFn = vmm.Unmap
)

// FrameAllocator is the bitmap-backed physical frame allocator. It owns
// the region [base, upper) of identity-mapped physical RAM; a Bitmap with one
// bit per frame sits at base, and the frames from availableBase (the first
// page boundary after the bitmap) up to upper are handed out.
type FrameAllocator struct {
	bitmap pmm.Bitmap

	// availableBase is the physical (== virtual, identity map) address of
	// the first frame available for allocation, directly following the
	// bitmap itself.
	availableBase uintptr

	// upper is the exclusive upper bound of the managed region.
	upper uintptr

	// freeAddress is FREE_ADDRESS: a monotonic virtual cursor consumed by
	// AllocMultiple/AllocStack, advanced with a single atomic fetch-add per
	// call so concurrent callers never collide on the same range.
	freeAddress uint64
}

// Init carves a Bitmap out of the start of [base, base+len) and configures
// the allocator to hand out the frames that follow it. base and len must be
// frame-aligned; the caller (kmain) is expected to source this region from
// the boot allocator's memory map walk.
func (fa *FrameAllocator) Init(base uintptr, len mem.Size) {
	numFrames := uint64(len) / uint64(mem.PageSize)
	bitmapBytes := (numFrames + 7) / 8
	bitmapFrames := (uintptr(bitmapBytes) + uintptr(mem.PageSize) - 1) >> mem.PageShift

	fa.bitmap.InitBitmap(base, numFrames)
	fa.availableBase = base + bitmapFrames<<mem.PageShift
	fa.upper = base + uintptr(len)
	fa.freeAddress = uint64(kernelVirtualBase)
}

// Alloc reserves and returns a single physical frame. It fails fatally
// (kfmt.Panic) if the managed region is exhausted: the kernel has no swap
// and no caller-recoverable OOM path.
func (fa *FrameAllocator) Alloc() pmm.Frame {
	pos, ok := fa.bitmap.FindAndSetFirstUnused()
	if !ok {
		panicFn(errFrameAllocOutOfMemory)
		return pmm.InvalidFrame
	}

	addr := fa.availableBase + uintptr(pos)*uintptr(mem.PageSize)
	if addr >= fa.upper {
		panicFn(errFrameAllocOutOfMemory)
		return pmm.InvalidFrame
	}

	return pmm.FrameFromAddress(addr)
}

// AllocFrame adapts Alloc to vmm.FrameAllocatorFn so the allocator can be
// wired in via vmm.SetFrameAllocator.
func (fa *FrameAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return fa.Alloc(), nil
}

// Dealloc releases the physical frame at paddr, clearing its bit.
func (fa *FrameAllocator) Dealloc(paddr uintptr) {
	pos := (paddr - fa.availableBase) >> mem.PageShift
	fa.bitmap.Set(uint64(pos), false)
}

// AllocContiguous reserves n physically contiguous frames and returns the
// base address, or 0 if the bitmap could not locate a run of n consecutive
// free bits. Unlike Alloc/AllocMultiple, which hand out individually
// bit-scanned (not necessarily adjacent) frames, this backs HA's arena and
// huge-block paths, which need a single contiguous run to format as one
// object. The scan is best-effort single-pass and not lock-free against a
// concurrent allocator racing into the same run; HA serializes arena
// creation well enough in practice that contention here is rare.
func (fa *FrameAllocator) AllocContiguous(n uint) uintptr {
	if n == 1 {
		frame := fa.Alloc()
		if !frame.Valid() {
			return 0
		}
		return frame.Address()
	}

	total := (fa.upper - fa.availableBase) >> mem.PageShift
	run := uint(0)
	runStart := uint64(0)

	for pos := uint64(0); pos < uint64(total); pos++ {
		if fa.bitmap.Get(pos) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = pos
		}
		run++
		if uint(run) == n {
			for i := uint64(0); i < uint64(n); i++ {
				fa.bitmap.Set(runStart+i, true)
			}
			return fa.availableBase + uintptr(runStart)*uintptr(mem.PageSize)
		}
	}

	return 0
}

// DeallocContiguous releases n frames starting at base, the inverse of
// AllocContiguous.
func (fa *FrameAllocator) DeallocContiguous(base uintptr, n uint) {
	for i := uint(0); i < n; i++ {
		fa.Dealloc(base + uintptr(i)*uintptr(mem.PageSize))
	}
}

// AllocMultiple reserves n consecutive virtual pages starting at a fresh
// slice of FREE_ADDRESS, backing each with a freshly allocated physical
// frame mapped in via vmm.Map, and returns the base virtual address.
func (fa *FrameAllocator) AllocMultiple(n uint) uintptr {
	base := uintptr(atomic.AddUint64(&fa.freeAddress, uint64(n)*uint64(mem.PageSize)) - uint64(n)*uint64(mem.PageSize))

	for i := uint(0); i < n; i++ {
		v := base + uintptr(i)*uintptr(mem.PageSize)
		frame := fa.Alloc()
		if err := mapFn(v, frame.Address(), vmm.FlagRW); err != nil {
			panicFn(err)
			return 0
		}
	}

	return base
}

// AllocStack reserves n+1 pages via AllocMultiple and unmaps the lowest one
// to act as a guard page, returning the address of the top of the stack
// (the first byte past the highest mapped page).
func (fa *FrameAllocator) AllocStack(n uint) uintptr {
	base := fa.AllocMultiple(n + 1)

	if err := unmapFn(base); err != nil {
		panicFn(err)
		return 0
	}

	return base + uintptr(n+1)*uintptr(mem.PageSize)
}
