// Package heap implements the kernel's slab-style general purpose
// allocator: a singly linked list of per-page arenas, each carved into
// variable-sized free blocks, plus a huge-block fast path for allocations
// that don't fit a single page. It sits directly atop allocator.FrameAllocator
// (FA). The Go runtime's own allocator does not go through it: goruntime maps
// frames from FA itself.
package heap

import (
	"sync/atomic"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem"
	ksync "corekernel/kernel/sync"
)

const (
	// magicWord marks a live blockHeader; Free asserts it on every call
	// and treats a mismatch as heap corruption (fatal).
	magicWord = uint32(0xDEADBEEF)

	// minPayload is the smallest usable payload size; splitting a block
	// is refused if the leftover would be smaller than header+minPayload.
	minPayload = 8

	// maxFastPath is the largest request the arena free lists serve;
	// anything bigger takes the huge path straight to FA.
	maxFastPath = 3072

	// payloadAlign is the alignment guaranteed to every returned pointer.
	payloadAlign = 16
)

var errCorruptHeap = &kernel.Error{Module: "heap", Message: "corrupted block header (magic mismatch)"}

// blockHeader precedes every heap block's payload, whether the block lives
// in an arena's free list or has been handed out to a caller.
type blockHeader struct {
	magic  uint32
	length uint32 // payload length in bytes
	free   bool
	arena  *arenaHeader // nil for huge (multi-page) blocks
	next   *blockHeader // free-list link; unused once allocated
}

var blockHeaderSize = roundUp16(uintptr(unsafe.Sizeof(blockHeader{})))

// arenaHeader sits at the start of the 4KiB frame FA hands HA; the rest of
// the frame starts out as a single free block.
type arenaHeader struct {
	next uintptr // atomic pointer to the next arenaHeader, 0 if tail
	mu   ksync.Spinlock
	free *blockHeader // head of the address-sorted free list
}

var arenaHeaderSize = roundUp16(uintptr(unsafe.Sizeof(arenaHeader{})))

var (
	// arenasHead is HA.arenas: an atomic pointer to the first arena.
	arenasHead uintptr

	// frameAllocFn and frameDeallocFn source/release the physical pages
	// arenas and huge blocks are carved from.
	frameAllocFn   = defaultFrameAlloc
	frameDeallocFn = defaultFrameDealloc

	// panicFn lets tests observe the fatal paths (OOM, corruption)
	// without halting the process.
	panicFn = kfmt.Panic
)

// defaultFrameAlloc/defaultFrameDealloc are overwritten by kmain once the
// real FrameAllocator singleton exists; until then any call panics loudly
// rather than silently misbehaving.
func defaultFrameAlloc(pages uint) uintptr {
	panicFn(&kernel.Error{Module: "heap", Message: "frame allocator not wired"})
	return 0
}

func defaultFrameDealloc(addr uintptr, pages uint) {
	panicFn(&kernel.Error{Module: "heap", Message: "frame allocator not wired"})
}

// SetFrameAllocator wires the function HA uses to obtain (and release)
// contiguous physical pages. allocFn must return the identity-mapped
// virtual==physical base address of pages contiguous pages, or 0 on OOM.
func SetFrameAllocator(allocFn func(pages uint) uintptr, deallocFn func(addr uintptr, pages uint)) {
	frameAllocFn = allocFn
	frameDeallocFn = deallocFn
}

func roundUp16(n uintptr) uintptr {
	return (n + payloadAlign - 1) &^ (payloadAlign - 1)
}

// Alloc reserves a block able to hold at least length bytes and returns the
// address of its 16-byte-aligned payload.
func Alloc(length uint32) uintptr {
	if length > maxFastPath {
		return allocHuge(length)
	}

	payload := uint32(roundUp16(uintptr(length)))
	if payload < minPayload {
		payload = uint32(roundUp16(minPayload))
	}

	for {
		if addr, ok := tryAllocFromArenas(payload); ok {
			return addr
		}

		appendArena(newArena())
	}
}

func tryAllocFromArenas(payload uint32) (uintptr, bool) {
	arenaAddr := atomic.LoadUintptr(&arenasHead)
	for arenaAddr != 0 {
		a := (*arenaHeader)(unsafe.Pointer(arenaAddr))

		a.mu.Acquire()
		blk := findFit(a, payload)
		if blk != nil {
			unlinkAndSplit(a, blk, payload)
			a.mu.Release()
			return payloadAddr(blk), true
		}
		a.mu.Release()

		arenaAddr = atomic.LoadUintptr(&a.next)
	}

	return 0, false
}

// findFit returns the first free block in a whose length is >= payload,
// assuming the caller already holds a.mu.
func findFit(a *arenaHeader, payload uint32) *blockHeader {
	for blk := a.free; blk != nil; blk = blk.next {
		checkMagic(blk)
		if blk.length >= payload {
			return blk
		}
	}
	return nil
}

// unlinkAndSplit removes blk from a's free list, splitting off a new free
// block from the leftover space if it is large enough to be independently
// useful. The caller must hold a.mu.
func unlinkAndSplit(a *arenaHeader, blk *blockHeader, payload uint32) {
	removeFromFreeList(a, blk)

	leftover := blk.length - payload
	if leftover >= uint32(blockHeaderSize)+minPayload {
		splitAddr := payloadAddr(blk) + uintptr(payload)
		split := (*blockHeader)(unsafe.Pointer(splitAddr))
		split.magic = magicWord
		split.length = leftover - uint32(blockHeaderSize)
		split.free = true
		split.arena = a
		blk.length = payload

		insertFreeBlock(a, split)
	}

	blk.free = false
	blk.next = nil
}

func removeFromFreeList(a *arenaHeader, blk *blockHeader) {
	if a.free == blk {
		a.free = blk.next
		return
	}
	for cur := a.free; cur != nil; cur = cur.next {
		if cur.next == blk {
			cur.next = blk.next
			return
		}
	}
}

// insertFreeBlock inserts blk into a's free list keeping it sorted by
// address ascending. The caller must hold a.mu.
func insertFreeBlock(a *arenaHeader, blk *blockHeader) {
	blk.free = true
	blkAddr := uintptr(unsafe.Pointer(blk))

	if a.free == nil || uintptr(unsafe.Pointer(a.free)) > blkAddr {
		blk.next = a.free
		a.free = blk
		return
	}

	cur := a.free
	for cur.next != nil && uintptr(unsafe.Pointer(cur.next)) < blkAddr {
		cur = cur.next
	}
	blk.next = cur.next
	cur.next = blk
}

// newArena allocates a fresh page from FA and formats it as a single free
// block spanning the page minus the arena and block headers.
func newArena() *arenaHeader {
	frame := frameAllocFn(1)
	if frame == 0 {
		panicFn(&kernel.Error{Module: "heap", Message: "out of memory allocating arena"})
		return nil
	}

	a := (*arenaHeader)(unsafe.Pointer(frame))
	a.next = 0
	a.free = nil

	blk := (*blockHeader)(unsafe.Pointer(frame + arenaHeaderSize))
	blk.magic = magicWord
	blk.length = uint32(uintptr(mem.PageSize) - arenaHeaderSize - blockHeaderSize)
	blk.arena = a
	insertFreeBlock(a, blk)

	return a
}

// appendArena CAS-appends a onto the tail of the arenas list, retrying
// against concurrent appenders.
func appendArena(a *arenaHeader) {
	addr := uintptr(unsafe.Pointer(a))

	for {
		head := atomic.LoadUintptr(&arenasHead)
		if head == 0 {
			if atomic.CompareAndSwapUintptr(&arenasHead, 0, addr) {
				return
			}
			continue
		}

		tail := (*arenaHeader)(unsafe.Pointer(head))
		for {
			next := atomic.LoadUintptr(&tail.next)
			if next == 0 {
				if atomic.CompareAndSwapUintptr(&tail.next, 0, addr) {
					return
				}
				break // lost the race for this tail; restart from arenasHead
			}
			tail = (*arenaHeader)(unsafe.Pointer(next))
		}
	}
}

// allocHuge serves a request over maxFastPath directly from FA: it formats
// a standalone block header (arena=nil) at the base of ceil((len+hdr)/page)
// contiguous pages.
func allocHuge(length uint32) uintptr {
	total := uintptr(blockHeaderSize) + uintptr(length)
	pages := uint((total + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize))

	base := frameAllocFn(pages)
	if base == 0 {
		panicFn(&kernel.Error{Module: "heap", Message: "out of memory allocating huge block"})
		return 0
	}

	blk := (*blockHeader)(unsafe.Pointer(base))
	blk.magic = magicWord
	blk.length = length
	blk.free = false
	blk.arena = nil
	blk.next = nil

	return payloadAddr(blk)
}

// Free releases a block previously returned by Alloc.
func Free(ptr uintptr) {
	blk := headerFromPayload(ptr)
	checkMagic(blk)

	if blk.arena == nil {
		total := uintptr(blockHeaderSize) + uintptr(blk.length)
		pages := uint((total + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize))
		frameDeallocFn(uintptr(unsafe.Pointer(blk)), pages)
		return
	}

	a := blk.arena
	a.mu.Acquire()
	insertFreeBlock(a, blk)
	a.mu.Release()
}

func checkMagic(blk *blockHeader) {
	if blk.magic != magicWord {
		panicFn(errCorruptHeap)
	}
}

func payloadAddr(blk *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(blk)) + blockHeaderSize
}

func headerFromPayload(ptr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(ptr - blockHeaderSize))
}
