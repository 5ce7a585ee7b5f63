package allocator

import (
	"sync"
	"testing"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/mem/vmm"
)

func newTestFrameAllocator(t *testing.T, numFrames uint64) *FrameAllocator {
	t.Helper()

	// Reserve enough backing memory for the bitmap plus numFrames pages;
	// the exact layout mirrors what Init derives from base/len.
	bitmapBytes := (numFrames + 7) / 8
	bitmapFrames := (uintptr(bitmapBytes) + uintptr(mem.PageSize) - 1) >> mem.PageShift
	totalPages := bitmapFrames + uintptr(numFrames)

	buf := make([]byte, (totalPages+1)*uintptr(mem.PageSize))
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	var fa FrameAllocator
	fa.Init(aligned, mem.Size(uintptr(totalPages)*uintptr(mem.PageSize)))
	return &fa
}

func TestFrameAllocatorAllocDealloc(t *testing.T) {
	fa := newTestFrameAllocator(t, 16)

	f1 := fa.Alloc()
	f2 := fa.Alloc()
	if f1 == f2 {
		t.Fatalf("expected distinct frames; got %d twice", f1)
	}

	fa.Dealloc(f1.Address())
	f3 := fa.Alloc()
	if f3 != f1 {
		t.Fatalf("expected Dealloc'd frame %d to be reused; got %d", f1, f3)
	}
}

func TestFrameAllocatorOutOfMemoryPanics(t *testing.T) {
	origPanic := panicFn
	defer func() { panicFn = origPanic }()

	var panicked bool
	panicFn = func(e interface{}) { panicked = true }

	fa := newTestFrameAllocator(t, 4)
	for i := 0; i < 4; i++ {
		fa.Alloc()
	}

	if fa.Alloc(); !panicked {
		t.Fatal("expected exhausting the frame pool to invoke panicFn")
	}
}

func TestFrameAllocatorConcurrentAllocDistinct(t *testing.T) {
	fa := newTestFrameAllocator(t, 256)

	var (
		wg      sync.WaitGroup
		results = make([]pmm.Frame, 100)
	)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = fa.Alloc()
		}(i)
	}
	wg.Wait()

	seen := make(map[pmm.Frame]bool, len(results))
	for _, f := range results {
		if seen[f] {
			t.Fatalf("frame %d allocated more than once", f)
		}
		seen[f] = true
	}
}

func TestAllocMultipleAndStack(t *testing.T) {
	origMap, origUnmap := mapFn, unmapFn
	defer func() { mapFn, unmapFn = origMap, origUnmap }()

	mapped := make(map[uintptr]uintptr)
	mapFn = func(v, p uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
		mapped[v] = p
		return nil
	}
	unmapFn = func(v uintptr) *kernel.Error {
		delete(mapped, v)
		return nil
	}

	fa := newTestFrameAllocator(t, 16)

	base := fa.AllocMultiple(3)
	if len(mapped) != 3 {
		t.Fatalf("expected 3 virtual pages mapped; got %d", len(mapped))
	}
	for i := uintptr(0); i < 3; i++ {
		if _, ok := mapped[base+i*uintptr(mem.PageSize)]; !ok {
			t.Fatalf("expected page %d of the range to be mapped", i)
		}
	}

	stackTop := fa.AllocStack(2)
	// AllocStack reserves 3 pages and unmaps the lowest as a guard, so only
	// 2 of them should remain mapped and stackTop must sit 3 pages above
	// the reserved range's base.
	mappedAfterStack := 0
	for v := range mapped {
		if v >= stackTop-3*uintptr(mem.PageSize) && v < stackTop {
			mappedAfterStack++
		}
	}
	if mappedAfterStack != 2 {
		t.Fatalf("expected 2 mapped pages in the stack's range; got %d", mappedAfterStack)
	}
}
