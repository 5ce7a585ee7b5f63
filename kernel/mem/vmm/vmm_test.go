package vmm

import (
	"testing"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

// testArena backs the fake frame allocator used by this file's tests: a
// page-aligned Go byte slice stands in for physical memory, since the test
// process cannot map arbitrary physical addresses. Frames are handed out by
// bumping a cursor; nothing is ever freed, which matches how these tests
// use the arena (one page table tree per test).
type testArena struct {
	buf  []byte
	next uintptr
	end  uintptr
}

func newTestArena(t *testing.T, pages int) *testArena {
	t.Helper()

	size := uintptr(pages+1) * uintptr(mem.PageSize)
	buf := make([]byte, size)

	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)

	return &testArena{buf: buf, next: aligned, end: aligned + uintptr(pages)*uintptr(mem.PageSize)}
}

func (a *testArena) allocFrame() (pmm.Frame, *kernel.Error) {
	if a.next >= a.end {
		return pmm.InvalidFrame, &kernel.Error{Module: "vmmtest", Message: "arena exhausted"}
	}

	addr := a.next
	a.next += uintptr(mem.PageSize)
	return pmm.FrameFromAddress(addr), nil
}

// setupVMM wires a fresh root table and frame allocator backed by a
// dedicated arena, returning the arena so tests can hand out additional
// frames for the physAddr side of Map calls.
func setupVMM(t *testing.T, pages int) *testArena {
	t.Helper()

	arena := newTestArena(t, pages)
	SetFrameAllocator(arena.allocFrame)

	origFlush := flushTLBFn
	t.Cleanup(func() { flushTLBFn = origFlush })
	flushTLBFn = func(uintptr) {}

	rootFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocating root table frame: %v", err)
	}
	kernel.Memset(rootFrame.Address(), 0, uintptr(mem.PageSize))
	SetRootTable(rootFrame.Address())

	return arena
}

func TestMapAndTranslate(t *testing.T) {
	origSwitch := switchPDTFn
	defer func() { switchPDTFn = origSwitch }()
	switchPDTFn = func(uintptr) {}

	arena := setupVMM(t, 64)

	physFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocating target frame: %v", err)
	}

	const virtAddr = uintptr(0x0000000012345000)
	physAddr := physFrame.Address()

	if err := Map(virtAddr, physAddr, FlagRW); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	got, err := Translate(virtAddr)
	if err != nil {
		t.Fatalf("Translate returned error: %v", err)
	}
	if got != physAddr {
		t.Fatalf("expected translated address %#x; got %#x", physAddr, got)
	}
}

func TestTranslateUnmappedReturnsError(t *testing.T) {
	origSwitch := switchPDTFn
	defer func() { switchPDTFn = origSwitch }()
	switchPDTFn = func(uintptr) {}

	setupVMM(t, 16)

	if _, err := Translate(0x1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestUnmap(t *testing.T) {
	origSwitch := switchPDTFn
	defer func() { switchPDTFn = origSwitch }()
	switchPDTFn = func(uintptr) {}

	arena := setupVMM(t, 64)

	physFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocating target frame: %v", err)
	}

	const virtAddr = uintptr(0x0000000012345000)
	if err := Map(virtAddr, physFrame.Address(), FlagRW); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	if err := Unmap(virtAddr); err != nil {
		t.Fatalf("Unmap returned error: %v", err)
	}

	if _, err := Translate(virtAddr); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}
}

func TestMapVolatileSetsNoCache(t *testing.T) {
	origSwitch := switchPDTFn
	defer func() { switchPDTFn = origSwitch }()
	switchPDTFn = func(uintptr) {}

	arena := setupVMM(t, 64)

	physFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocating target frame: %v", err)
	}

	const virtAddr = uintptr(0x00000000abcd1000)
	if err := MapVolatile(virtAddr, physFrame.Address(), FlagRW); err != nil {
		t.Fatalf("MapVolatile returned error: %v", err)
	}

	entry, err := getEntry(virtAddr, false)
	if err != nil {
		t.Fatalf("getEntry returned error: %v", err)
	}
	if !entry.HasFlags(FlagNoCache | FlagWriteThrough) {
		t.Fatal("expected MapVolatile entry to carry FlagNoCache|FlagWriteThrough")
	}
}

func TestMapAlreadyMappedPanics(t *testing.T) {
	origSwitch := switchPDTFn
	defer func() { switchPDTFn = origSwitch }()
	switchPDTFn = func(uintptr) {}

	origPanic := panicFn
	defer func() { panicFn = origPanic }()

	var panicked interface{}
	panicFn = func(e interface{}) { panicked = e }

	arena := setupVMM(t, 64)

	physFrame, err := arena.allocFrame()
	if err != nil {
		t.Fatalf("allocating target frame: %v", err)
	}

	const virtAddr = uintptr(0x0000000055550000)
	if err := Map(virtAddr, physFrame.Address(), FlagRW); err != nil {
		t.Fatalf("Map returned error: %v", err)
	}

	if err := Map(virtAddr, physFrame.Address(), FlagRW); err != nil {
		t.Fatalf("second Map returned error: %v", err)
	}

	if panicked == nil {
		t.Fatal("expected remapping an already-mapped page to invoke panicFn")
	}
}
