package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/pmm"
)

// FrameAllocatorFn is used by the vmm package whenever it needs a fresh
// physical frame to back a new intermediate page table. It is supplied by
// the kernel bring-up code once the frame allocator is initialized.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	// frameAllocator backs installTable's calls for fresh page-table frames.
	// It panics if invoked before SetFrameAllocator is called, which can only
	// happen if Map is reached before the frame allocator is initialized.
	frameAllocator FrameAllocatorFn = func() (pmm.Frame, *kernel.Error) {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "frame allocator not set"})
		return pmm.InvalidFrame, nil
	}

	// rootTable holds the physical address of the currently active top-level
	// page table (PML4 on amd64). Since FA identity-maps all of physical
	// memory, this address also works as a pointer to the table's contents.
	rootTable uintptr

	// switchPDTFn, flushTLBFn and panicFn indirect through the asm-backed cpu
	// package (and kfmt.Panic's fatal halt) so tests can run this package's
	// Map/Unmap logic without a real CR3 or TLB.
	switchPDTFn = cpu.SwitchPDT
	flushTLBFn  = cpu.FlushTLBEntry
	panicFn     = kfmt.Panic
)

// SetFrameAllocator registers the function used to source new page-table
// frames. It must be called once, after the frame allocator is up and
// before the first call to Map.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetRootTable records physAddr as the physical address of the active
// top-level page table and activates it via cpu.SwitchPDT. Init does not go
// through it: Init records the bootloader-provided PML4 (located via
// cpu.ActivePDT) without reloading CR3.
func SetRootTable(physAddr uintptr) {
	rootTable = physAddr
	switchPDTFn(physAddr)
}

// RootTable returns the physical address of the currently active top-level
// page table.
func RootTable() uintptr {
	return rootTable
}

// Map establishes a mapping from the page containing virtAddr to the frame
// containing physAddr, applying flags to the leaf entry in addition to
// FlagPresent. Map fails fatally via kfmt.Panic if the target page already
// has a present mapping; callers must Unmap first. Intermediate tables
// missing along the walk are allocated and CAS-installed on demand.
func Map(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	entry, err := getEntry(virtAddr, true)
	if err != nil {
		return err
	}

	if entry.HasFlags(FlagPresent) {
		panicFn(ErrAlreadyMapped)
		return nil
	}

	entry.SetFrame(pmm.FrameFromAddress(physAddr))
	entry.SetFlags(flags | FlagPresent)

	flushTLBFn(virtAddr)
	return nil
}

// MapVolatile behaves like Map but additionally sets FlagNoCache and
// FlagWriteThrough, the flag combination required for mappings that back
// memory-mapped I/O registers (e.g. the local APIC's MMIO page) where
// caching would hide writes performed by the device.
func MapVolatile(virtAddr, physAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	return Map(virtAddr, physAddr, flags|FlagNoCache|FlagWriteThrough)
}

// Unmap clears the mapping for the page containing virtAddr. It is a no-op
// if the page is not currently mapped.
func Unmap(virtAddr uintptr) *kernel.Error {
	entry, err := getEntry(virtAddr, false)
	if err != nil {
		return err
	}
	if entry == nil || !entry.HasFlags(FlagPresent) {
		return nil
	}

	*entry = pageTableEntry(0)
	flushTLBFn(virtAddr)
	return nil
}
