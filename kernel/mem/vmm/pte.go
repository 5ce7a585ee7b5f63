package vmm

import (
	"sync/atomic"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is the fatal error Map panics with when the target
	// page already has a present mapping; callers must Unmap first.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrHugePage is returned when a page table walk traverses an entry
	// flagged as a huge page; huge pages are not supported by this editor.
	ErrHugePage = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// getEntry walks the active page table for virtAddr and returns the leaf
// (L1) entry. If an intermediate level is not present and create is false,
// it returns (nil, nil). If create is true, a fresh table frame is
// allocated from the registered FrameAllocatorFn and CAS-installed in the
// missing slot; concurrent installers converge on a single winner and the
// loser's frame is simply never referenced again (tables are never freed).
func getEntry(virtAddr uintptr, create bool) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(rootTable, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = ErrHugePage
			entry = nil
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			if !create {
				entry = nil
				return false
			}

			if installErr := installTable(pte); installErr != nil {
				err = installErr
				entry = nil
				return false
			}
		}

		return true
	})

	return entry, err
}

// installTable allocates a fresh page-table frame from the registered frame
// allocator, zeroes it and CAS-installs it into pte with present|writable
// flags. If another CPU wins the race, this CPU's frame is simply left
// unused; table pages are never freed so this is not a leak in the
// use-after-free sense, just wasted memory.
func installTable(pte *pageTableEntry) *kernel.Error {
	frame, err := frameAllocator()
	if err != nil {
		return err
	}

	var newEntry pageTableEntry
	newEntry.SetFrame(frame)
	newEntry.SetFlags(FlagPresent | FlagRW)

	if atomic.CompareAndSwapUintptr((*uintptr)(unsafe.Pointer(pte)), 0, uintptr(newEntry)) {
		kernel.Memset(frame.Address(), 0, uintptr(mem.PageSize))
	}

	return nil
}
