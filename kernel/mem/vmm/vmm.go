package vmm

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
)

// activePDTFn indirects cpu.ActivePDT so Init is testable without access to
// CR3.
var activePDTFn = cpu.ActivePDT

// Init adopts the page table hierarchy the bootloader handed over in CR3 as
// the kernel's root table. The table is already active so no CR3 reload is
// performed; subsequent Map/Unmap calls edit it in place. Per the SMP model,
// only the boot CPU edits page tables after this point.
func Init() *kernel.Error {
	rootTable = activePDTFn()
	return nil
}
