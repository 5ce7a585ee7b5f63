// Package kmain contains the kernel entry point and the bring-up sequence
// that wires the memory, interrupt and scheduling subsystems together.
package kmain

import (
	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/goruntime"
	"corekernel/kernel/hal/apic"
	"corekernel/kernel/hal/multiboot"
	"corekernel/kernel/irq"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/pmm/allocator"
	"corekernel/kernel/mem/vmm"
	"corekernel/kernel/sched"
	"corekernel/kernel/sched/thread"
	"corekernel/kernel/smp"
)

// maxCPUs bounds how many logical CPUs the scheduler's per-CPU slots are
// sized for. smp.Bootstrap wakes every AP regardless of this bound; a CPU
// whose APIC id is past it grows the slots on its first access.
const maxCPUs = 32

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// The bring-up steps are indirected so TestKmainSequence can verify
	// their ordering without real hardware underneath.
	allocInitFn     = allocator.Init
	vmmInitFn       = vmm.Init
	goruntimeInitFn = goruntime.Init
	apicEnableFn    = apic.Enable
	apicTimerFn     = apic.StartTimer
	smpBootstrapFn  = smp.Bootstrap
	scheduleFn      = scheduleBootCPU
	panicFn         = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
	} else if err = vmmInitFn(); err != nil {
		panicFn(err)
	}

	// The Go runtime's memory hooks pull frames through vmm, so the frame
	// allocator must be wired in before goruntime.Init fires mallocinit.
	vmm.SetFrameAllocator(allocator.AllocFrame)

	if err = goruntimeInitFn(); err != nil {
		panicFn(err)
	}

	heap.SetFrameAllocator(allocator.AllocPages, allocator.DeallocPages)
	thread.SetStackAllocator(allocator.AllocStack)
	thread.SetExitHandler(func(t *thread.Thread, _ uintptr) { sched.OnThreadExit(t) })
	sched.SetEOIHandler(apic.EOI)

	installTrapHandlers()

	apicEnableFn()
	sched.InitCPUs(maxCPUs)
	smp.RegisterBootCPU()
	smpBootstrapFn()

	apicTimerFn()
	scheduleFn()

	panicFn(errKmainReturned)
}

// scheduleBootCPU hands the boot CPU to the scheduler. The first Schedule
// call wraps the stack Kmain is running on in a bootstrap thread, so from
// here on the boot CPU time-slices like any AP.
func scheduleBootCPU() {
	sched.Schedule()
}

// installTrapHandlers registers the fatal exception handlers and the timer
// and abort vectors. A fatal fault on any CPU dumps its state, pulls every
// other CPU down via an NMI broadcast and halts.
func installTrapHandlers() {
	irq.HandleException(irq.Breakpoint, func(frame *irq.Frame, regs *irq.Regs) {
		kfmt.Printf("breakpoint hit:\n")
		frame.Print()
		regs.Print()
	})

	irq.HandleExceptionWithCode(irq.DoubleFault, func(code uint64, frame *irq.Frame, regs *irq.Regs) {
		fatalFault("double fault", code, frame, regs)
	})

	irq.HandleExceptionWithCode(irq.GPFException, func(code uint64, frame *irq.Frame, regs *irq.Regs) {
		fatalFault("general protection fault", code, frame, regs)
	})

	irq.HandleExceptionWithCode(irq.PageFaultException, func(code uint64, frame *irq.Frame, regs *irq.Regs) {
		kfmt.Printf("page fault accessing 0x%x\n", cpu.ReadCR2())
		fatalFault("page fault", code, frame, regs)
	})

	irq.HandleIRQ(irq.TimerVector, func(_ *irq.Frame, _ *irq.Regs) {
		sched.Schedule()
	})

	irq.HandleIRQ(irq.AbortVector, func(_ *irq.Frame, _ *irq.Regs) {
		cpu.DisableInterrupts()
		cpu.Halt()
	})
}

func fatalFault(what string, code uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("%s (error code %x)\n", what, code)
	frame.Print()
	regs.Print()
	apic.BroadcastAbort()
	cpu.Halt()
}
