// Package smp wakes the application processors via the INIT-SIPI-SIPI
// sequence and tracks how many CPUs have completed bring-up.
package smp

import (
	"sync/atomic"

	"corekernel/kernel"
	"corekernel/kernel/hal/apic"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/sched"
)

// trampolineAddr is the fixed physical address the real-mode AP entry image
// is copied to. Its page number doubles as the SIPI vector (0x01), so it
// must stay below 1MiB and page-aligned.
const trampolineAddr = uintptr(0x1000)

const (
	// bootstrapWaitMicros bounds how long Bootstrap waits for the APs to
	// check in after the SIPI broadcast.
	bootstrapWaitMicros = 100000

	pollIntervalMicros = 1000
)

var (
	errAPMainReturned = &kernel.Error{Module: "smp", Message: "APMain returned"}

	// cpuCount is the number of CPUs that completed bring-up, the boot CPU
	// included.
	cpuCount uint32

	// The collaborator calls are indirected so Bootstrap and APMain can be
	// exercised without real APICs or a second CPU.
	copyTrampolineFn = copyTrampoline
	broadcastFn      = apic.InitBroadcast
	delayFn          = apic.DelayMicros
	apicEnableFn     = apic.Enable
	startTimerFn     = apic.StartTimer
	scheduleFn       = sched.Schedule
	panicFn          = kfmt.Panic
)

// CPUCount returns the number of CPUs that have completed bring-up.
func CPUCount() int {
	return int(atomic.LoadUint32(&cpuCount))
}

// RegisterBootCPU records the boot CPU in the online count. kmain calls this
// once, before Bootstrap.
func RegisterBootCPU() {
	atomic.StoreUint32(&cpuCount, 1)
}

// Bootstrap copies the real-mode trampoline to its fixed page, broadcasts
// INIT-SIPI-SIPI and gives the APs 100ms to check in through APMain. It
// returns the number of online CPUs; on a uniprocessor machine that is
// simply 1.
func Bootstrap() int {
	copyTrampolineFn()
	broadcastFn(trampolineAddr)

	for waited := 0; waited < bootstrapWaitMicros; waited += pollIntervalMicros {
		delayFn(pollIntervalMicros)
	}

	count := CPUCount()
	kfmt.Printf("smp: %d CPU(s) online\n", count)
	return count
}

// APMain is the Go-side entry point each AP reaches from the trampoline,
// exactly once per AP. It switches the AP's local APIC into x2APIC mode,
// checks the CPU in, starts its preemption timer and hands the CPU to the
// scheduler. It never returns: the first Schedule call switches onto the
// AP's idle thread (or a ready thread, if one is queued) and this bootstrap
// stack is never resumed.
func APMain() {
	apicEnableFn()
	atomic.AddUint32(&cpuCount, 1)
	startTimerFn()
	scheduleFn()

	panicFn(errAPMainReturned)
}

func copyTrampoline() {
	kernel.Memcopy(trampolineStart(), trampolineAddr, mpTrampolineSize)
}

// mpTrampolineSize is the size in bytes of the real-mode entry image; it
// must match the GLOBL directive in trampoline_amd64.s.
const mpTrampolineSize = 32

// trampolineStart returns the address of the real-mode AP entry image
// (implemented in trampoline_amd64.s).
func trampolineStart() uintptr
