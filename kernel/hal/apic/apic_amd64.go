// Package apic drives the local x2APIC: MSR-mode enablement, EOI, IPI
// issuance (including the INIT-SIPI-SIPI sequence that wakes the application
// processors) and the per-CPU periodic preemption timer.
package apic

import (
	"sync/atomic"

	"corekernel/kernel"
	"corekernel/kernel/cpu"
	"corekernel/kernel/irq"
	"corekernel/kernel/kfmt"
)

// x2APIC MSR addresses.
const (
	msrAPICBase  = uint32(0x1b)
	msrAPICID    = uint32(0x802)
	msrEOI       = uint32(0x80b)
	msrSIVR      = uint32(0x80f)
	msrICR       = uint32(0x830)
	msrLVTTimer  = uint32(0x832)
	msrInitCount = uint32(0x838)
	msrCurCount  = uint32(0x839)
	msrDivConf   = uint32(0x83e)
)

const (
	// apicBaseX2Enable is bits 10-11 of IA32_APIC_BASE: APIC globally
	// enabled and in x2APIC (MSR) mode.
	apicBaseX2Enable = uint64(0b11 << 10)

	// sivrValue software-enables the APIC and routes spurious interrupts
	// to vector 0xff.
	sivrValue = uint64(1<<8 | 0xff)

	// ICR values for the IPIs this kernel sends: an INIT broadcast, a SIPI
	// broadcast (low byte carries the real-mode entry vector) and an NMI
	// broadcast used as the all-CPUs abort signal.
	icrInitBroadcast  = uint64(0xc4500)
	icrSIPIBroadcast  = uint64(0xc4600)
	icrAbortBroadcast = uint64(0xc403c)

	// lvtTimerPeriodic selects periodic mode in IA32_X2APIC_LVT_TIMER.
	lvtTimerPeriodic = uint64(1 << 17)

	// divConfBy16 divides the bus clock by 16 before it feeds the timer.
	divConfBy16 = uint64(3)

	// timerIntervalMicros is the preemption tick interval.
	timerIntervalMicros = 25000
)

var (
	errNoX2APIC = &kernel.Error{Module: "apic", Message: "CPU does not support x2APIC mode"}

	// The MSR, port and delay accessors are indirected so the driver's
	// register sequences can be unit-tested against a recorded fake.
	readMSRFn     = cpu.ReadMSR
	writeMSRFn    = cpu.WriteMSR
	portReadFn    = cpu.PortReadByte
	portWriteFn   = cpu.PortWriteByte
	hasX2APICFn   = cpu.HasX2APIC
	delayMicrosFn = DelayMicros
	panicFn       = kfmt.Panic

	// timerTicksPerInterval caches the boot CPU's PIT-based calibration of
	// the APIC timer so the APs can program their timers without redoing
	// the (slow) calibration.
	timerTicksPerInterval uint64
)

// Enable switches the calling CPU's local APIC into x2APIC mode, masks the
// legacy 8259 PIC and software-enables the APIC. It panics if the CPU lacks
// x2APIC support; the kernel requires it. Safe to call on every CPU; CPUs
// whose APIC is already in x2APIC mode skip the base MSR write.
func Enable() {
	if !hasX2APICFn() {
		panicFn(errNoX2APIC)
		return
	}

	base := readMSRFn(msrAPICBase)
	if base&apicBaseX2Enable != apicBaseX2Enable {
		writeMSRFn(msrAPICBase, base|apicBaseX2Enable)
	}

	// Mask every line of both legacy 8259 PICs so only APIC-delivered
	// interrupts reach this CPU.
	portWriteFn(0xa1, 0xff)
	portWriteFn(0x21, 0xff)

	writeMSRFn(msrEOI, 0)
	writeMSRFn(msrSIVR, sivrValue)
}

// LocalID returns the x2APIC id of the calling CPU.
func LocalID() uint32 {
	return uint32(readMSRFn(msrAPICID))
}

// EOI signals end-of-interrupt to the local APIC, re-arming it for the next
// interrupt delivery.
func EOI() {
	writeMSRFn(msrEOI, 0)
}

// BroadcastAbort sends an NMI to every other CPU. It is invoked from the
// fatal exception handlers so a fault on one CPU halts the whole machine.
func BroadcastAbort() {
	writeMSRFn(msrICR, icrAbortBroadcast)
}

// InitBroadcast wakes the application processors with the INIT-SIPI-SIPI
// sequence. entryPoint is the physical address of the real-mode trampoline;
// its page number becomes the SIPI vector, so it must lie below 1MiB and be
// page-aligned.
func InitBroadcast(entryPoint uintptr) {
	vector := uint64(entryPoint>>12) & 0xff

	writeMSRFn(msrICR, icrInitBroadcast)
	delayMicrosFn(10000)
	writeMSRFn(msrICR, icrSIPIBroadcast|vector)
	delayMicrosFn(200)
	writeMSRFn(msrICR, icrSIPIBroadcast|vector)
}

// StartTimer programs the calling CPU's APIC timer to raise the scheduler's
// preemption vector periodically. The first caller (the boot CPU) calibrates
// the timer frequency against the PIT; later callers reuse the cached
// calibration.
func StartTimer() {
	writeMSRFn(msrDivConf, divConfBy16)

	ticks := atomic.LoadUint64(&timerTicksPerInterval)
	if ticks == 0 {
		writeMSRFn(msrInitCount, 0xffffffff)
		delayMicrosFn(timerIntervalMicros)
		ticks = 0xffffffff - readMSRFn(msrCurCount)
		atomic.StoreUint64(&timerTicksPerInterval, ticks)
	}

	writeMSRFn(msrLVTTimer, lvtTimerPeriodic|uint64(irq.TimerVector))
	writeMSRFn(msrInitCount, ticks)
}

// DelayMicros spins for the given number of microseconds using PIT channel 2
// in one-shot mode. It is only used on the slow paths (AP wakeup, timer
// calibration); nothing latency-sensitive should ever call it.
func DelayMicros(microseconds uint64) {
	// Gate channel 2 via the speaker control port without enabling the
	// speaker output itself.
	gate := portReadFn(0x61)
	gate &= 0x0d
	gate |= 0x01
	portWriteFn(0x61, gate)

	// Channel 2, lobyte/hibyte access, mode 0 (interrupt on terminal count).
	portWriteFn(0x43, 0xb0)

	latch := 1193182 * microseconds / 1000000
	portWriteFn(0x42, uint8(latch&0xff))
	portWriteFn(0x42, uint8((latch>>8)&0xff))

	for portReadFn(0x61)&0x20 == 0 {
	}

	gate = portReadFn(0x61)
	gate &= 0x0c
	portWriteFn(0x61, gate)
}
