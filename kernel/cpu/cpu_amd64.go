package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// PortReadByte reads a byte from the given I/O port.
func PortReadByte(port uint16) uint8

// PortWriteByte writes a byte to the given I/O port.
func PortWriteByte(port uint16, val uint8)

// ReadMSR returns the 64-bit value of the model-specific register addressed
// by msr (RDMSR).
func ReadMSR(msr uint32) uint64

// WriteMSR writes value to the model-specific register addressed by msr
// (WRMSR).
func WriteMSR(msr uint32, value uint64)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// HasX2APIC reports whether the running CPU supports the x2APIC mode
// (CPUID.01H:ECX bit 21).
func HasX2APIC() bool {
	_, _, ecx, _ := cpuidFn(1)
	return ecx&(1<<21) != 0
}

// msrX2APICID is the MSR address of IA32_X2APIC_APICID, the register that
// reports the logical id of the CPU currently executing the read.
const msrX2APICID = 0x802

// readMSRFn indirects ReadMSR so tests can fake APICID() without a real
// x2APIC.
var readMSRFn = ReadMSR

// APICID returns the logical id of the CPU executing the call, read
// straight from the local x2APIC. cpulocal and the scheduler use this as
// the index into their per-CPU slots.
func APICID() int {
	return int(readMSRFn(msrX2APICID))
}
