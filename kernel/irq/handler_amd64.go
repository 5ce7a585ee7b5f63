package irq

import (
	"corekernel/kernel/cpu"
	"corekernel/kernel/kfmt"
)

// numVectors is the size of the IDT the bring-up assembly installs; every
// registration and dispatch below is bounded by it.
const numVectors = 64

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = ExceptionNum(3)

	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// Vector identifies one of the IDT slots reachable from the raw ISR
// trampolines.
type Vector uint8

const (
	// TimerVector is the local APIC's periodic timer interrupt, the sole
	// preemption source driving the scheduler.
	TimerVector = Vector(32)

	// AbortVector is broadcast via the ICR by a CPU that hit a
	// non-recoverable fault so every other CPU halts too.
	AbortVector = Vector(60)
)

// IRQHandler handles a non-exception interrupt (timer ticks, IPIs). Unlike
// ExceptionHandler it receives no error code and is not expected to resume
// a faulting instruction; it is expected to arrange for EOI itself when it
// wants the controller re-armed (the scheduler does this as part of a
// context switch).
type IRQHandler func(*Frame, *Regs)

// The handler tables below are written during single-CPU bring-up and are
// read-only once interrupts are enabled, so dispatch needs no locking.
var (
	exceptionHandlers     [numVectors]ExceptionHandler
	exceptionCodeHandlers [numVectors]ExceptionHandlerWithCode
	irqHandlers           [numVectors]IRQHandler

	// haltFn indirects cpu.Halt so tests can observe the unhandled-trap
	// path without hanging.
	haltFn = cpu.Halt
)

// HandleException registers an exception handler (without an error code) for
// the given interrupt number.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	exceptionHandlers[exceptionNum] = handler
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	exceptionCodeHandlers[exceptionNum] = handler
}

// HandleIRQ registers handler as the ISR for the given vector, overwriting
// any previously registered handler.
func HandleIRQ(vector Vector, handler IRQHandler) {
	irqHandlers[vector] = handler
}

// DispatchException is invoked by the gate assembly stubs for exception
// vectors that push no error code. An unhandled exception halts the CPU
// after dumping the frame.
func DispatchException(exceptionNum ExceptionNum, frame *Frame, regs *Regs) {
	if handler := exceptionHandlers[exceptionNum]; handler != nil {
		handler(frame, regs)
		return
	}
	unhandledTrap(uint8(exceptionNum), frame, regs)
}

// DispatchExceptionWithCode is invoked by the gate assembly stubs for
// exception vectors that push an error code.
func DispatchExceptionWithCode(exceptionNum ExceptionNum, code uint64, frame *Frame, regs *Regs) {
	if handler := exceptionCodeHandlers[exceptionNum]; handler != nil {
		handler(code, frame, regs)
		return
	}
	unhandledTrap(uint8(exceptionNum), frame, regs)
}

// DispatchIRQ is invoked by the gate assembly stubs for non-exception
// vectors. Unhandled vectors are ignored; spurious interrupts must not
// bring the kernel down.
func DispatchIRQ(vector Vector, frame *Frame, regs *Regs) {
	if handler := irqHandlers[vector]; handler != nil {
		handler(frame, regs)
	}
}

func unhandledTrap(vector uint8, frame *Frame, regs *Regs) {
	kfmt.Printf("unhandled exception %d\n", vector)
	frame.Print()
	regs.Print()
	haltFn()
}
