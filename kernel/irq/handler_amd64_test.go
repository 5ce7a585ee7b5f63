package irq

import (
	"bytes"
	"strings"
	"testing"

	"corekernel/kernel/cpu"
	"corekernel/kernel/kfmt"
)

func TestDispatchException(t *testing.T) {
	defer func() {
		exceptionHandlers[Breakpoint] = nil
		haltFn = cpu.Halt
	}()

	var (
		gotFrame *Frame
		gotRegs  *Regs
		frame    Frame
		regs     Regs
	)

	HandleException(Breakpoint, func(f *Frame, r *Regs) {
		gotFrame, gotRegs = f, r
	})

	DispatchException(Breakpoint, &frame, &regs)
	if gotFrame != &frame || gotRegs != &regs {
		t.Fatal("expected the registered handler to receive the dispatched frame and regs")
	}
}

func TestDispatchExceptionWithCode(t *testing.T) {
	defer func() {
		exceptionCodeHandlers[PageFaultException] = nil
	}()

	var gotCode uint64
	HandleExceptionWithCode(PageFaultException, func(code uint64, _ *Frame, _ *Regs) {
		gotCode = code
	})

	DispatchExceptionWithCode(PageFaultException, 0xb00, &Frame{}, &Regs{})
	if gotCode != 0xb00 {
		t.Fatalf("expected handler to receive error code 0xb00; got 0x%x", gotCode)
	}
}

func TestDispatchIRQ(t *testing.T) {
	defer func() {
		irqHandlers[TimerVector] = nil
	}()

	var callCount int
	HandleIRQ(TimerVector, func(_ *Frame, _ *Regs) {
		callCount++
	})

	DispatchIRQ(TimerVector, &Frame{}, &Regs{})
	if callCount != 1 {
		t.Fatalf("expected the registered handler to be invoked once; got %d", callCount)
	}

	// Vectors with no registered handler are ignored.
	DispatchIRQ(AbortVector, &Frame{}, &Regs{})
}

func TestDispatchUnhandledException(t *testing.T) {
	var buf bytes.Buffer
	defer func() {
		kfmt.SetOutputSink(nil)
		haltFn = cpu.Halt
	}()
	kfmt.SetOutputSink(&buf)

	var halted bool
	haltFn = func() { halted = true }

	DispatchException(DoubleFault, &Frame{RIP: 0xbadc0de}, &Regs{})

	if !halted {
		t.Fatal("expected an unhandled exception to halt the CPU")
	}
	if !strings.Contains(buf.String(), "unhandled exception 8") {
		t.Fatalf("expected a dump of the unhandled exception; got %q", buf.String())
	}
}
