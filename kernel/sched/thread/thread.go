// Package thread implements the kernel thread abstraction: a stack-owning
// object with a saved instruction/stack pointer, an entry function,
// running/dead flags and a cold context switch that resumes a thread
// exactly where it last suspended.
package thread

import (
	"sync/atomic"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/kfmt"
)

// stackPages is the number of pages backing each thread's stack.
const stackPages = 3

// Entrypoint is the function a thread runs. Its return value is the value
// logged by the exit trampoline.
type Entrypoint func(arg uintptr) uintptr

var (
	// stackAllocFn sources a thread's stack; it is wired by kmain to
	// allocator.AllocStack once FA is up.
	stackAllocFn = defaultStackAlloc

	// onExitFn is invoked by onThreadExit once entry returns and the thread
	// is marked dead. kmain wires this to a closure that calls
	// sched.OnThreadExit.
	onExitFn func(t *Thread, ret uintptr)

	// panicFn lets tests observe fatal paths without halting.
	panicFn = kfmt.Panic

	// switchFn indirects the asm-backed cold context switch so tests can
	// exercise SwitchTo's running-flag bookkeeping without actually
	// hijacking the host Go runtime's stack — matching the cpuidFn/mapFn/
	// switchPDTFn override-variable idiom used throughout this module.
	switchFn = archSwitch
)

func defaultStackAlloc(pages uint) uintptr {
	panicFn(&kernel.Error{Module: "thread", Message: "stack allocator not wired"})
	return 0
}

// SetStackAllocator registers the function used to obtain a fresh thread
// stack. allocFn must return the top-of-stack address of pages contiguous,
// guard-paged pages (the contract implemented by FA.AllocStack).
func SetStackAllocator(allocFn func(pages uint) uintptr) {
	stackAllocFn = allocFn
}

// SetExitHandler registers the function the trampoline calls once a
// thread's entry point returns.
func SetExitHandler(exitFn func(t *Thread, ret uintptr)) {
	onExitFn = exitFn
}

// SetSwitchFunc overrides the cold context switch SwitchTo drives. Real
// bring-up code never calls this (the default is the asm-backed
// archSwitch); it exists so tests in this package and sched can exercise
// SwitchTo's running-flag/rsp bookkeeping without hijacking the host Go
// runtime's own stack, matching the cpuidFn/mapFn override idiom used
// throughout this module.
func SetSwitchFunc(fn func(newRSP uint64, oldRSPSlot *uint64)) {
	switchFn = fn
}

// NewBootstrap wraps the CPU's current execution context (the stack kmain
// or an AP's entry point is already running on) as a Thread, so the first
// call to Schedule on that CPU has a "previous" thread to save into. It is
// synthesized lazily rather than constructed up front, owns no separately
// allocated stack and is already running.
func NewBootstrap(name string) *Thread {
	t := &Thread{Name: name}
	t.running.Store(true)
	return t
}

// Thread is a single schedulable kernel thread. All threads run in ring 0
// and share one address space; only the stack and the saved rsp/flags below
// are private to the thread.
type Thread struct {
	// Name identifies the thread in logs; purely diagnostic.
	Name string

	entry Entrypoint
	arg   uintptr

	// rsp is the saved stack pointer of a suspended thread. SwitchTo
	// atomically swaps it to 0 while the thread is running so a second,
	// concurrent SwitchTo targeting the same thread cannot also resume it.
	rsp uint64

	// running transitions false->true->false in strict alternation; the
	// CAS-spin in SwitchTo establishes happens-before between a thread's
	// last instruction on one CPU and its first resumed instruction on
	// another.
	running atomic.Bool

	// dead is set exactly once, by the exit trampoline, and is read by the
	// scheduler to decide whether to re-enqueue a saved "previous" thread.
	dead atomic.Bool

	stackTop uintptr
}

// New allocates a fresh stack for entry and primes it so that the first
// SwitchTo into this thread starts entry(arg); when entry returns normally,
// execution falls into the exit trampoline. The thread starts in the ready
// (not running, not dead) state.
func New(name string, entry Entrypoint, arg uintptr) *Thread {
	t := &Thread{Name: name, entry: entry, arg: arg}

	top := stackAllocFn(stackPages)
	t.stackTop = top
	t.rsp = uint64(primeStack(top, t))

	return t
}

// savedRegisterSlots is the number of callee-saved registers archSwitch
// pushes when suspending a thread; a freshly primed stack must carry the
// same number of (zeroed) slots for archSwitch's resume path to pop.
const savedRegisterSlots = 6

// primeStack lays out a fresh stack the way archSwitch's resume path
// expects to find one: from the top down, the thread pointer (left for
// threadEntryTrampoline, so it can reach t.entry/t.arg and eventually
// onExitFn), the trampoline's own entry address (the word archSwitch's
// trailing RET pops into RIP on first dispatch), and zeroed slots for the
// callee-saved registers archSwitch pops before that RET.
func primeStack(top uintptr, t *Thread) uintptr {
	sp := top

	sp -= unsafe.Sizeof(uintptr(0))
	*(*uintptr)(unsafe.Pointer(sp)) = uintptr(unsafe.Pointer(t))

	sp -= unsafe.Sizeof(uintptr(0))
	*(*uintptr)(unsafe.Pointer(sp)) = threadEntryTrampolinePC()

	for i := 0; i < savedRegisterSlots; i++ {
		sp -= unsafe.Sizeof(uintptr(0))
		*(*uintptr)(unsafe.Pointer(sp)) = 0
	}

	return sp
}

// Dead reports whether the thread has run to completion.
func (t *Thread) Dead() bool {
	return t.dead.Load()
}

// MarkDead sets the thread's dead flag directly, without running its entry
// function or the real cold-switch trampoline. Production code never calls
// this (dead is otherwise only set by onThreadExit); it exists so host-side
// tests of scheduler bookkeeping can simulate "this thread already ran to
// completion" without executing the asm-backed switch path.
func (t *Thread) MarkDead() {
	t.dead.Store(true)
}

// Running reports whether the thread is the one currently executing on some
// CPU.
func (t *Thread) Running() bool {
	return t.running.Load()
}

// SwitchTo implements the cold context switch: it CAS-spins until it owns
// other's running flag, saves the caller's context, loads other's, and
// transfers control. SwitchTo returns when some other CPU later switches
// back into the caller.
func (t *Thread) SwitchTo(other *Thread) {
	// Win the false->true transition on other.running before touching any
	// of other's state. The scheduler publishes a preempted thread on the
	// shared ready queue before its CPU has physically left its stack, so
	// a second CPU can dequeue it and arrive here while the first is still
	// executing on it; that CPU spins right here until the first clears
	// the flag just before jumping away.
	for !other.running.CompareAndSwap(false, true) {
	}

	newRSP := atomic.SwapUint64(&other.rsp, 0)

	t.running.Store(false)
	switchFn(newRSP, &t.rsp)
}

// onThreadExit is called (from assembly, via runThreadEntry) once a
// thread's entry function returns. ret is the value entry returned; it is
// logged before the thread is marked dead and the scheduler is invoked to
// pick a replacement. onThreadExit never returns.
func onThreadExit(t *Thread, ret uintptr) {
	kfmt.Printf("thread %s exited with 0x%x\n", t.Name, ret)
	t.dead.Store(true)
	if onExitFn != nil {
		onExitFn(t, ret)
	}
	panicFn(&kernel.Error{Module: "thread", Message: "schedule() returned to a dead thread"})
}

// runThreadEntryGo is called from threadEntryTrampoline (assembly) with the
// thread pointer it read off the freshly primed stack. It runs the
// thread's entry function and hands the result to onThreadExit; it never
// returns.
func runThreadEntryGo(t *Thread) {
	ret := t.entry(t.arg)
	onThreadExit(t, ret)
}

// archSwitch is the cold context switch: it pushes the caller's
// callee-saved registers, stashes the caller's new stack pointer in
// *oldRSPSlot, switches SP to newRSP, pops the callee-saved registers found
// there and returns into whatever address is on top of the new stack.
// Implemented in thread_amd64.s.
func archSwitch(newRSP uint64, oldRSPSlot *uint64)

// threadEntryTrampolinePC returns the code address of threadEntryTrampoline
// (implemented in thread_amd64.s), the fixed asm stub every freshly primed
// thread's stack starts execution at.
func threadEntryTrampolinePC() uintptr

// threadEntryTrampoline is never called directly from Go; it is reached via
// archSwitch's trailing RET. This declaration exists only so the toolchain
// has a Go prototype for the symbol implemented in thread_amd64.s.
func threadEntryTrampoline()
