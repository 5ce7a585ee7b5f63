// Package sched implements the preemptive round-robin scheduler: one
// shared ready queue of threads plus per-CPU current/idle/is-idling
// state, driven from the timer ISR and callable voluntarily via Schedule.
package sched

import (
	"corekernel/kernel/cpu"
	"corekernel/kernel/sched/cpulocal"
	"corekernel/kernel/sched/queue"
	"corekernel/kernel/sched/thread"
)

var (
	// ready is SCH's single shared LFQ of runnable threads.
	ready = queue.New[*thread.Thread]()

	// current, idle and isIdling are per-CPU slots: each CPU only ever
	// touches its own index.
	current  cpulocal.Local[*thread.Thread]
	idle     cpulocal.Local[*thread.Thread]
	isIdling cpulocal.Local[bool]

	// cpuIDFn, eoiFn, enableInterruptsFn and disableInterruptsFn indirect
	// through cpu/hal-apic so Schedule is testable on a hosted Go runtime
	// without a real APIC or IDT.
	cpuIDFn             = cpu.APICID
	eoiFn               func()
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts
)

// SetEOIHandler registers the function Schedule calls to acknowledge the
// local interrupt controller when it re-arms the current CPU without a
// context switch. Wired by kmain to hal/apic.EOI.
func SetEOIHandler(fn func()) {
	eoiFn = fn
}

// SetCPUIDFunc overrides how Schedule determines "which CPU am I running
// on"; used by tests to drive Schedule from goroutines standing in for
// CPUs.
func SetCPUIDFunc(fn func() int) {
	cpuIDFn = fn
}

// InitCPUs pre-sizes the per-CPU slots for up to n CPUs. kmain calls this
// once before the APs are woken, so the APs' first Schedule calls never
// race slot growth: per the boot model, CPU count is fixed from here on.
func InitCPUs(n int) {
	current.Grow(n)
	idle.Grow(n)
	isIdling.Grow(n)
}

// NewThread constructs a new kernel thread and enqueues it on the ready
// queue.
func NewThread(name string, entry thread.Entrypoint, arg uintptr) *thread.Thread {
	t := thread.New(name, entry, arg)
	InsertThread(t)
	return t
}

// InsertThread enqueues an already-constructed thread onto the ready queue.
func InsertThread(t *thread.Thread) {
	ready.Enqueue(t)
}

// idleEntry is the per-CPU idle thread's body: an infinite sti; hlt
// loop. cpu.Halt never returns on real hardware (each wakeup
// re-issues HLT internally); the timer ISR that eventually fires while
// halted is what drives the next Schedule call, from interrupt context.
func idleEntry(uintptr) uintptr {
	enableInterruptsFn()
	haltFn()
	return 0
}

var haltFn = cpu.Halt

// idleThreadFor lazily creates (once) and returns the calling CPU's idle
// thread. The idle thread is never enqueued on ready.
func idleThreadFor(cpuID int) *thread.Thread {
	if t, ok := idle.Get(cpuID); ok {
		return t
	}
	t := thread.New("idle", idleEntry, 0)
	idle.Set(cpuID, t)
	return t
}

// Schedule saves the previous thread, picks the next ready one (falling
// through to this CPU's idle thread when the queue is empty) and switches
// to it. The caller (the timer ISR, or OnThreadExit) must already have
// interrupts disabled.
func Schedule() {
	cpuID := cpuIDFn()

	prev, hasPrev := current.Take(cpuID)
	if !hasPrev {
		prev = thread.NewBootstrap("bootstrap")
	}

	idling, _ := isIdling.Get(cpuID)
	if !idling && !prev.Dead() {
		ready.Enqueue(prev)
	}

	next, ok := ready.Dequeue()
	if !ok {
		next = idleThreadFor(cpuID)
		isIdling.Set(cpuID, true)
	} else {
		isIdling.Set(cpuID, false)
	}

	current.Set(cpuID, next)

	if next != prev {
		prev.SwitchTo(next)
		return
	}

	if eoiFn != nil {
		eoiFn()
	}
	enableInterruptsFn()
}

// OnThreadExit is wired (via thread.SetExitHandler, by kmain) to run once
// a thread's entry function returns: it disables interrupts and calls
// Schedule. The dead thread is never re-enqueued because Schedule checks
// prev.Dead() before enqueueing.
func OnThreadExit(t *thread.Thread) {
	disableInterruptsFn()
	Schedule()
}

// Current returns the thread currently installed as "running" on the
// calling CPU, if any.
func Current() (*thread.Thread, bool) {
	return current.Get(cpuIDFn())
}
