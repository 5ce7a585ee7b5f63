package sched

import (
	"testing"
	"unsafe"

	"corekernel/kernel/sched/cpulocal"
	"corekernel/kernel/sched/queue"
	"corekernel/kernel/sched/thread"
)

// resetSchedState gives every test a fresh ready queue and CPU-local state,
// and stubs out the thread package's stack allocator / cold switch so
// Schedule can run entirely on the host Go runtime's own goroutine stack
// instead of hijacking it.
func resetSchedState(t *testing.T) {
	t.Helper()

	ready = queue.New[*thread.Thread]()
	current = cpulocal.Local[*thread.Thread]{}
	idle = cpulocal.Local[*thread.Thread]{}
	isIdling = cpulocal.Local[bool]{}

	thread.SetStackAllocator(func(pages uint) uintptr {
		b := make([]byte, pages*4096)
		return uintptr(unsafe.Pointer(&b[len(b)-1])) + 1
	})
	t.Cleanup(func() { thread.SetStackAllocator(nil) })

	thread.SetSwitchFunc(func(newRSP uint64, oldRSPSlot *uint64) {
		*oldRSPSlot = 1 // any non-zero placeholder rsp
	})
	t.Cleanup(func() { thread.SetSwitchFunc(nil) })

	cpuIDFn = func() int { return 0 }
	enableInterruptsFn = func() {}
	disableInterruptsFn = func() {}
	haltFn = func() {}
	eoiFn = func() {}
}

// TestScheduleInstallsSpawnedThread verifies a thread spawned by NewThread
// is picked up by the next Schedule call.
func TestScheduleInstallsSpawnedThread(t *testing.T) {
	resetSchedState(t)

	NewThread("t1", func(uintptr) uintptr { return 0 }, 0)
	Schedule()

	cur, ok := Current()
	if !ok {
		t.Fatal("expected a current thread to be installed after Schedule")
	}
	if cur.Name != "t1" {
		t.Fatalf("current thread = %q; want t1", cur.Name)
	}
}

// TestScheduleSkipsDeadThreadReenqueue verifies a dead "previous" thread is
// not put back on the ready queue.
func TestScheduleSkipsDeadThreadReenqueue(t *testing.T) {
	resetSchedState(t)

	victim := thread.New("victim", func(uintptr) uintptr { return 0 }, 0)
	victim.MarkDead()
	current.Set(0, victim)

	Schedule()

	cur, _ := Current()
	if cur == victim {
		t.Fatal("expected a dead thread not to be reinstalled as current")
	}
	if cur.Name != "idle" {
		t.Fatalf("current thread = %q; want idle", cur.Name)
	}
}

// TestOnThreadExitDisablesInterruptsAndSchedules checks the exit path:
// disable interrupts, then call Schedule, which installs a replacement
// thread in current.
func TestOnThreadExitDisablesInterruptsAndSchedules(t *testing.T) {
	resetSchedState(t)

	var disabled bool
	disableInterruptsFn = func() { disabled = true }

	victim := thread.New("victim", func(uintptr) uintptr { return 0 }, 0)
	victim.MarkDead()
	current.Set(0, victim)

	OnThreadExit(victim)

	if !disabled {
		t.Fatal("expected OnThreadExit to disable interrupts before scheduling")
	}
	cur, ok := Current()
	if !ok || cur == victim {
		t.Fatal("expected OnThreadExit's Schedule call to install a replacement current thread")
	}
}

// TestScheduleSameThreadReArms covers the no-switch path: when the next
// thread chosen is identical to prev (the idle thread
// rescheduling itself with nothing new ready), Schedule re-arms by
// acknowledging EOI and re-enabling interrupts instead of context
// switching.
func TestScheduleSameThreadReArms(t *testing.T) {
	resetSchedState(t)

	idleThread := idleThreadFor(0)
	current.Set(0, idleThread)
	isIdling.Set(0, true)

	var switched, rearmed bool
	thread.SetSwitchFunc(func(newRSP uint64, oldRSPSlot *uint64) { switched = true })
	enableInterruptsFn = func() { rearmed = true }

	Schedule()

	if switched {
		t.Fatal("expected Schedule to re-arm in place, not context switch, when next == prev")
	}
	if !rearmed {
		t.Fatal("expected Schedule to re-enable interrupts on the re-arm path")
	}
}
