package proc

import (
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/object"
)

// The scheduler's process-wide singletons: the FIFO ready queue, the per-CPU
// current-thread slot and the tick counter. All are initialised once during
// boot. The running thread is never on the ready queue.
var (
	readyQueue Queue

	currentThread *Thread

	tickCount uint64

	// switchContextFn is the hand-off to the architecture context-switch
	// trampoline: save the outgoing thread's registers, switch stacks,
	// restore the incoming thread's registers. When destroyPrev is set
	// the trampoline calls ReapSwitchedFrom on the target thread's stack
	// once the outgoing stack is no longer active. The default keeps
	// that contract so the core can be exercised hosted.
	switchContextFn = func(prev, next *Thread, destroyPrev bool) {
		ReapSwitchedFrom(prev, destroyPrev)
	}

	errNothingToRun = &kernel.Error{Module: "proc", Message: "last runnable thread blocked or exited"}
)

// SchedInit resets the scheduler singletons. It runs once during boot,
// before the first thread is constructed.
func SchedInit() {
	readyQueue = Queue{}
	currentThread = nil
	tickCount = 0
}

// SetContextSwitcher installs the architecture context-switch trampoline.
func SetContextSwitcher(switchFn func(prev, next *Thread, destroyPrev bool)) {
	switchContextFn = switchFn
}

// Current returns the thread running on this CPU. The slot is maintained by
// the scheduler across every context switch, so this is a single read.
func Current() *Thread {
	return currentThread
}

// CurrentProcess returns the process of the running thread.
func CurrentProcess() *Process {
	if currentThread == nil {
		return nil
	}
	return currentThread.process
}

// Tick records one timer tick. The tick plays no scheduling role.
func Tick() {
	tickCount++
}

// TickCount returns the number of recorded timer ticks.
func TickCount() uint64 {
	return tickCount
}

// Ready places t on the tail of the ready queue.
func Ready(t *Thread) {
	t.state = StateReady
	readyQueue.Enqueue(t)
}

// StartFirstThread installs t as the running thread and transfers control
// to it. Called exactly once at the end of boot.
func StartFirstThread(t *Thread) {
	currentThread = t
	t.state = StateRunning
	switchContextFn(nil, t, false)
}

// YieldCurrent moves the running thread to the tail of the ready queue and
// switches to the head. With an empty queue the current thread keeps
// running.
func YieldCurrent() {
	if readyQueue.Empty() {
		return
	}

	prev := currentThread
	Ready(prev)
	switchTo(prev, readyQueue.Dequeue(), false)
}

// BlockCurrent parks the running thread and switches to the next ready
// thread. The caller must already have linked the thread onto a wait queue
// or pinned it to a peer; the scheduler only changes its state.
func BlockCurrent() {
	prev := currentThread
	prev.state = StateBlocked

	next := readyQueue.Dequeue()
	if next == nil {
		kfmt.Panic(errNothingToRun)
		return
	}

	switchTo(prev, next, false)
}

// Complete delivers the outcome of a blocked operation to t and makes it
// ready again. Threads that are not blocked just receive the result; the
// dispatcher picks it up when their system call returns.
func Complete(t *Thread, value int32, errno kernel.Errno) {
	t.Res = Result{Value: value, Errno: errno}

	if t.state == StateBlocked {
		Ready(t)
	}
}

// ExitCurrent finishes the running thread: the exit value is stored, a
// parked joiner is woken, and the final context switch hands the CPU to the
// next ready thread, instructing the trampoline to release the self-pin
// once the exiting stack is no longer active.
func ExitCurrent(exitValue uint32) {
	t := currentThread
	t.exitValue = exitValue

	deliverExit(t)

	t.state = StateZombie

	next := readyQueue.Dequeue()
	if next == nil {
		kfmt.Panic(errNothingToRun)
		return
	}

	switchTo(t, next, true)
}

// ReapSwitchedFrom runs on the incoming thread's stack after a context
// switch. When the outgoing thread exited, its self-pin is released here,
// where its stack is guaranteed inactive.
func ReapSwitchedFrom(prev *Thread, destroyPrev bool) {
	if destroyPrev && prev != nil {
		object.SubRef(prev)
	}
}

// switchTo performs the bookkeeping half of a context switch and invokes
// the trampoline. The incoming thread's address space is activated first.
func switchTo(prev, next *Thread, destroyPrev bool) {
	currentThread = next
	next.state = StateRunning

	if next.process != nil && (prev == nil || prev.process != next.process) {
		vmm.SwitchTo(next.process.AddressSpace())
	}

	switchContextFn(prev, next, destroyPrev)
}
