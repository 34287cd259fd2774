// Package proc implements the process and thread entities and the
// cooperative single-CPU scheduler that runs them.
package proc

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/slab"
	"nucleos/kernel/object"
	"nucleos/kernel/usermem"
)

// State is the scheduling state of a thread.
type State uint8

const (
	// StateCreated covers construction until the thread is made ready;
	// preparing an entry point does not leave this state.
	StateCreated State = iota

	// StateReady means the thread sits on the run queue.
	StateReady

	// StateRunning means the thread is the one executing on the CPU.
	StateRunning

	// StateBlocked means the thread is parked on a wait queue or pinned
	// to a peer thread.
	StateBlocked

	// StateZombie means the thread has exited and awaits a joiner.
	StateZombie
)

// Result carries the values a blocked system call delivers when its thread
// is woken: the signed status for arg0 and the error number for arg1.
type Result struct {
	Value int32
	Errno kernel.Errno
}

// Thread is the unit of execution. Threads are slab-allocated and must not
// reference garbage-collected memory; every field is either scalar or a raw
// pointer to another slab object.
type Thread struct {
	header object.Header

	// qnext links the thread into the ready queue or a wait queue.
	qnext *Thread

	process *Process

	// kstack is the thread's pinned kernel stack page; stackPointer is
	// the saved stack pointer while the thread is switched out.
	kstack       mm.Frame
	stackPointer uint32

	// Prepared start parameters.
	entryPoint    uint32
	userStackBase uint32
	arg           uint32

	tlsBase uint32
	tlsSize uint32

	state State

	// Sender is the thread whose message this thread is currently
	// servicing; a reply goes to it.
	Sender *Thread

	// joiner is the single thread waiting in join or await on this one;
	// joinerWantsValue distinguishes the two.
	joiner           *Thread
	joinerWantsValue bool
	joinDestVA       uint32

	exitValue uint32

	// Msg is the IPC staging area.
	Msg MessageStaging

	// Res receives the outcome of a blocking operation.
	Res Result
}

var (
	threadCache *slab.Cache

	// Frame provider hooks for kernel stack pages, replaced by tests.
	stackAllocFn = pmm.AllocFrame
	stackFreeFn  = pmm.FreeFrame

	errThreadCache = &kernel.Error{Module: "proc", Message: "thread cache unavailable"}
)

// ThreadType describes thread objects. Destroying a thread cancels a parked
// joiner with ESRCH.
var ThreadType = &object.Type{
	Name:           "thread",
	AllPermissions: object.PermStart | object.PermJoin | object.PermAwait,
	Destroy:        destroyThread,
	Free:           freeThread,
}

// ObjectHeader implements object.Object.
func (t *Thread) ObjectHeader() *object.Header {
	return &t.header
}

// Process returns the process the thread belongs to.
func (t *Thread) Process() *Process {
	return t.process
}

// State returns the scheduling state.
func (t *Thread) State() State {
	return t.state
}

// ExitValue returns the value the thread exited with.
func (t *Thread) ExitValue() uint32 {
	return t.exitValue
}

// KernelStack returns the frame of the pinned kernel stack page.
func (t *Thread) KernelStack() mm.Frame {
	return t.kstack
}

// ConstructThread allocates a thread in the given process. The thread is
// created with one reference, which the creator either hands over to the
// descriptor naming the thread or drops itself.
func ConstructThread(p *Process) (*Thread, kernel.Errno) {
	if threadCache == nil {
		return nil, kernel.ENOMEM
	}

	ptr := threadCache.Alloc()
	if ptr == nil {
		return nil, kernel.ENOMEM
	}

	t := (*Thread)(ptr)
	*t = Thread{}
	object.InitHeader(&t.header, ThreadType)

	kstack, err := stackAllocFn()
	if err != nil {
		threadCache.Free(ptr)
		return nil, kernel.ENOMEM
	}

	t.kstack = kstack
	t.process = p
	t.state = StateCreated

	object.AddRef(t)

	return t, kernel.OK
}

// Prepare records the entry point, the user stack base and the opaque
// argument word the thread starts with.
func (t *Thread) Prepare(entryPoint, userStackBase, arg uint32) {
	t.entryPoint = entryPoint
	t.userStackBase = userStackBase
	t.arg = arg
}

// Startable returns true if the thread may be (re)started.
func (t *Thread) Startable() bool {
	return t.state == StateCreated || t.state == StateZombie
}

// Run makes a prepared thread ready. The thread pins itself for as long as
// it runs: the reference is dropped by the exit switch, after the thread's
// stack is no longer active, so closing every descriptor to a running
// thread cannot free it under its own feet.
func (t *Thread) Run() {
	object.AddRef(t)
	Ready(t)
}

// SetLocalStorage installs the thread-local storage base and size.
func (t *Thread) SetLocalStorage(base, size uint32) {
	t.tlsBase = base
	t.tlsSize = size
}

// LocalStorage returns the thread-local storage base.
func (t *Thread) LocalStorage() uint32 {
	return t.tlsBase
}

// Join arranges for current to wait until t exits, delivering t's exit
// value to the user word at destVA (when wantsValue is set and destVA is
// non-zero). When blocked is returned true Join has pinned t and the caller
// must block current; the result arrives through Complete when t exits. A zombie
// target is joined immediately.
func Join(current, t *Thread, wantsValue bool, destVA uint32) (blocked bool, errno kernel.Errno) {
	if t == current {
		return false, kernel.EDEADLK
	}

	if t.joiner != nil {
		return false, kernel.ESRCH
	}

	if t.header.IsDestroyed() {
		return false, kernel.ESRCH
	}

	if t.state == StateZombie {
		// Already exited: deliver immediately.
		if wantsValue && destVA != 0 {
			if errno := usermem.PutUint32(current.process.AddressSpace(), mm.VirtAddr(destVA), t.exitValue); errno != kernel.OK {
				return false, errno
			}
		}
		return false, kernel.OK
	}

	t.joiner = current
	t.joinerWantsValue = wantsValue
	current.joinDestVA = destVA

	// Keep the thread around until the exit value has been read.
	object.AddRef(t)

	return true, kernel.OK
}

// deliverExit wakes the parked joiner of t, if any, handing it the exit
// value and dropping the reference the joiner pinned.
func deliverExit(t *Thread) {
	joiner := t.joiner
	if joiner == nil {
		return
	}

	t.joiner = nil

	errno := kernel.OK
	if t.joinerWantsValue && joiner.joinDestVA != 0 {
		errno = usermem.PutUint32(joiner.process.AddressSpace(), mm.VirtAddr(joiner.joinDestVA), t.exitValue)
	}

	Complete(joiner, 0, errno)
	object.SubRef(t)
}

// destroyThread is the Destroy hook: a parked joiner is cancelled.
func destroyThread(obj object.Object) {
	t := obj.(*Thread)

	joiner := t.joiner
	if joiner == nil {
		return
	}

	t.joiner = nil
	Complete(joiner, -1, kernel.ESRCH)
	object.SubRef(t)
}

func freeThread(obj object.Object) {
	t := obj.(*Thread)

	stackFreeFn(t.kstack)
	t.kstack = mm.InvalidFrame

	threadCache.Free(unsafe.Pointer(t))
}

// initThreadCache creates the slab cache backing thread objects. Called
// once from BootInit.
func initThreadCache() *kernel.Error {
	var err *kernel.Error

	threadCache, err = slab.NewCache("thread", unsafe.Sizeof(Thread{}), 64, nil, nil)
	if err != nil {
		return errThreadCache
	}

	return nil
}
