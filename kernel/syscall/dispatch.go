// Package syscall implements the single system call entry point: decoding
// of the four-word argument tuple, descriptor validation and the hand-off
// to the services of the core.
package syscall

import (
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/cpu"
	"nucleos/kernel/ipc"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/object"
	"nucleos/kernel/proc"
	"nucleos/kernel/usermem"
)

// Args is the four machine-word argument tuple of a system call. Arg0
// carries the call number on entry. On return, Arg0 carries a signed
// status: negative values indicate failure, with the error number repeated
// in Arg1.
type Args struct {
	Arg0 uint32
	Arg1 uint32
	Arg2 uint32
	Arg3 uint32
}

// Dispatch executes the system call described by args for the running
// thread and fills args with its result. All three entry paths land here.
//
// Calls that block return here only once the thread has been resumed; the
// result the peer delivered is then copied out of the thread's result slot.
func Dispatch(args *Args) {
	current := proc.Current()
	num := args.Arg0

	if num >= UserBase {
		dispatchBlocking(args, current, doSend(current, num, args))
		return
	}

	switch num {
	case SysReboot:
		cpu.ResetSystem()
		setResult(args, 0, kernel.OK)
	case SysPuts:
		setResult(args, 0, doPuts(current, args))
	case SysCreateThread:
		setResult(args, 0, doCreateThread(current, args))
	case SysYieldThread:
		proc.YieldCurrent()
		setResult(args, 0, kernel.OK)
	case SysSetThreadLocal:
		setResult(args, 0, doSetThreadLocal(current, args))
	case SysGetThreadLocal:
		// Raw value return: no status convention for this call.
		args.Arg0 = current.LocalStorage()
		args.Arg1 = 0
	case SysGetUserMemory:
		value, errno := doGetUserMemory(current, args)
		setResult(args, value, errno)
	case SysCreateEndpoint:
		setResult(args, 0, doCreateEndpoint(current, args))
	case SysReceive:
		blocked, value, errno := doReceive(current, args)
		if blocked {
			dispatchBlocking(args, current, blockedOp{blocked: true})
			return
		}
		setResult(args, value, errno)
	case SysReply:
		setResult(args, 0, ipc.Reply(current, mm.VirtAddr(args.Arg1)))
	case SysExitThread:
		doExitThread(current, args.Arg1)
		// Unreachable once the exit switch has happened; nothing of
		// this thread's state may be touched here.
	case SysStartThread:
		setResult(args, 0, doStartThread(current, args))
	case SysJoinThread:
		dispatchBlocking(args, current, doJoin(current, args, true, args.Arg2))
	case SysAwaitThread:
		dispatchBlocking(args, current, doJoin(current, args, false, 0))
	case SysClose:
		setResult(args, 0, current.Process().Descriptors().Close(int(int32(args.Arg1))))
	case SysDestroy:
		setResult(args, 0, doDestroy(current, args))
	case SysDup:
		setResult(args, 0, doDup(current, args))
	case SysMint:
		setResult(args, 0, doMint(current, args))
	case SysMmap:
		setResult(args, 0, doMmap(current, args))
	case SysMclone:
		setResult(args, 0, doMclone(current, args))
	case SysCreateProcess:
		setResult(args, 0, doCreateProcess(current, args))
	default:
		setResult(args, 0, kernel.ENOSYS)
	}
}

// blockedOp is the outcome of a service that may have parked the caller.
type blockedOp struct {
	blocked bool
	errno   kernel.Errno
}

// dispatchBlocking finishes a potentially blocking call: an immediate error
// is returned as usual, otherwise the thread blocks and, once resumed,
// reports the result its peer delivered.
func dispatchBlocking(args *Args, current *proc.Thread, op blockedOp) {
	if !op.blocked {
		setResult(args, 0, op.errno)
		return
	}

	proc.BlockCurrent()

	// Reached again only when the thread has been resumed.
	setResult(args, current.Res.Value, current.Res.Errno)
}

func setResult(args *Args, value int32, errno kernel.Errno) {
	if errno != kernel.OK {
		args.Arg0 = uint32(-int32(errno))
		args.Arg1 = uint32(errno)
		args.Arg2 = 0
		return
	}

	args.Arg0 = uint32(value)
	args.Arg1 = 0
}

func doPuts(current *proc.Thread, args *Args) kernel.Errno {
	var (
		level  = kfmt.LogLevel(int32(args.Arg1))
		va     = mm.VirtAddr(args.Arg2)
		length = args.Arg3
	)

	if length > MaxPutsLength {
		return kernel.EINVAL
	}

	if !kfmt.ValidLogLevel(level) {
		return kernel.EINVAL
	}

	var buf [MaxPutsLength]byte
	if errno := usermem.CopyIn(current.Process().AddressSpace(), va, buf[:length]); errno != kernel.OK {
		return errno
	}

	kfmt.Log(level, buf[:length])
	return kernel.OK
}

func doSend(current *proc.Thread, function uint32, args *Args) blockedOp {
	table := current.Process().Descriptors()

	desc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return blockedOp{errno: errno}
	}
	defer desc.Release()

	endpoint, ok := desc.Object().(*ipc.Endpoint)
	if !ok {
		return blockedOp{errno: kernel.EBADF}
	}

	if !desc.HasPermissions(object.PermSend) {
		return blockedOp{errno: kernel.EPERM}
	}

	blocked, errno := ipc.Send(current, endpoint, function, desc.Cookie(), mm.VirtAddr(args.Arg2))
	return blockedOp{blocked: blocked, errno: errno}
}

func doReceive(current *proc.Thread, args *Args) (bool, int32, kernel.Errno) {
	table := current.Process().Descriptors()

	desc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return false, -1, errno
	}
	defer desc.Release()

	endpoint, ok := desc.Object().(*ipc.Endpoint)
	if !ok {
		return false, -1, kernel.EBADF
	}

	if !desc.HasPermissions(object.PermReceive) {
		return false, -1, kernel.EPERM
	}

	return ipc.Receive(current, endpoint, mm.VirtAddr(args.Arg2))
}

func doExitThread(current *proc.Thread, exitValue uint32) {
	// A sender parked on this thread waiting for a reply is woken with a
	// peer-gone failure before the thread goes away.
	if current.Sender != nil {
		ipc.AbortSender(current.Sender)
		current.Sender = nil
	}

	proc.ExitCurrent(exitValue)
}

func doCreateThread(current *proc.Thread, args *Args) kernel.Errno {
	var (
		table     = current.Process().Descriptors()
		fd        = int(int32(args.Arg1))
		processFd = int(int32(args.Arg2))
	)

	desc, errno := table.AccessObject(processFd)
	if errno != kernel.OK {
		return errno
	}
	defer desc.Release()

	process, ok := desc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	if !desc.HasPermissions(object.PermCreateThread) {
		return kernel.EPERM
	}

	if errno = table.ReserveUnused(fd); errno != kernel.OK {
		return errno
	}

	thread, errno := proc.ConstructThread(process)
	if errno != kernel.OK {
		table.FreeReservation(fd)
		return errno
	}

	threadDesc := object.NewDescriptor(thread, proc.ThreadType.AllPermissions, true, 0)
	if errno = table.Open(fd, threadDesc); errno != kernel.OK {
		table.FreeReservation(fd)
		object.SubRef(thread)
		return errno
	}

	// The construction pin is handed over to the descriptor; the thread
	// keeps pinning itself only while it runs.
	object.SubRef(thread)

	return kernel.OK
}

func doStartThread(current *proc.Thread, args *Args) kernel.Errno {
	table := current.Process().Descriptors()

	desc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return errno
	}
	defer desc.Release()

	thread, ok := desc.Object().(*proc.Thread)
	if !ok {
		return kernel.EBADF
	}

	if !desc.HasPermissions(object.PermStart) {
		return kernel.EPERM
	}

	if !thread.Startable() {
		return kernel.EBUSY
	}

	var raw [12]byte
	if errno = usermem.CopyIn(current.Process().AddressSpace(), mm.VirtAddr(args.Arg2), raw[:]); errno != kernel.OK {
		return errno
	}

	thread.Prepare(
		usermem.DecodeUint32(raw[0:]),
		usermem.DecodeUint32(raw[4:]),
		usermem.DecodeUint32(raw[8:]),
	)
	thread.Run()

	return kernel.OK
}

func doJoin(current *proc.Thread, args *Args, wantsValue bool, destVA uint32) blockedOp {
	table := current.Process().Descriptors()

	desc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return blockedOp{errno: errno}
	}
	defer desc.Release()

	thread, ok := desc.Object().(*proc.Thread)
	if !ok {
		return blockedOp{errno: kernel.EBADF}
	}

	perm := object.PermJoin
	if !wantsValue {
		perm = object.PermAwait
	}

	if !desc.HasPermissions(perm) {
		return blockedOp{errno: kernel.EPERM}
	}

	blocked, errno := proc.Join(current, thread, wantsValue, destVA)
	return blockedOp{blocked: blocked, errno: errno}
}

func doSetThreadLocal(current *proc.Thread, args *Args) kernel.Errno {
	var (
		base = args.Arg1
		size = args.Arg2
	)

	end := uint64(base) + uint64(size)
	if end > uint64(mm.KLimit) {
		return kernel.EINVAL
	}

	current.SetLocalStorage(base, size)
	return kernel.OK
}

// userMemoryRecordSize is the wire size of one typed memory range record:
// a 32-bit type followed by 64-bit address and size.
const userMemoryRecordSize = 20

func doGetUserMemory(current *proc.Thread, args *Args) (int32, kernel.Errno) {
	bi := bootinfo.Get()
	if bi == nil {
		return -1, kernel.ENOTSUP
	}

	needed := uint32(len(bi.MemoryMap)) * userMemoryRecordSize
	if args.Arg2 < needed {
		// The required size is reported so the caller can retry.
		args.Arg3 = needed
		return -1, kernel.E2BIG
	}

	var (
		as  = current.Process().AddressSpace()
		va  = mm.VirtAddr(args.Arg1)
		raw [userMemoryRecordSize]byte
	)

	for i := range bi.MemoryMap {
		r := &bi.MemoryMap[i]

		usermem.EncodeUint32(raw[0:], uint32(r.Type))
		usermem.EncodeUint64(raw[4:], r.PhysAddr)
		usermem.EncodeUint64(raw[12:], r.Length)

		if errno := usermem.CopyOut(as, va+mm.VirtAddr(i*userMemoryRecordSize), raw[:]); errno != kernel.OK {
			return -1, errno
		}
	}

	return int32(len(bi.MemoryMap)), kernel.OK
}

func doCreateEndpoint(current *proc.Thread, args *Args) kernel.Errno {
	var (
		table = current.Process().Descriptors()
		fd    = int(int32(args.Arg1))
	)

	if errno := table.ReserveUnused(fd); errno != kernel.OK {
		return errno
	}

	endpoint, errno := ipc.NewEndpoint()
	if errno != kernel.OK {
		table.FreeReservation(fd)
		return kernel.EAGAIN
	}

	desc := object.NewDescriptor(endpoint, ipc.EndpointType.AllPermissions, true, 0)
	if errno = table.Open(fd, desc); errno != kernel.OK {
		table.FreeReservation(fd)
		return errno
	}

	return kernel.OK
}

func doCreateProcess(current *proc.Thread, args *Args) kernel.Errno {
	var (
		table = current.Process().Descriptors()
		fd    = int(int32(args.Arg1))
	)

	if errno := table.ReserveUnused(fd); errno != kernel.OK {
		return errno
	}

	process, errno := proc.NewProcess()
	if errno != kernel.OK {
		table.FreeReservation(fd)
		return errno
	}

	desc := object.NewDescriptor(process, proc.ProcessType.AllPermissions, true, 0)
	if errno = table.Open(fd, desc); errno != kernel.OK {
		table.FreeReservation(fd)
		return errno
	}

	return kernel.OK
}

func doDestroy(current *proc.Thread, args *Args) kernel.Errno {
	var (
		table = current.Process().Descriptors()
		fd    = int(int32(args.Arg1))
	)

	desc, errno := table.AccessObject(fd)
	if errno != kernel.OK {
		return errno
	}

	if !desc.IsOwner() {
		desc.Release()
		return kernel.EPERM
	}

	object.Destroy(desc.Object())
	desc.Release()

	return table.Close(fd)
}

func doDup(current *proc.Thread, args *Args) kernel.Errno {
	var (
		table     = current.Process().Descriptors()
		processFd = int(int32(args.Arg1))
		srcFd     = int(int32(args.Arg2))
		destFd    = int(int32(args.Arg3))
	)

	processDesc, errno := table.AccessObject(processFd)
	if errno != kernel.OK {
		return errno
	}
	defer processDesc.Release()

	target, ok := processDesc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	if !processDesc.HasPermissions(object.PermOpen) {
		return kernel.EPERM
	}

	srcDesc, errno := table.AccessObject(srcFd)
	if errno != kernel.OK {
		return errno
	}
	defer srcDesc.Release()

	dup, errno := object.Dup(&srcDesc)
	if errno != kernel.OK {
		return errno
	}

	targetTable := target.Descriptors()
	if errno = targetTable.ReserveUnused(destFd); errno != kernel.OK {
		return errno
	}

	if errno = targetTable.Open(destFd, dup); errno != kernel.OK {
		targetTable.FreeReservation(destFd)
		return errno
	}

	return kernel.OK
}

func doMint(current *proc.Thread, args *Args) kernel.Errno {
	table := current.Process().Descriptors()

	var raw [16]byte
	if errno := usermem.CopyIn(current.Process().AddressSpace(), mm.VirtAddr(args.Arg2), raw[:]); errno != kernel.OK {
		return errno
	}

	var (
		processFd = int(int32(usermem.DecodeUint32(raw[0:])))
		destFd    = int(int32(usermem.DecodeUint32(raw[4:])))
		perms     = object.Perm(usermem.DecodeUint32(raw[8:]))
		cookie    = usermem.DecodeUint32(raw[12:])
	)

	ownerDesc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return errno
	}
	defer ownerDesc.Release()

	minted, errno := object.Mint(&ownerDesc, perms, cookie)
	if errno != kernel.OK {
		return errno
	}

	processDesc, errno := table.AccessObject(processFd)
	if errno != kernel.OK {
		return errno
	}
	defer processDesc.Release()

	target, ok := processDesc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	if !processDesc.HasPermissions(object.PermOpen) {
		return kernel.EPERM
	}

	targetTable := target.Descriptors()
	if errno = targetTable.ReserveUnused(destFd); errno != kernel.OK {
		return errno
	}

	if errno = targetTable.Open(destFd, minted); errno != kernel.OK {
		targetTable.FreeReservation(destFd)
		return errno
	}

	return kernel.OK
}

// decodeProt converts the user-visible protection word into vmm protection
// bits, rejecting unknown bits.
func decodeProt(raw uint32) (vmm.Prot, kernel.Errno) {
	if raw&^uint32(vmm.ProtRead|vmm.ProtWrite|vmm.ProtExec) != 0 {
		return vmm.ProtNone, kernel.EINVAL
	}
	return vmm.Prot(raw), kernel.OK
}

func doMmap(current *proc.Thread, args *Args) kernel.Errno {
	table := current.Process().Descriptors()

	processDesc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return errno
	}
	defer processDesc.Release()

	target, ok := processDesc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	if !processDesc.HasPermissions(object.PermMap) {
		return kernel.EPERM
	}

	var raw [20]byte
	if errno = usermem.CopyIn(current.Process().AddressSpace(), mm.VirtAddr(args.Arg2), raw[:]); errno != kernel.OK {
		return errno
	}

	var (
		addr     = usermem.DecodeUint32(raw[0:])
		length   = usermem.DecodeUint32(raw[4:])
		physAddr = mm.PhysAddr(usermem.DecodeUint32(raw[12:])) | mm.PhysAddr(usermem.DecodeUint32(raw[16:]))<<32
	)

	prot, errno := decodeProt(usermem.DecodeUint32(raw[8:]))
	if errno != kernel.OK {
		return errno
	}

	if uint32(mm.VirtAddr(addr))&mm.PageOffsetMask != 0 || uint64(addr)+uint64(length) > uint64(mm.KLimit) {
		return kernel.EINVAL
	}

	if err := vmm.MapUser(target.AddressSpace(), mm.VirtAddr(addr), length, physAddr, prot); err != nil {
		return kernel.ENOMEM
	}

	return kernel.OK
}

func doMclone(current *proc.Thread, args *Args) kernel.Errno {
	table := current.Process().Descriptors()

	srcDesc, errno := table.AccessObject(int(int32(args.Arg1)))
	if errno != kernel.OK {
		return errno
	}
	defer srcDesc.Release()

	src, ok := srcDesc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	dstDesc, errno := table.AccessObject(int(int32(args.Arg2)))
	if errno != kernel.OK {
		return errno
	}
	defer dstDesc.Release()

	dst, ok := dstDesc.Object().(*proc.Process)
	if !ok {
		return kernel.EBADF
	}

	if !srcDesc.HasPermissions(object.PermMap) || !dstDesc.HasPermissions(object.PermMap) {
		return kernel.EPERM
	}

	var raw [16]byte
	if errno = usermem.CopyIn(current.Process().AddressSpace(), mm.VirtAddr(args.Arg3), raw[:]); errno != kernel.OK {
		return errno
	}

	var (
		srcAddr = usermem.DecodeUint32(raw[0:])
		dstAddr = usermem.DecodeUint32(raw[4:])
		length  = usermem.DecodeUint32(raw[8:])
	)

	prot, errno := decodeProt(usermem.DecodeUint32(raw[12:]))
	if errno != kernel.OK {
		return errno
	}

	if uint32(srcAddr)&mm.PageOffsetMask != 0 || uint32(dstAddr)&mm.PageOffsetMask != 0 {
		return kernel.EINVAL
	}

	if err := vmm.CloneUser(dst.AddressSpace(), mm.VirtAddr(dstAddr), src.AddressSpace(), mm.VirtAddr(srcAddr), length, prot); err != nil {
		return kernel.ENOMEM
	}

	return kernel.OK
}
