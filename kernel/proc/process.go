package proc

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm/slab"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/object"
)

// Designated descriptor slots every process receives at exec time.
const (
	// SelfProcessFd names the process itself.
	SelfProcessFd = 0

	// MainThreadFd names the process's first thread.
	MainThreadFd = 1
)

// DescriptorTableSize is the descriptor-table capacity new processes are
// created with. It is configurable up to object.MaxDescriptors.
var DescriptorTableSize = object.DefaultDescriptors

// Process owns an address space and a descriptor table. Processes are
// slab-allocated; see the Thread comment about field restrictions.
type Process struct {
	header object.Header

	addrSpace vmm.AddressSpace

	descriptors object.Table
}

var (
	processCache *slab.Cache

	errProcessCache = &kernel.Error{Module: "proc", Message: "process cache unavailable"}
)

// ProcessType describes process objects. Zero-permission mints are a legacy
// allowance unique to this type.
var ProcessType = &object.Type{
	Name:           "process",
	AllPermissions: object.PermCreateThread | object.PermOpen | object.PermMap,
	MintZeroPerms:  true,
	Free:           freeProcess,
}

// ObjectHeader implements object.Object.
func (p *Process) ObjectHeader() *object.Header {
	return &p.header
}

// AddressSpace returns the process's address space.
func (p *Process) AddressSpace() *vmm.AddressSpace {
	return &p.addrSpace
}

// Descriptors returns the process's descriptor table.
func (p *Process) Descriptors() *object.Table {
	return &p.descriptors
}

// NewProcess constructs an empty process: a fresh address space sharing the
// kernel upper half and a zeroed descriptor table. The first thread is
// created and started separately.
func NewProcess() (*Process, kernel.Errno) {
	if processCache == nil {
		return nil, kernel.ENOMEM
	}

	ptr := processCache.Alloc()
	if ptr == nil {
		return nil, kernel.ENOMEM
	}

	p := (*Process)(ptr)
	*p = Process{}
	object.InitHeader(&p.header, ProcessType)

	if err := vmm.InitAddressSpace(&p.addrSpace); err != nil {
		processCache.Free(ptr)
		return nil, kernel.ENOMEM
	}

	p.descriptors.Init(DescriptorTableSize)

	return p, kernel.OK
}

// SetupExec initializes the designated descriptor slots of a process that
// is about to run: an owner handle to itself and a handle to its main
// thread.
func SetupExec(p *Process, mainThread *Thread) kernel.Errno {
	self := object.NewDescriptor(p, ProcessType.AllPermissions, true, 0)
	if errno := p.descriptors.Open(SelfProcessFd, self); errno != kernel.OK {
		return errno
	}

	main := object.NewDescriptor(mainThread, ThreadType.AllPermissions, true, 0)
	if errno := p.descriptors.Open(MainThreadFd, main); errno != kernel.OK {
		p.descriptors.Close(SelfProcessFd)
		return errno
	}

	return kernel.OK
}

func freeProcess(obj object.Object) {
	p := obj.(*Process)

	p.descriptors.CloseAll()
	vmm.DestroyAddressSpace(&p.addrSpace)

	processCache.Free(unsafe.Pointer(p))
}

// BootInit creates the slab caches for processes and threads. It runs once
// during boot, after the slab allocator is available.
func BootInit() *kernel.Error {
	if err := initThreadCache(); err != nil {
		return err
	}

	var err *kernel.Error
	if processCache, err = slab.NewCache("process", unsafe.Sizeof(Process{}), 64, nil, nil); err != nil {
		return errProcessCache
	}

	return nil
}
