// Package vmm owns every page table in the system: the shared kernel upper
// half and the per-process user halves. It translates virtual addresses,
// enforces the user/kernel split at KLimit and provides the map, unmap and
// clone operations the rest of the core builds on.
//
// Two page-table formats are supported: classical two-level paging with
// 32-bit entries and, on processors that support physical address extension,
// three-level paging with 64-bit entries. The format is chosen once during
// boot, according to the command line and the detected CPU features, by
// installing one of the two pager implementations.
package vmm

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/cmdline"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
)

// Prot describes the accessibility of a mapping. The zero value (no bits)
// requests a mapping that retains its page frame but faults on any access.
type Prot uint8

const (
	// ProtNone marks a mapped-but-inaccessible page.
	ProtNone Prot = 0

	// ProtRead allows reads.
	ProtRead Prot = 1 << 0

	// ProtWrite allows writes.
	ProtWrite Prot = 1 << 1

	// ProtExec allows instruction fetches. On PAE pagers its absence sets
	// the no-execute bit; classical entries cannot express it.
	ProtExec Prot = 1 << 2
)

// Architectural page-table entry flag bits. The layout of the low 12 bits is
// shared by both entry formats.
const (
	pteFlagPresent      = 1 << 0
	pteFlagWrite        = 1 << 1
	pteFlagUser         = 1 << 2
	pteFlagWriteThrough = 1 << 3
	pteFlagCacheDisable = 1 << 4
	pteFlagAccessed     = 1 << 5
	pteFlagDirty        = 1 << 6
	pteFlagGlobal       = 1 << 8

	// pteFlagProtNone occupies bit 11, documented as ignored by the
	// architecture. It marks a mapping that exists for bookkeeping but
	// must fault on access; the present bit of such entries is clear.
	pteFlagProtNone = 1 << 11

	// pteFlagNoExecute is honoured by the PAE entry format only.
	pteFlagNoExecute = 1 << 63

	pteAddrMask32 = 0xfffff000
	pteAddrMask64 = 0x000ffffffffff000
)

// pager is the page-table format driver selected at boot.
type pager interface {
	// leafPTE walks to the leaf page-table entry for va in as. When an
	// intermediate table is missing it is allocated if allocate is true;
	// otherwise ok is false. Errors are only possible when allocating.
	leafPTE(as *AddressSpace, va mm.VirtAddr, allocate bool) (pte pteAccessor, ok bool, err *kernel.Error)

	// createAddressSpace allocates the root structures of a new address
	// space sharing the kernel template upper half.
	createAddressSpace(as *AddressSpace) *kernel.Error

	// destroyAddressSpace walks the user half only, releasing its page
	// tables and the root structures.
	destroyAddressSpace(as *AddressSpace)

	// supportsNoExecute reports whether entries can express NX.
	supportsNoExecute() bool
}

// pteAccessor reads and writes one page-table entry of either width.
type pteAccessor struct {
	ptr  unsafe.Pointer
	wide bool
}

func (a pteAccessor) load() uint64 {
	if a.wide {
		return *(*uint64)(a.ptr)
	}
	return uint64(*(*uint32)(a.ptr))
}

func (a pteAccessor) store(v uint64) {
	if a.wide {
		*(*uint64)(a.ptr) = v
		return
	}
	*(*uint32)(a.ptr) = uint32(v)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (mm.Frame, *kernel.Error)

var (
	// frameAllocator points to the frame allocator function registered
	// using SetFrameAllocator. During boot it is the early bump
	// allocator; afterwards the page-stack allocator.
	frameAllocator FrameAllocatorFn

	// frameCollector receives the page-table frames released when an
	// address space is destroyed.
	frameCollector func(mm.Frame)

	// activePager is the format driver selected by Init.
	activePager pager

	// kernelSpace is the template address space. Its upper half is, by
	// construction, pointer-equal to the upper half of every address
	// space created after Init.
	kernelSpace *AddressSpace

	// currentSpace tracks the address space whose root is loaded. TLB
	// entries are invalidated per page only for mutations visible to the
	// running translation.
	currentSpace *AddressSpace

	errNotInitialized = &kernel.Error{Module: "vmm", Message: "virtual memory manager is not initialized"}
	errPAERequired    = &kernel.Error{Module: "vmm", Message: "command line requires PAE but the CPU does not support it"}

	errMapKernelRange = &kernel.Error{Module: "vmm", Message: "map_kernel: virtual address below KLimit"}
	errMapUserRange   = &kernel.Error{Module: "vmm", Message: "map_user: virtual address range crosses KLimit"}
)

// SetFrameAllocator registers the frame allocator function used whenever new
// page tables need to be allocated, together with the function that takes
// released page-table frames back.
func SetFrameAllocator(alloc FrameAllocatorFn, collect func(mm.Frame)) {
	frameAllocator = alloc
	frameCollector = collect
}

// PAEEnabled returns true if the three-level PAE pager is active.
func PAEEnabled() bool {
	_, ok := activePager.(*paePager)
	return ok
}

// Init selects the page-table format according to the command-line policy
// and the CPU's PAE capability, then builds the kernel template: the shared
// upper-half page tables every address space refers to. The frame allocator
// must have been registered first; during boot it is the early allocator, so
// the kernel half's tables live in the kernel image's trailing region.
func Init(policy cmdline.PAEOption, cpuHasPAE bool) *kernel.Error {
	usePAE := false

	switch policy {
	case cmdline.PAERequire:
		if !cpuHasPAE {
			return errPAERequired
		}
		usePAE = true
	case cmdline.PAEAuto:
		usePAE = cpuHasPAE
	case cmdline.PAEDisable:
	}

	var err *kernel.Error

	if usePAE {
		activePager, err = newPAEPager()
	} else {
		activePager, err = newNoPAEPager()
	}

	if err != nil {
		activePager = nil
		return err
	}

	templateSpace = AddressSpace{}
	kernelSpace = &templateSpace
	if err = activePager.createAddressSpace(kernelSpace); err != nil {
		activePager = nil
		return err
	}

	currentSpace = kernelSpace

	kfmt.Printf("[vmm] paging initialized, pae: %t\n", usePAE)
	return nil
}

// templateSpace is the backing storage for the kernel template address
// space; it is a process-wide singleton initialised once during boot.
var templateSpace AddressSpace

// KernelSpace returns the kernel template address space.
func KernelSpace() *AddressSpace {
	return kernelSpace
}

// allocTable allocates and zeroes one page-table frame.
func allocTable() (mm.Frame, *kernel.Error) {
	frame, err := frameAllocator()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(uintptr(mm.PhysToPtr(frame.Address())), 0, mm.PageSize)
	return frame, nil
}

// encodePTE builds a leaf entry for the given frame address and protection.
func encodePTE(physAddr mm.PhysAddr, prot Prot, user, nxCapable bool) uint64 {
	entry := uint64(physAddr)

	if prot == ProtNone {
		return entry | pteFlagProtNone
	}

	entry |= pteFlagPresent

	if prot&ProtWrite != 0 {
		entry |= pteFlagWrite
	}

	if user {
		entry |= pteFlagUser
	} else {
		entry |= pteFlagGlobal
	}

	if nxCapable && prot&ProtExec == 0 {
		entry |= pteFlagNoExecute
	}

	return entry
}

// decodePTE splits a leaf entry into frame address, protection and a mapped
// flag. Entries carrying neither the present nor the bookkeeping bit are
// not mapped.
func decodePTE(entry uint64, wide bool) (mm.PhysAddr, Prot, bool) {
	addrMask := uint64(pteAddrMask32)
	if wide {
		addrMask = pteAddrMask64
	}

	physAddr := mm.PhysAddr(entry & addrMask)

	if entry&pteFlagPresent == 0 {
		if entry&pteFlagProtNone != 0 {
			return physAddr, ProtNone, true
		}
		return 0, ProtNone, false
	}

	prot := ProtRead
	if entry&pteFlagWrite != 0 {
		prot |= ProtWrite
	}
	if !wide || entry&pteFlagNoExecute == 0 {
		prot |= ProtExec
	}

	return physAddr, prot, true
}
