package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

// AddressSpace describes one translation context: the physical address of
// its root page table and, for the PAE pager, the cached page-directory
// pointers the processor loads from it.
type AddressSpace struct {
	// root is the value loaded into cr3 when this address space is
	// activated: the page directory in classical mode, the page-
	// directory-pointer table in PAE mode.
	root mm.PhysAddr

	// pdpt points to the four page-directory pointers (PAE only).
	pdpt *pdptTable
}

// Root returns the physical address loaded into cr3 for this space.
func (as *AddressSpace) Root() mm.PhysAddr {
	return as.root
}

// InitAddressSpace initializes as as a new address space whose upper half
// shares the kernel template's page tables. It is used by callers that embed
// the address space in a larger object.
func InitAddressSpace(as *AddressSpace) *kernel.Error {
	if activePager == nil {
		return errNotInitialized
	}
	return activePager.createAddressSpace(as)
}

// CreateAddressSpace allocates a new address space whose upper half shares
// the kernel template's page tables.
func CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	as := new(AddressSpace)
	if err := InitAddressSpace(as); err != nil {
		return nil, err
	}

	return as, nil
}

// DestroyAddressSpace releases the page tables of the user half and the
// root structures. The kernel half's tables are shared and survive. The
// frames of mapped user pages are not owned by the address space and are
// left alone.
func DestroyAddressSpace(as *AddressSpace) {
	if as == nil || as == kernelSpace {
		return
	}

	if as == currentSpace {
		SwitchTo(kernelSpace)
	}

	activePager.destroyAddressSpace(as)
	as.root = 0
	as.pdpt = nil
}

// SwitchTo activates the supplied address space.
func SwitchTo(as *AddressSpace) {
	currentSpace = as
	cpu.SwitchAddressSpace(uint64(as.root))
}

// CurrentSpace returns the address space whose root is loaded.
func CurrentSpace() *AddressSpace {
	return currentSpace
}

// invalidate flushes the TLB entry for va if the mutation is visible to the
// running translation: always for the shared kernel half, and for the user
// half only when the mutated space is the loaded one.
func invalidate(as *AddressSpace, va mm.VirtAddr) {
	if va.IsKernel() || as == currentSpace {
		cpu.FlushTLBEntry(uint32(va))
	}
}
