package vmm

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm"
)

// Classical two-level paging: a page directory of 1024 32-bit entries, each
// referring to a page table of 1024 32-bit entries, 4 GiB of physical
// address space.
const (
	nopaeEntriesPerTable = 1024

	// nopaeFirstKernelDir is the page-directory index of KLimit; entries
	// at and above it form the shared kernel half.
	nopaeFirstKernelDir = int(uint32(mm.KLimit) >> 22)
)

// nopaePager implements the classical format. The kernel half's page tables
// are all allocated up front by newNoPAEPager so that the set of kernel
// page-directory entries never changes after boot; cloning them into a new
// address space is then a plain copy and every later map_kernel is visible
// through the shared tables in all address spaces.
type nopaePager struct {
	// kernelDir holds the template's kernel-half directory entries.
	kernelDir [nopaeEntriesPerTable]uint32
}

func newNoPAEPager() (pager, *kernel.Error) {
	p := &nopaePager{}

	for i := nopaeFirstKernelDir; i < nopaeEntriesPerTable; i++ {
		table, err := allocTable()
		if err != nil {
			return nil, err
		}

		p.kernelDir[i] = uint32(table.Address()) | pteFlagPresent | pteFlagWrite
	}

	return p, nil
}

func (p *nopaePager) supportsNoExecute() bool {
	return false
}

// dir returns the page directory of as through the direct map.
func (p *nopaePager) dir(as *AddressSpace) *[nopaeEntriesPerTable]uint32 {
	return (*[nopaeEntriesPerTable]uint32)(mm.PhysToPtr(as.root))
}

func (p *nopaePager) createAddressSpace(as *AddressSpace) *kernel.Error {
	rootFrame, err := allocTable()
	if err != nil {
		return err
	}

	as.root = rootFrame.Address()
	as.pdpt = nil

	dir := p.dir(as)
	for i := nopaeFirstKernelDir; i < nopaeEntriesPerTable; i++ {
		dir[i] = p.kernelDir[i]
	}

	return nil
}

func (p *nopaePager) destroyAddressSpace(as *AddressSpace) {
	dir := p.dir(as)

	for i := 0; i < nopaeFirstKernelDir; i++ {
		if dir[i]&pteFlagPresent != 0 {
			frameCollector(mm.FrameFromAddress(mm.PhysAddr(dir[i] & pteAddrMask32)))
			dir[i] = 0
		}
	}

	frameCollector(mm.FrameFromAddress(as.root))
}

func (p *nopaePager) leafPTE(as *AddressSpace, va mm.VirtAddr, allocate bool) (pteAccessor, bool, *kernel.Error) {
	var (
		dirIndex   = int(uint32(va) >> 22)
		tableIndex = (uint32(va) >> mm.PageShift) & (nopaeEntriesPerTable - 1)
		dir        = p.dir(as)
	)

	entry := dir[dirIndex]
	if entry&pteFlagPresent == 0 {
		if !allocate {
			return pteAccessor{}, false, nil
		}

		table, err := allocTable()
		if err != nil {
			return pteAccessor{}, false, err
		}

		entry = uint32(table.Address()) | pteFlagPresent | pteFlagWrite | pteFlagUser
		dir[dirIndex] = entry
	}

	tableBase := uintptr(mm.PhysToPtr(mm.PhysAddr(entry & pteAddrMask32)))
	ptr := unsafe.Pointer(tableBase + uintptr(tableIndex)*4)

	return pteAccessor{ptr: ptr, wide: false}, true, nil
}
