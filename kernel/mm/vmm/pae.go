package vmm

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/slab"
)

// PAE three-level paging: a 4-entry page-directory-pointer table, page
// directories of 512 64-bit entries and page tables of 512 64-bit entries.
// Physical addresses may exceed 4 GiB and entries can express no-execute.
const (
	paeEntriesPerTable = 512
	pdptEntries        = 4

	// paeKernelDirPtr is the page-directory-pointer index covering the
	// kernel half. KLimit sits exactly on the third 1 GiB boundary, so
	// the whole fourth directory belongs to the kernel.
	paeKernelDirPtr = int(uint32(mm.KLimit) >> 30)
)

// pdptTable is the page-directory-pointer table. The processor requires it
// 32-byte aligned and resident below 4 GiB; instances come from a dedicated
// slab cache.
type pdptTable struct {
	entry [pdptEntries]uint64
}

// paePager implements the PAE format. As with the classical pager, every
// kernel-half page table is allocated up front so the kernel page directory
// never changes shape after boot; new address spaces receive a clone of that
// directory and share the tables it refers to.
type paePager struct {
	// kernelDir is the frame of the template kernel page directory.
	kernelDir mm.Frame

	// pdptCache allocates page-directory-pointer tables.
	pdptCache *slab.Cache
}

func newPAEPager() (pager, *kernel.Error) {
	p := &paePager{}

	cache, err := slab.NewCache("pdpt", unsafe.Sizeof(pdptTable{}), 32, nil, nil)
	if err != nil {
		return nil, err
	}
	p.pdptCache = cache

	if p.kernelDir, err = allocTable(); err != nil {
		return nil, err
	}

	dir := tableAt(p.kernelDir.Address())
	for i := 0; i < paeEntriesPerTable; i++ {
		table, err := allocTable()
		if err != nil {
			return nil, err
		}

		dir[i] = uint64(table.Address()) | pteFlagPresent | pteFlagWrite
	}

	return p, nil
}

// tableAt returns the 512-entry table at physAddr through the direct map.
func tableAt(physAddr mm.PhysAddr) *[paeEntriesPerTable]uint64 {
	return (*[paeEntriesPerTable]uint64)(mm.PhysToPtr(physAddr))
}

func (p *paePager) supportsNoExecute() bool {
	return true
}

func (p *paePager) createAddressSpace(as *AddressSpace) *kernel.Error {
	pdptPtr := p.pdptCache.Alloc()
	if pdptPtr == nil {
		return errOutOfMemory
	}

	pdpt := (*pdptTable)(pdptPtr)
	for i := range pdpt.entry {
		pdpt.entry[i] = 0
	}

	// The kernel directory is cloned, not shared: its entries never
	// change after boot, and the tables they point to are the shared
	// ones. User directories are allocated lazily on first use.
	kernelDir, err := allocTable()
	if err != nil {
		p.pdptCache.Free(pdptPtr)
		return err
	}

	src := tableAt(p.kernelDir.Address())
	dst := tableAt(kernelDir.Address())
	for i := 0; i < paeEntriesPerTable; i++ {
		dst[i] = src[i]
	}

	pdpt.entry[paeKernelDirPtr] = uint64(kernelDir.Address()) | pteFlagPresent

	as.pdpt = pdpt
	as.root = mm.PtrToPhys(pdptPtr)

	return nil
}

func (p *paePager) destroyAddressSpace(as *AddressSpace) {
	for i := 0; i < paeKernelDirPtr; i++ {
		entry := as.pdpt.entry[i]
		if entry&pteFlagPresent == 0 {
			continue
		}

		dirAddr := mm.PhysAddr(entry & pteAddrMask64)
		dir := tableAt(dirAddr)

		for j := 0; j < paeEntriesPerTable; j++ {
			if dir[j]&pteFlagPresent != 0 {
				frameCollector(mm.FrameFromAddress(mm.PhysAddr(dir[j] & pteAddrMask64)))
			}
		}

		frameCollector(mm.FrameFromAddress(dirAddr))
		as.pdpt.entry[i] = 0
	}

	// The cloned kernel directory goes back too; the shared kernel page
	// tables it refers to stay.
	kernelEntry := as.pdpt.entry[paeKernelDirPtr]
	if kernelEntry&pteFlagPresent != 0 {
		frameCollector(mm.FrameFromAddress(mm.PhysAddr(kernelEntry & pteAddrMask64)))
	}

	p.pdptCache.Free(unsafe.Pointer(as.pdpt))
}

func (p *paePager) leafPTE(as *AddressSpace, va mm.VirtAddr, allocate bool) (pteAccessor, bool, *kernel.Error) {
	var (
		ptrIndex   = int(uint32(va) >> 30)
		dirIndex   = (uint32(va) >> 21) & (paeEntriesPerTable - 1)
		tableIndex = (uint32(va) >> mm.PageShift) & (paeEntriesPerTable - 1)
	)

	ptrEntry := as.pdpt.entry[ptrIndex]
	if ptrEntry&pteFlagPresent == 0 {
		if !allocate {
			return pteAccessor{}, false, nil
		}

		dirFrame, err := allocTable()
		if err != nil {
			return pteAccessor{}, false, err
		}

		ptrEntry = uint64(dirFrame.Address()) | pteFlagPresent
		as.pdpt.entry[ptrIndex] = ptrEntry

		// The processor caches the four directory pointers when cr3 is
		// loaded; a change to them requires a full reload.
		if as == currentSpace {
			cpu.ReloadTLB()
		}
	}

	dir := tableAt(mm.PhysAddr(ptrEntry & pteAddrMask64))

	dirEntry := dir[dirIndex]
	if dirEntry&pteFlagPresent == 0 {
		if !allocate {
			return pteAccessor{}, false, nil
		}

		table, err := allocTable()
		if err != nil {
			return pteAccessor{}, false, err
		}

		dirEntry = uint64(table.Address()) | pteFlagPresent | pteFlagWrite | pteFlagUser
		dir[dirIndex] = dirEntry
	}

	tableBase := uintptr(mm.PhysToPtr(mm.PhysAddr(dirEntry & pteAddrMask64)))
	ptr := unsafe.Pointer(tableBase + uintptr(tableIndex)*8)

	return pteAccessor{ptr: ptr, wide: true}, true, nil
}
