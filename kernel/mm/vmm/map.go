package vmm

import (
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
)

var errOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory for page tables"}

// MapKernel installs a mapping in the shared kernel upper half. Because the
// kernel half's page tables are shared by construction, the mapping becomes
// visible in every address space. Mapping below KLimit through this entry
// point is a programming error and panics.
func MapKernel(va mm.VirtAddr, physAddr mm.PhysAddr, prot Prot) *kernel.Error {
	if !va.IsKernel() {
		kfmt.Panic(errMapKernelRange)
		return errMapKernelRange
	}

	pte, _, err := activePager.leafPTE(kernelSpace, va, true)
	if err != nil {
		return err
	}

	pte.store(encodePTE(physAddr, prot, false, activePager.supportsNoExecute()))
	invalidate(kernelSpace, va)

	return nil
}

// UnmapKernel removes a kernel mapping and invalidates its TLB entry on the
// current CPU.
func UnmapKernel(va mm.VirtAddr) {
	if !va.IsKernel() {
		kfmt.Panic(errMapKernelRange)
		return
	}

	pte, ok, _ := activePager.leafPTE(kernelSpace, va, false)
	if !ok {
		return
	}

	pte.store(0)
	invalidate(kernelSpace, va)
}

// LookupKernel translates a kernel virtual address. The second return value
// reports the mapping's protection; ok is false for unmapped addresses.
func LookupKernel(va mm.VirtAddr) (mm.PhysAddr, Prot, bool) {
	if !va.IsKernel() {
		return 0, ProtNone, false
	}
	return lookup(kernelSpace, va)
}

// MapUser installs a contiguous run of mappings in the user half of as. The
// operation is atomic: if an intermediate page table cannot be allocated,
// the mappings already installed by this call are rolled back. Mapping at or
// above KLimit through this entry point is a programming error and panics.
func MapUser(as *AddressSpace, va mm.VirtAddr, length uint32, physAddr mm.PhysAddr, prot Prot) *kernel.Error {
	pages, err := userRangePages(va, length)
	if err != nil {
		kfmt.Panic(err)
		return err
	}

	for i := uint32(0); i < pages; i++ {
		pte, _, err := activePager.leafPTE(as, va+mm.VirtAddr(i*mm.PageSize), true)
		if err != nil {
			rollbackUser(as, va, i)
			return err
		}

		pte.store(encodePTE(physAddr+mm.PhysAddr(i)*mm.PageSize, prot, true, activePager.supportsNoExecute()))
		invalidate(as, va+mm.VirtAddr(i*mm.PageSize))
	}

	return nil
}

// UnmapUser removes a run of user mappings. Missing mappings inside the run
// are skipped; intermediate tables that become empty are deliberately not
// freed (they are reclaimed when the address space is destroyed).
func UnmapUser(as *AddressSpace, va mm.VirtAddr, length uint32) {
	pages, err := userRangePages(va, length)
	if err != nil {
		kfmt.Panic(err)
		return
	}

	rollbackUser(as, va, pages)
}

// CloneUser duplicates a run of mappings from the user half of src into the
// user half of dst, sharing the underlying page frames. The destination
// mappings receive the supplied protection. Unmapped source pages fail the
// whole operation; the same rollback rule as MapUser applies.
func CloneUser(dst *AddressSpace, dstVA mm.VirtAddr, src *AddressSpace, srcVA mm.VirtAddr, length uint32, prot Prot) *kernel.Error {
	pages, err := userRangePages(dstVA, length)
	if err == nil {
		_, err = userRangePages(srcVA, length)
	}
	if err != nil {
		kfmt.Panic(err)
		return err
	}

	for i := uint32(0); i < pages; i++ {
		physAddr, _, mapped := lookup(src, srcVA+mm.VirtAddr(i*mm.PageSize))
		if !mapped {
			rollbackUser(dst, dstVA, i)
			return errCloneUnmappedSource
		}

		pte, _, err := activePager.leafPTE(dst, dstVA+mm.VirtAddr(i*mm.PageSize), true)
		if err != nil {
			rollbackUser(dst, dstVA, i)
			return err
		}

		pte.store(encodePTE(physAddr, prot, true, activePager.supportsNoExecute()))
		invalidate(dst, dstVA+mm.VirtAddr(i*mm.PageSize))
	}

	return nil
}

var errCloneUnmappedSource = &kernel.Error{Module: "vmm", Message: "clone_user: source page is not mapped"}

// LookupUser translates a user virtual address in as.
func LookupUser(as *AddressSpace, va mm.VirtAddr) (mm.PhysAddr, Prot, bool) {
	if va.IsKernel() {
		return 0, ProtNone, false
	}
	return lookup(as, va)
}

func lookup(as *AddressSpace, va mm.VirtAddr) (mm.PhysAddr, Prot, bool) {
	pte, ok, _ := activePager.leafPTE(as, va, false)
	if !ok {
		return 0, ProtNone, false
	}

	physAddr, prot, mapped := decodePTE(pte.load(), pte.wide)
	if !mapped {
		return 0, ProtNone, false
	}

	return physAddr + mm.PhysAddr(va.PageOffset()), prot, true
}

// rollbackUser clears the first pages entries of the run starting at va.
func rollbackUser(as *AddressSpace, va mm.VirtAddr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		pte, ok, _ := activePager.leafPTE(as, va+mm.VirtAddr(i*mm.PageSize), false)
		if !ok {
			continue
		}

		if pte.load() != 0 {
			pte.store(0)
			invalidate(as, va+mm.VirtAddr(i*mm.PageSize))
		}
	}
}

// userRangePages validates that [va, va+length) is page-aligned, does not
// wrap and lies entirely below KLimit, and returns its length in pages.
func userRangePages(va mm.VirtAddr, length uint32) (uint32, *kernel.Error) {
	if uint32(va)&mm.PageOffsetMask != 0 {
		return 0, errMapUserRange
	}

	length = (length + mm.PageOffsetMask) &^ uint32(mm.PageOffsetMask)

	end := uint64(va) + uint64(length)
	if end > uint64(mm.KLimit) {
		return 0, errMapUserRange
	}

	return length / mm.PageSize, nil
}
