package vmm

import (
	"testing"

	"nucleos/kernel/cmdline"
	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/mmtest"
	"nucleos/kernel/mm/slab"
)

// bootVMM initializes the manager against simulated physical memory.
func bootVMM(t *testing.T, pae bool) *mmtest.Memory {
	t.Helper()

	mem := mmtest.New()
	SetFrameAllocator(mem.AllocFrame, mem.FreeFrame)
	slab.SetFrameProvider(mem.AllocFrame, mem.FreeFrame)

	policy := cmdline.PAEDisable
	if pae {
		policy = cmdline.PAERequire
	}

	if err := Init(policy, pae); err != nil {
		t.Fatal(err)
	}

	return mem
}

// forEachPager runs the test once per page-table format.
func forEachPager(t *testing.T, test func(t *testing.T, pae bool)) {
	t.Run("nopae", func(t *testing.T) { test(t, false) })
	t.Run("pae", func(t *testing.T) { test(t, true) })
}

func TestInitPAESelection(t *testing.T) {
	specs := []struct {
		policy    cmdline.PAEOption
		cpuHasPAE bool
		expErr    bool
		expPAE    bool
	}{
		{cmdline.PAEAuto, true, false, true},
		{cmdline.PAEAuto, false, false, false},
		{cmdline.PAEDisable, true, false, false},
		{cmdline.PAEDisable, false, false, false},
		{cmdline.PAERequire, true, false, true},
		{cmdline.PAERequire, false, true, false},
	}

	for specIndex, spec := range specs {
		mem := mmtest.New()
		SetFrameAllocator(mem.AllocFrame, mem.FreeFrame)
		slab.SetFrameProvider(mem.AllocFrame, mem.FreeFrame)

		err := Init(spec.policy, spec.cpuHasPAE)

		if spec.expErr {
			if err == nil {
				t.Errorf("[spec %d] expected boot to fail", specIndex)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if got := PAEEnabled(); got != spec.expPAE {
			t.Errorf("[spec %d] expected PAE enabled to be %t; got %t", specIndex, spec.expPAE, got)
		}
	}
}

func TestKernelUpperHalfIsSharedAcrossAddressSpaces(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		as, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		// The kernel-half directory entries of a fresh address space
		// must be identical to the template's: they refer to the same
		// physical page tables.
		if pae {
			p := activePager.(*paePager)
			template := tableAt(p.kernelDir.Address())

			cloneAddr := mm.PhysAddr(as.pdpt.entry[paeKernelDirPtr] & pteAddrMask64)
			clone := tableAt(cloneAddr)

			for i := 0; i < paeEntriesPerTable; i++ {
				if template[i] != clone[i] {
					t.Fatalf("kernel directory entry %d differs from the template", i)
				}
			}
		} else {
			p := activePager.(*nopaePager)
			dir := p.dir(as)

			for i := nopaeFirstKernelDir; i < nopaeEntriesPerTable; i++ {
				if dir[i] != p.kernelDir[i] {
					t.Fatalf("kernel directory entry %d differs from the template", i)
				}
			}
		}

		// A kernel mapping installed after the address space was
		// created must be visible through it.
		const va = mm.VirtAddr(0xd0000000)

		if err := MapKernel(va, 0x7fff000, ProtRead|ProtWrite); err != nil {
			t.Fatal(err)
		}

		physAddr, _, mapped := lookup(as, va)
		if !mapped {
			t.Fatal("expected the kernel mapping to be visible in the new address space")
		}

		if exp := mm.PhysAddr(0x7fff000); physAddr != exp {
			t.Fatalf("expected physical address 0x%x; got 0x%x", exp, physAddr)
		}

		UnmapKernel(va)

		if _, _, mapped = lookup(as, va); mapped {
			t.Fatal("expected the kernel unmap to be visible in the new address space")
		}
	})
}

func TestMapKernelRangeChecks(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		if err := MapKernel(0x40000000, 0x1000, ProtRead); err != errMapKernelRange {
			t.Errorf("expected errMapKernelRange; got %v", err)
		}
	})
}

func TestCreateDestroyAddressSpaceLeavesNoFrames(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		mem := bootVMM(t, pae)

		baseline := mem.LiveFrames()

		as, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		// Touch several distant regions so multiple page tables (and,
		// under PAE, multiple page directories) are allocated.
		for _, va := range []mm.VirtAddr{0x1000, 0x10000000, 0x40400000, 0x7fc00000} {
			if err := MapUser(as, va, 3*mm.PageSize, 0x8000000, ProtRead|ProtWrite); err != nil {
				t.Fatal(err)
			}
		}

		UnmapUser(as, 0x1000, 3*mm.PageSize)

		DestroyAddressSpace(as)

		if got := mem.LiveFrames(); got != baseline {
			t.Errorf("expected the physical page-count delta to be zero; %d frames leaked", got-baseline)
		}
	})
}

func TestSwitchTo(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		var loadedRoot uint64

		origSwitch := cpu.SwitchAddressSpace
		cpu.SwitchAddressSpace = func(root uint64) { loadedRoot = root }
		defer func() { cpu.SwitchAddressSpace = origSwitch }()

		bootVMM(t, pae)

		as, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		SwitchTo(as)

		if CurrentSpace() != as {
			t.Error("expected the new space to be current")
		}

		if loadedRoot != uint64(as.Root()) {
			t.Errorf("expected cr3 to be loaded with 0x%x; got 0x%x", as.Root(), loadedRoot)
		}
	})
}
