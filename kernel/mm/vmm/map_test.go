package vmm

import (
	"testing"

	"nucleos/kernel/cpu"
	"nucleos/kernel/mm"
)

func TestMapUserLookupUnmapRoundTrip(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		as, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		const (
			va       = mm.VirtAddr(0x40000000)
			physAddr = mm.PhysAddr(0x2000000)
		)

		if _, _, mapped := LookupUser(as, va); mapped {
			t.Fatal("expected the page to be unmapped initially")
		}

		if err := MapUser(as, va, mm.PageSize, physAddr, ProtRead|ProtWrite); err != nil {
			t.Fatal(err)
		}

		got, prot, mapped := LookupUser(as, va+0x123)
		if !mapped {
			t.Fatal("expected the page to be mapped")
		}

		if exp := physAddr + 0x123; got != exp {
			t.Errorf("expected physical address 0x%x; got 0x%x", exp, got)
		}

		if prot&ProtWrite == 0 || prot&ProtRead == 0 {
			t.Errorf("expected a readable, writable mapping; got prot 0x%x", prot)
		}

		UnmapUser(as, va, mm.PageSize)

		if _, _, mapped := LookupUser(as, va); mapped {
			t.Fatal("expected the page to be unmapped after the round trip")
		}
	})
}

func TestMapUserRollsBackOnAllocationFailure(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		mem := bootVMM(t, pae)

		as, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		// The run crosses a page-table boundary (4 MiB classical,
		// 2 MiB PAE), so the second half needs a fresh page table.
		// Let the first table allocation succeed and the second fail.
		boundary := mm.VirtAddr(0x400000)
		if pae {
			boundary = 0x200000
		}
		va := boundary - 2*mm.PageSize

		// Under PAE the first mapping also allocates a page directory.
		mem.FailAfter = 1
		if pae {
			mem.FailAfter = 2
		}

		if err := MapUser(as, va, 4*mm.PageSize, 0x3000000, ProtRead); err == nil {
			t.Fatal("expected the map to fail")
		}

		mem.FailAfter = -1

		for i := mm.VirtAddr(0); i < 4; i++ {
			if _, _, mapped := LookupUser(as, va+i*mm.PageSize); mapped {
				t.Errorf("expected page %d of the failed run to be rolled back", i)
			}
		}
	})
}

func TestCloneUserSharesFrames(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		src, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		dst, err := CreateAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		const (
			srcVA    = mm.VirtAddr(0x10000000)
			dstVA    = mm.VirtAddr(0x20000000)
			physAddr = mm.PhysAddr(0x4000000)
			length   = 3 * mm.PageSize
		)

		if err := MapUser(src, srcVA, length, physAddr, ProtRead|ProtWrite); err != nil {
			t.Fatal(err)
		}

		if err := CloneUser(dst, dstVA, src, srcVA, length, ProtRead); err != nil {
			t.Fatal(err)
		}

		for i := mm.VirtAddr(0); i < 3; i++ {
			srcPhys, _, _ := LookupUser(src, srcVA+i*mm.PageSize)

			dstPhys, dstProt, mapped := LookupUser(dst, dstVA+i*mm.PageSize)
			if !mapped {
				t.Fatalf("expected cloned page %d to be mapped", i)
			}

			if srcPhys != dstPhys {
				t.Errorf("[page %d] expected the clone to share frame 0x%x; got 0x%x", i, srcPhys, dstPhys)
			}

			if dstProt&ProtWrite != 0 {
				t.Errorf("[page %d] expected the clone to be read-only", i)
			}
		}

		// Unmapping the source must not affect the clone: the frames
		// are shared, not chained.
		UnmapUser(src, srcVA, length)

		if _, _, mapped := LookupUser(dst, dstVA); !mapped {
			t.Error("expected the clone to survive the source unmap")
		}
	})
}

func TestCloneUserUnmappedSourceRollsBack(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		src, _ := CreateAddressSpace()
		dst, _ := CreateAddressSpace()

		// Only the first of three source pages is mapped.
		if err := MapUser(src, 0x10000000, mm.PageSize, 0x4000000, ProtRead); err != nil {
			t.Fatal(err)
		}

		if err := CloneUser(dst, 0x20000000, src, 0x10000000, 3*mm.PageSize, ProtRead); err == nil {
			t.Fatal("expected the clone to fail")
		}

		if _, _, mapped := LookupUser(dst, 0x20000000); mapped {
			t.Error("expected the partially installed clone to be rolled back")
		}
	})
}

func TestProtNoneKeepsFrameButFaults(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		bootVMM(t, pae)

		as, _ := CreateAddressSpace()

		const (
			va       = mm.VirtAddr(0x30000000)
			physAddr = mm.PhysAddr(0x5000000)
		)

		if err := MapUser(as, va, mm.PageSize, physAddr, ProtNone); err != nil {
			t.Fatal(err)
		}

		got, prot, mapped := LookupUser(as, va)
		if !mapped {
			t.Fatal("expected a PROT_NONE page to remain mapped for bookkeeping")
		}

		if got != physAddr {
			t.Errorf("expected the frame to be retained; got 0x%x", got)
		}

		if prot != ProtNone {
			t.Errorf("expected ProtNone; got 0x%x", prot)
		}

		// The architectural present bit must be clear so access faults.
		pte, ok, _ := activePager.leafPTE(as, va, false)
		if !ok {
			t.Fatal("expected a leaf entry")
		}

		if pte.load()&pteFlagPresent != 0 {
			t.Error("expected the present bit to be clear on a PROT_NONE entry")
		}

		// A protection transition must keep the underlying frame.
		if err := MapUser(as, va, mm.PageSize, physAddr, ProtRead); err != nil {
			t.Fatal(err)
		}

		got, prot, _ = LookupUser(as, va)
		if got != physAddr || prot != ProtRead|ProtExec && prot != ProtRead {
			t.Errorf("expected the frame to survive the transition; got 0x%x prot 0x%x", got, prot)
		}
	})
}

func TestNoExecuteEncoding(t *testing.T) {
	bootVMM(t, true)

	as, _ := CreateAddressSpace()

	if err := MapUser(as, 0x10000000, mm.PageSize, 0x4000000, ProtRead|ProtWrite); err != nil {
		t.Fatal(err)
	}

	pte, ok, _ := activePager.leafPTE(as, 0x10000000, false)
	if !ok {
		t.Fatal("expected a leaf entry")
	}

	if pte.load()&pteFlagNoExecute == 0 {
		t.Error("expected NX to be set on a mapping without ProtExec")
	}

	_, prot, _ := LookupUser(as, 0x10000000)
	if prot&ProtExec != 0 {
		t.Error("expected the decoded protection to lack ProtExec")
	}

	if err := MapUser(as, 0x10001000, mm.PageSize, 0x4001000, ProtRead|ProtExec); err != nil {
		t.Fatal(err)
	}

	pte, _, _ = activePager.leafPTE(as, 0x10001000, false)
	if pte.load()&pteFlagNoExecute != 0 {
		t.Error("expected NX to be clear on an executable mapping")
	}
}

func TestTLBInvalidation(t *testing.T) {
	forEachPager(t, func(t *testing.T, pae bool) {
		var (
			flushCount  int
			reloadCount int
		)

		origFlush, origReload := cpu.FlushTLBEntry, cpu.ReloadTLB
		cpu.FlushTLBEntry = func(uint32) { flushCount++ }
		cpu.ReloadTLB = func() { reloadCount++ }
		defer func() {
			cpu.FlushTLBEntry = origFlush
			cpu.ReloadTLB = origReload
		}()

		bootVMM(t, pae)

		as, _ := CreateAddressSpace()

		// Kernel-half mutations are always flushed: the mapping is
		// visible to the running translation in every address space.
		flushCount = 0
		if err := MapKernel(0xd0000000, 0x1000, ProtRead); err != nil {
			t.Fatal(err)
		}

		if exp := 1; flushCount != exp {
			t.Errorf("expected %d flush after a kernel map; got %d", exp, flushCount)
		}

		// User-half mutations in a non-current address space are not.
		flushCount = 0
		if err := MapUser(as, 0x10000000, mm.PageSize, 0x4000000, ProtRead); err != nil {
			t.Fatal(err)
		}

		if flushCount != 0 {
			t.Errorf("expected no flush for a non-current space; got %d", flushCount)
		}

		// Once the space is loaded, its mutations are flushed.
		SwitchTo(as)

		flushCount = 0
		if err := MapUser(as, 0x10001000, mm.PageSize, 0x4001000, ProtRead); err != nil {
			t.Fatal(err)
		}

		if exp := 1; flushCount != exp {
			t.Errorf("expected %d flush for the current space; got %d", exp, flushCount)
		}

		// Under PAE, growing a directory pointer of the current space
		// forces a full reload: the processor caches those entries.
		if pae {
			reloadCount = 0
			if err := MapUser(as, 0x70000000, mm.PageSize, 0x4002000, ProtRead); err != nil {
				t.Fatal(err)
			}

			if exp := 1; reloadCount != exp {
				t.Errorf("expected %d cr3 reload after a directory-pointer change; got %d", exp, reloadCount)
			}
		}
	})
}
