package bootinfo

import "testing"

func validRecord() *BootInfo {
	return &BootInfo{
		KernelImage: PhysRange{Start: 0x100000, End: 0x300000},
		LoaderImage: PhysRange{Start: 0x300000, End: 0x380000},
		CmdLine:     "pae=auto",
		MemoryMap: []MemoryRange{
			{PhysAddr: 0, Length: 0x9f000, Type: MemAvailable},
			{PhysAddr: 0x9f000, Length: 0x1000, Type: MemReserved},
			{PhysAddr: 0x100000, Length: 0x200000, Type: MemKernelImage},
			{PhysAddr: 0x300000, Length: 0xfd00000, Type: MemAvailable},
		},
		Features: 0x1,
	}
}

func TestAdoptRejectsInvalidRecords(t *testing.T) {
	defer func() { current = nil }()

	specs := []struct {
		name string
		bi   *BootInfo
	}{
		{"nil record", nil},
		{"empty kernel image", &BootInfo{MemoryMap: []MemoryRange{{Length: 1}}}},
		{"empty memory map", &BootInfo{KernelImage: PhysRange{Start: 1, End: 2}}},
	}

	for _, spec := range specs {
		current = nil

		if Adopt(spec.bi) {
			t.Errorf("%s: expected Adopt to fail", spec.name)
		}

		if Get() != nil {
			t.Errorf("%s: expected no record to be adopted", spec.name)
		}
	}
}

func TestAdoptAndVisit(t *testing.T) {
	defer func() { current = nil }()

	bi := validRecord()
	if !Adopt(bi) {
		t.Fatal("expected Adopt to succeed")
	}

	if Get() != bi {
		t.Fatal("expected Get to return the adopted record")
	}

	var availableBytes uint64
	visited := 0

	VisitMemRanges(func(r *MemoryRange) bool {
		visited++
		if r.Type == MemAvailable {
			availableBytes += r.Length
		}
		return true
	})

	if exp := len(bi.MemoryMap); visited != exp {
		t.Errorf("expected %d visited ranges; got %d", exp, visited)
	}

	if exp := uint64(0x9f000 + 0xfd00000); availableBytes != exp {
		t.Errorf("expected %d available bytes; got %d", exp, availableBytes)
	}
}

func TestVisitAbort(t *testing.T) {
	defer func() { current = nil }()

	Adopt(validRecord())

	visited := 0
	VisitMemRanges(func(*MemoryRange) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Errorf("expected the visit to stop after 1 range; got %d", visited)
	}
}

func TestHasFeature(t *testing.T) {
	defer func() { current = nil }()

	current = nil
	if HasFeature(0x1) {
		t.Error("expected no features before Adopt")
	}

	Adopt(validRecord())

	if !HasFeature(0x1) {
		t.Error("expected feature bit 0 to be set")
	}

	if HasFeature(0x2) {
		t.Error("expected feature bit 1 to be clear")
	}
}

func TestMemoryRangeTypeNames(t *testing.T) {
	if exp, got := "loader available", MemLoaderAvailable.String(); got != exp {
		t.Errorf("expected %q; got %q", exp, got)
	}

	if exp, got := "unknown", MemoryRangeType(99).String(); got != exp {
		t.Errorf("expected %q; got %q", exp, got)
	}
}
