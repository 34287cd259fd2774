package slab

import (
	"testing"
	"unsafe"

	"nucleos/kernel/mm"
	"nucleos/kernel/mm/mmtest"
)

func installSim(t *testing.T) *mmtest.Memory {
	t.Helper()

	mem := mmtest.New()
	SetFrameProvider(mem.AllocFrame, mem.FreeFrame)

	return mem
}

func TestAllocRunsConstructorOncePerObject(t *testing.T) {
	installSim(t)

	ctorCalls := 0
	cache, err := NewCache("ctor", 64, 16, func(obj unsafe.Pointer) {
		ctorCalls++
		*(*uint32)(obj) = 0xabad1dea
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	perSlab := int(mm.PageSize / cache.ObjectSize())

	first := cache.Alloc()
	if first == nil {
		t.Fatal("expected an object")
	}

	if ctorCalls != perSlab {
		t.Fatalf("expected the constructor to run %d times when the slab was carved; got %d", perSlab, ctorCalls)
	}

	if got := *(*uint32)(first); got != 0xabad1dea {
		t.Fatalf("expected a constructed object; got 0x%x", got)
	}

	// A free and re-alloc must not re-run the constructor.
	cache.Free(first)
	cache.Alloc()

	if ctorCalls != perSlab {
		t.Fatalf("expected no further constructor calls; got %d", ctorCalls)
	}
}

func TestAllocGrowsOnePageAtATime(t *testing.T) {
	mem := installSim(t)

	cache, err := NewCache("grow", 256, 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	perSlab := int(mm.PageSize / cache.ObjectSize())

	for i := 0; i < perSlab; i++ {
		if cache.Alloc() == nil {
			t.Fatalf("[alloc %d] expected an object", i)
		}
	}

	if exp, got := 1, mem.LiveFrames(); got != exp {
		t.Fatalf("expected %d slab page; got %d", exp, got)
	}

	if cache.Alloc() == nil {
		t.Fatal("expected an object from a second slab")
	}

	if exp, got := 2, mem.LiveFrames(); got != exp {
		t.Fatalf("expected %d slab pages; got %d", exp, got)
	}
}

func TestAllocReturnsNilUnderPressure(t *testing.T) {
	mem := installSim(t)
	mem.FailAfter = 0

	cache, err := NewCache("pressure", 128, 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got := cache.Alloc(); got != nil {
		t.Fatal("expected nil when no frame can be allocated")
	}
}

func TestObjectsAreDistinctAndAligned(t *testing.T) {
	installSim(t)

	cache, err := NewCache("align", 48, 32, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[unsafe.Pointer]bool)

	for i := 0; i < 100; i++ {
		obj := cache.Alloc()
		if obj == nil {
			t.Fatalf("[alloc %d] expected an object", i)
		}

		if seen[obj] {
			t.Fatalf("[alloc %d] object handed out twice", i)
		}
		seen[obj] = true

		if uintptr(obj)%32 != 0 {
			t.Fatalf("[alloc %d] object not 32-byte aligned", i)
		}
	}
}

func TestFreeMakesObjectAvailableAgain(t *testing.T) {
	installSim(t)

	cache, err := NewCache("reuse", 512, 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	obj := cache.Alloc()
	cache.Free(obj)

	if got := cache.Alloc(); got != obj {
		t.Errorf("expected the freed object %p to be handed out again; got %p", obj, got)
	}
}

func TestReapReleasesEmptySlabs(t *testing.T) {
	mem := installSim(t)

	dtorCalls := 0
	cache, err := NewCache("reap", 256, 16, nil, func(unsafe.Pointer) {
		dtorCalls++
	})
	if err != nil {
		t.Fatal(err)
	}

	perSlab := int(mm.PageSize / cache.ObjectSize())

	objs := make([]unsafe.Pointer, 0, perSlab+1)
	for i := 0; i < perSlab+1; i++ {
		objs = append(objs, cache.Alloc())
	}

	if exp, got := 2, mem.LiveFrames(); got != exp {
		t.Fatalf("expected %d slab pages; got %d", exp, got)
	}

	for _, obj := range objs {
		cache.Free(obj)
	}

	cache.Reap()

	if exp, got := 0, mem.LiveFrames(); got != exp {
		t.Errorf("expected every slab page to be released; %d remain", got)
	}

	if exp := 2 * perSlab; dtorCalls != exp {
		t.Errorf("expected the destructor to run %d times; got %d", exp, dtorCalls)
	}
}

func TestReapKeepsPartialSlabs(t *testing.T) {
	mem := installSim(t)

	cache, err := NewCache("partial", 256, 16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	obj := cache.Alloc()

	cache.Reap()

	if exp, got := 1, mem.LiveFrames(); got != exp {
		t.Fatalf("expected the partial slab to survive; %d pages live", got)
	}

	cache.Free(obj)
	ReapAll()

	if exp, got := 0, mem.LiveFrames(); got != exp {
		t.Errorf("expected the emptied slab to be released; %d pages live", got)
	}
}

func TestNewCacheRejectsOversizedObjects(t *testing.T) {
	installSim(t)

	if _, err := NewCache("huge", mm.PageSize+1, 16, nil, nil); err == nil {
		t.Fatal("expected an error for objects larger than a page")
	}
}
