// Package slab implements per-type object caches in the style of the
// classic slab allocator. Each cache carves page-sized slabs out of the
// physical page allocator and keeps the objects in them constructed, so that
// allocation is O(1) and returns an object whose invariants already hold.
package slab

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
)

// Ctor initializes a freshly carved object. It runs once per object, when
// its slab is created; Free relies on the caller having restored the
// constructed invariants so the next Alloc sees a valid object.
type Ctor func(obj unsafe.Pointer)

// Dtor tears an object down before its slab is returned to the page
// allocator.
type Dtor func(obj unsafe.Pointer)

var (
	// The allocation hooks default to the physical page allocator and are
	// replaced by tests that simulate physical memory.
	frameAllocFn = pmm.AllocFrame
	frameFreeFn  = pmm.FreeFrame

	// caches links every created cache so Reap can walk the registry.
	caches *Cache

	errCacheObjectTooLarge = &kernel.Error{Module: "slab", Message: "object size exceeds slab size"}
)

// SetFrameProvider overrides the page-frame source used to grow caches.
func SetFrameProvider(alloc func() (mm.Frame, *kernel.Error), free func(mm.Frame)) {
	frameAllocFn = alloc
	frameFreeFn = free
}

// slab is the bookkeeping for one page worth of objects.
type slab struct {
	next  *slab
	cache *Cache
	frame mm.Frame

	// free is a stack of object indices available for allocation.
	free  [mm.PageSize / minObjectSize]uint16
	avail uint16
}

// minObjectSize bounds the free-stack size in the slab bookkeeping.
const minObjectSize = 16

// Cache manages the slabs for one object type.
type Cache struct {
	name    string
	objSize uintptr
	perSlab uint16
	ctor    Ctor
	dtor    Dtor

	slabs *slab

	nextCache *Cache
}

// NewCache creates a cache of objects of the given size and alignment. The
// constructor and destructor may be nil.
func NewCache(name string, size, align uintptr, ctor Ctor, dtor Dtor) (*Cache, *kernel.Error) {
	if align < minObjectSize {
		align = minObjectSize
	}

	size = (size + align - 1) &^ (align - 1)
	if size > mm.PageSize {
		return nil, errCacheObjectTooLarge
	}

	c := &Cache{
		name:    name,
		objSize: size,
		perSlab: uint16(mm.PageSize / size),
		ctor:    ctor,
		dtor:    dtor,
	}

	c.nextCache = caches
	caches = c

	return c, nil
}

// Name returns the name the cache was created with.
func (c *Cache) Name() string {
	return c.name
}

// ObjectSize returns the rounded per-object size.
func (c *Cache) ObjectSize() uintptr {
	return c.objSize
}

// Alloc returns a constructed object, or nil under memory pressure.
func (c *Cache) Alloc() unsafe.Pointer {
	s := c.slabs
	for s != nil && s.avail == 0 {
		s = s.next
	}

	if s == nil {
		var err *kernel.Error
		if s, err = c.grow(); err != nil {
			return nil
		}
	}

	s.avail--
	index := s.free[s.avail]

	return unsafe.Pointer(uintptr(mm.PhysToPtr(s.frame.Address())) + uintptr(index)*c.objSize)
}

// Free returns an object to its slab. The object must have its constructed
// invariants restored before the call.
func (c *Cache) Free(obj unsafe.Pointer) {
	base := uintptr(obj) &^ uintptr(mm.PageOffsetMask)
	frame := mm.FrameFromAddress(mm.PtrToPhys(unsafe.Pointer(base)))

	for s := c.slabs; s != nil; s = s.next {
		if s.frame == frame {
			index := (uintptr(obj) - base) / c.objSize
			s.free[s.avail] = uint16(index)
			s.avail++
			return
		}
	}

	// Freeing an object a cache never handed out is a programming error.
	// The object is dropped; nothing else can be done safely.
}

// Reap hands the page frames of completely free slabs back to the page
// allocator, running the destructor on each object in them.
func (c *Cache) Reap() {
	var kept *slab

	s := c.slabs
	c.slabs = nil

	for s != nil {
		next := s.next

		if s.avail == c.perSlab {
			if c.dtor != nil {
				base := uintptr(mm.PhysToPtr(s.frame.Address()))
				for i := uint16(0); i < c.perSlab; i++ {
					c.dtor(unsafe.Pointer(base + uintptr(i)*c.objSize))
				}
			}
			frameFreeFn(s.frame)
		} else {
			s.next = kept
			kept = s
		}

		s = next
	}

	c.slabs = kept
}

// ReapAll walks the cache registry and reaps every cache.
func ReapAll() {
	for c := caches; c != nil; c = c.nextCache {
		c.Reap()
	}
}

// grow adds one slab to the cache.
func (c *Cache) grow() (*slab, *kernel.Error) {
	frame, err := frameAllocFn()
	if err != nil {
		return nil, err
	}

	s := &slab{
		cache: c,
		frame: frame,
		avail: c.perSlab,
	}

	base := uintptr(mm.PhysToPtr(frame.Address()))
	for i := uint16(0); i < c.perSlab; i++ {
		// Stack the indices so the lowest-address object goes out first.
		s.free[i] = c.perSlab - 1 - i
		if c.ctor != nil {
			c.ctor(unsafe.Pointer(base + uintptr(i)*c.objSize))
		}
	}

	s.next = c.slabs
	c.slabs = s

	return s, nil
}
