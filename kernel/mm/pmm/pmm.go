// Package pmm implements the physical page frame allocator: a LIFO stack of
// free 4 KiB frames, preceded during boot by an early allocator that bumps a
// cursor through the kernel image's trailing region.
package pmm

import (
	"nucleos/kernel"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
)

const (
	// PageStackSize is the capacity of the free frame stack.
	PageStackSize = 1024

	// PageStackInit is the number of frames seeded onto the stack when
	// the allocator transitions out of early mode during boot.
	PageStackInit = 128
)

var (
	// earlyMode is true from EarlyInit until the one-way switch performed
	// by Init. The flag guards against early allocations after the stack
	// has taken over and vice versa; calls in the wrong mode are
	// programming errors.
	earlyMode bool

	// earlyCursor is the physical address the next early allocation is
	// carved from. It starts at the boot-information page-allocation
	// cursor, just past the kernel image.
	earlyCursor mm.PhysAddr

	// earlyLimit is the physical address early allocation must not reach.
	earlyLimit mm.PhysAddr

	stack      [PageStackSize]mm.Frame
	stackCount int

	allocCount uint64

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// EarlyInit places the allocator in early mode, bump-allocating from the
// region [cursor, limit). It must be called before any frame allocation.
func EarlyInit(cursor, limit mm.PhysAddr) {
	if cursor&mm.PageOffsetMask != 0 {
		cursor = (cursor + mm.PageOffsetMask) &^ mm.PhysAddr(mm.PageOffsetMask)
	}

	earlyMode = true
	earlyCursor = cursor
	earlyLimit = limit
	stackCount = 0
	allocCount = 0
}

// EarlyAllocFrame linearly allocates the next frame from the boot region.
// Running out of memory during boot is fatal.
func EarlyAllocFrame() mm.Frame {
	if !earlyMode {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "early allocation after switch to page stack"})
		return mm.InvalidFrame
	}

	if earlyCursor+mm.PageSize > earlyLimit {
		kfmt.Panic(errOutOfMemory)
		return mm.InvalidFrame
	}

	frame := mm.FrameFromAddress(earlyCursor)
	earlyCursor += mm.PageSize
	allocCount++

	return frame
}

// Init seeds the free frame stack with PageStackInit frames taken from the
// early region and performs the one-way switch out of early mode. It is
// called immediately after the virtual memory manager has claimed the page
// tables it needs for the kernel half.
func Init() {
	if !earlyMode {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "page stack initialized twice"})
		return
	}

	for i := 0; i < PageStackInit; i++ {
		frame := EarlyAllocFrame()
		stack[stackCount] = frame
		stackCount++
	}

	earlyMode = false
}

// AllocFrame pops a frame off the free stack. At runtime exhaustion is
// reported to the caller; it is never fatal.
func AllocFrame() (mm.Frame, *kernel.Error) {
	if earlyMode {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "stack allocation in early mode"})
		return mm.InvalidFrame, errOutOfMemory
	}

	if stackCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	stackCount--
	allocCount++

	return stack[stackCount], nil
}

// FreeFrame returns a frame to the free stack. If the stack is full the
// frame is leaked rather than the kernel brought down.
func FreeFrame(frame mm.Frame) {
	if !frame.Valid() {
		return
	}

	if stackCount >= PageStackSize {
		return
	}

	stack[stackCount] = frame
	stackCount++
}

// FreeFrameCount returns the number of frames currently on the free stack.
func FreeFrameCount() int {
	return stackCount
}

// AllocCount returns the total number of frames handed out since boot.
func AllocCount() uint64 {
	return allocCount
}
