// Package kmain ties the core together: it brings the subsystems up in
// their required order and constructs the first user process.
package kmain

import (
	"nucleos/kernel"
	"nucleos/kernel/bootinfo"
	"nucleos/kernel/cmdline"
	"nucleos/kernel/cpu"
	"nucleos/kernel/ipc"
	"nucleos/kernel/kfmt"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/pmm"
	"nucleos/kernel/mm/slab"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/object"
	"nucleos/kernel/proc"
	"nucleos/kernel/syscall"
)

var errBadBootInfo = &kernel.Error{Module: "kmain", Message: "invalid boot information record"}

// Boot initializes the core. The initialization order is fixed and
// load-bearing; every step feeds the next:
//
//  1. the boot-information record is adopted and the command line parsed;
//  2. the page allocator enters early mode, bumping through the kernel
//     image's trailing region;
//  3. the virtual memory manager selects the paging format and builds the
//     kernel template, allocating the shared kernel-half page tables from
//     the early allocator;
//  4. the page allocator seeds its free stack and performs the one-way
//     switch out of early mode;
//  5. the slab caches for processes, threads and endpoints are created;
//  6. the system call entry mechanism is selected;
//  7. the first process and its main thread are constructed and the
//     designated exec-time descriptors installed.
//
// The returned thread is handed to proc.StartFirstThread by the platform
// glue once the trap and interrupt paths are armed.
func Boot(bi *bootinfo.BootInfo) (*proc.Thread, *kernel.Error) {
	if !bootinfo.Adopt(bi) {
		return nil, errBadBootInfo
	}

	cmdline.Parse(bi.CmdLine)
	cmdline.ReportParsingErrors()

	pmm.EarlyInit(mm.PhysAddr(bi.PageAllocCursor), availableTop(bi))

	// The PAE template allocates its page-directory-pointer table from a
	// slab cache, so both allocators feed from the early region until the
	// page stack takes over.
	vmm.SetFrameAllocator(earlyFrameAlloc, pmm.FreeFrame)
	slab.SetFrameProvider(earlyFrameAlloc, pmm.FreeFrame)

	if err := vmm.Init(cmdline.Get().PAE, bootinfo.HasFeature(cpu.FeaturePAE)); err != nil {
		return nil, err
	}

	pmm.Init()
	vmm.SetFrameAllocator(pmm.AllocFrame, pmm.FreeFrame)
	slab.SetFrameProvider(pmm.AllocFrame, pmm.FreeFrame)

	if err := proc.BootInit(); err != nil {
		return nil, err
	}
	if err := ipc.BootInit(); err != nil {
		return nil, err
	}

	syscall.SelectEntryMethod(bi.Features)

	proc.SchedInit()

	thread, err := firstProcess()
	if err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] core initialized, ticks: %d\n", proc.TickCount())
	return thread, nil
}

// earlyFrameAlloc adapts the early bump allocator to the frame allocator
// contract; failure during boot panics inside the allocator itself.
func earlyFrameAlloc() (mm.Frame, *kernel.Error) {
	return pmm.EarlyAllocFrame(), nil
}

// availableTop returns the end of the available range that contains the
// page-allocation cursor; the early allocator must not bump past it.
func availableTop(bi *bootinfo.BootInfo) mm.PhysAddr {
	top := mm.PhysAddr(bi.PageAllocCursor)

	bootinfo.VisitMemRanges(func(r *bootinfo.MemoryRange) bool {
		if r.Type != bootinfo.MemAvailable {
			return true
		}

		start := mm.PhysAddr(r.PhysAddr)
		end := start + mm.PhysAddr(r.Length)

		if start <= top && end > top {
			top = end
			return false
		}

		return true
	})

	return top
}

var errFirstProcess = &kernel.Error{Module: "kmain", Message: "cannot construct the first process"}

// firstProcess builds the process the user-space loader runs in, together
// with its main thread and exec-time descriptors.
func firstProcess() (*proc.Thread, *kernel.Error) {
	process, errno := proc.NewProcess()
	if errno != kernel.OK {
		return nil, errFirstProcess
	}

	thread, errno := proc.ConstructThread(process)
	if errno != kernel.OK {
		return nil, errFirstProcess
	}

	if errno = proc.SetupExec(process, thread); errno != kernel.OK {
		return nil, errFirstProcess
	}

	// The construction reference is carried by the MAIN_THREAD
	// descriptor now.
	object.SubRef(thread)

	return thread, nil
}
