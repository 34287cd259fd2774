// Package cpu defines the hook points through which the core drives the
// processor. The platform bring-up code installs the real implementations
// (cli/sti, invlpg, cr3 loads, hlt and the reset path) before the core is
// initialized; the defaults are inert so that the core can also be exercised
// hosted, outside ring 0.
package cpu

// Feature flag bits reported by the boot-information record. The values
// mirror the detected-feature bitmask laid down by the boot loader glue.
const (
	// FeaturePAE is set when the processor supports physical address
	// extension (three-level 64-bit paging).
	FeaturePAE = 1 << 0

	// FeatureSysenter is set when the processor supports the Intel fast
	// system call instructions (SYSENTER/SYSEXIT).
	FeatureSysenter = 1 << 1

	// FeatureSyscall is set when the processor supports the AMD fast
	// system call instructions (SYSCALL/SYSRET).
	FeatureSyscall = 1 << 2
)

var (
	// DisableInterrupts masks maskable hardware interrupts on the current
	// CPU (cli).
	DisableInterrupts = func() {}

	// EnableInterrupts unmasks maskable hardware interrupts on the
	// current CPU (sti).
	EnableInterrupts = func() {}

	// FlushTLBEntry invalidates the TLB entry for a single virtual
	// address on the current CPU (invlpg).
	FlushTLBEntry = func(virtAddr uint32) {}

	// ReloadTLB invalidates the entire TLB on the current CPU by
	// reloading cr3 with its current value. Required after changes to PAE
	// page-directory-pointer entries, which the processor caches.
	ReloadTLB = func() {}

	// SwitchAddressSpace loads cr3 with the physical address of an
	// address space root: a page directory in classical paging mode, a
	// page-directory-pointer table in PAE mode. The address must lie
	// below 4 GiB.
	SwitchAddressSpace = func(rootPhysAddr uint64) {}

	// Halt stops instruction execution on the current CPU.
	Halt = func() {}

	// ResetSystem performs a system reset. It does not return.
	ResetSystem = func() {}
)
