package syscall

import (
	"nucleos/kernel/cpu"
	"nucleos/kernel/kfmt"
)

// Method identifies the system call entry mechanism user space should use.
// The software interrupt is always available; one fast path is enabled at
// boot when the processor supports it. All three converge on Dispatch.
type Method int

const (
	// MethodInterrupt is the software interrupt entry (vector 0x80).
	MethodInterrupt Method = iota

	// MethodFastAMD is the SYSCALL/SYSRET fast path.
	MethodFastAMD

	// MethodFastIntel is the SYSENTER/SYSEXIT fast path.
	MethodFastIntel
)

var methodNames = [...]string{
	MethodInterrupt: "interrupt",
	MethodFastAMD:   "syscall/sysret",
	MethodFastIntel: "sysenter/sysexit",
}

// String returns the name of the entry mechanism.
func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return "unknown"
}

// entryMethod is selected once during boot.
var entryMethod = MethodInterrupt

// SelectEntryMethod picks the best entry mechanism for the detected feature
// bitmask and records it. The trampoline installation itself is the
// platform bring-up's concern.
func SelectEntryMethod(features uint32) Method {
	switch {
	case features&cpu.FeatureSysenter != 0:
		entryMethod = MethodFastIntel
	case features&cpu.FeatureSyscall != 0:
		entryMethod = MethodFastAMD
	default:
		entryMethod = MethodInterrupt
	}

	kfmt.Printf("[syscall] entry method: %s\n", entryMethod.String())
	return entryMethod
}

// EntryMethod returns the mechanism selected at boot.
func EntryMethod() Method {
	return entryMethod
}
