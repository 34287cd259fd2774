package syscall

// System call numbers. Numbers at and above UserBase identify send
// operations; the number itself is delivered to the receiver as the message
// function.
const (
	SysReboot         = 1
	SysPuts           = 3
	SysCreateThread   = 4
	SysYieldThread    = 5
	SysSetThreadLocal = 6
	SysGetThreadLocal = 7
	SysGetUserMemory  = 8
	SysCreateEndpoint = 9
	SysReceive        = 10
	SysReply          = 11
	SysExitThread     = 12
	SysStartThread    = 13
	SysJoinThread     = 14
	SysAwaitThread    = 15
	SysClose          = 16
	SysDestroy        = 17
	SysDup            = 18
	SysMint           = 19
	SysMmap           = 20
	SysMclone         = 21
	SysCreateProcess  = 22

	// UserBase is the first function number available to user-space
	// protocols.
	UserBase = 4096
)

// MaxPutsLength bounds the string accepted by the puts call.
const MaxPutsLength = 120

// SyscallIRQ is the software interrupt vector for the always-available
// system call entry path.
const SyscallIRQ = 0x80
