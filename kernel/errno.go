package kernel

// Errno is the error kind reported to user space through the system call
// boundary. The dispatcher returns the negated value in arg0 and the errno
// itself in arg1. The zero value means success.
type Errno int

const (
	// OK indicates success.
	OK Errno = 0

	// ENOMEM indicates that a resource is exhausted.
	ENOMEM Errno = 1

	// ENOSYS indicates an unrecognised system call number.
	ENOSYS Errno = 2

	// EINVAL indicates a malformed argument.
	EINVAL Errno = 3

	// EAGAIN indicates a transient failure, e.g. a full descriptor table
	// while transferring capabilities.
	EAGAIN Errno = 4

	// EBADF indicates a descriptor that is not in use or references an
	// object of the wrong type.
	EBADF Errno = 5

	// EIO indicates the peer is gone: the endpoint was destroyed or the
	// peer thread died during IPC.
	EIO Errno = 6

	// EPERM indicates a missing permission bit.
	EPERM Errno = 7

	// E2BIG indicates a message that exceeds a size cap.
	E2BIG Errno = 8

	// ENOMSG indicates a reply with no pending sender.
	ENOMSG Errno = 9

	// ENOTSUP indicates an unsupported operation.
	ENOTSUP Errno = 10

	// EBUSY indicates a thread that is not in a startable state.
	EBUSY Errno = 11

	// ESRCH indicates a missing target thread.
	ESRCH Errno = 12

	// EDEADLK indicates a deadlock, e.g. a thread joining itself.
	EDEADLK Errno = 13

	// EPROTO indicates a protocol violation.
	EPROTO Errno = 14
)

var errnoNames = [...]string{
	OK:      "OK",
	ENOMEM:  "ENOMEM",
	ENOSYS:  "ENOSYS",
	EINVAL:  "EINVAL",
	EAGAIN:  "EAGAIN",
	EBADF:   "EBADF",
	EIO:     "EIO",
	EPERM:   "EPERM",
	E2BIG:   "E2BIG",
	ENOMSG:  "ENOMSG",
	ENOTSUP: "ENOTSUP",
	EBUSY:   "EBUSY",
	ESRCH:   "ESRCH",
	EDEADLK: "EDEADLK",
	EPROTO:  "EPROTO",
}

// Error implements the error interface.
func (e Errno) Error() string {
	return e.String()
}

// String returns the symbolic name for this errno.
func (e Errno) String() string {
	if e < 0 || int(e) >= len(errnoNames) {
		return "EUNKNOWN"
	}
	return errnoNames[e]
}
