// Package usermem copies data between kernel space and the user half of an
// address space. Accesses are validated against the page mappings of the
// target process: the range must lie below KLimit, be fully mapped and carry
// the required protection. Transfers go through the kernel's permanent
// direct map of physical memory, one page at a time.
package usermem

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/vmm"
)

// CopyIn copies len(buf) bytes from user virtual address va in as into buf.
func CopyIn(as *vmm.AddressSpace, va mm.VirtAddr, buf []byte) kernel.Errno {
	return transfer(as, va, buf, false)
}

// CopyOut copies buf to user virtual address va in as. The destination
// mappings must be writable.
func CopyOut(as *vmm.AddressSpace, va mm.VirtAddr, buf []byte) kernel.Errno {
	return transfer(as, va, buf, true)
}

// GetUint32 reads one 32-bit little-endian word from user memory.
func GetUint32(as *vmm.AddressSpace, va mm.VirtAddr) (uint32, kernel.Errno) {
	var buf [4]byte

	if errno := CopyIn(as, va, buf[:]); errno != kernel.OK {
		return 0, errno
	}

	return DecodeUint32(buf[:]), kernel.OK
}

// PutUint32 writes one 32-bit little-endian word to user memory.
func PutUint32(as *vmm.AddressSpace, va mm.VirtAddr, v uint32) kernel.Errno {
	var buf [4]byte

	EncodeUint32(buf[:], v)
	return CopyOut(as, va, buf[:])
}

// DecodeUint32 decodes a little-endian word from the first four bytes of
// buf.
func DecodeUint32(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// EncodeUint32 encodes v little-endian into the first four bytes of buf.
func EncodeUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

// EncodeUint64 encodes v little-endian into the first eight bytes of buf.
func EncodeUint64(buf []byte, v uint64) {
	EncodeUint32(buf[:4], uint32(v))
	EncodeUint32(buf[4:8], uint32(v>>32))
}

func transfer(as *vmm.AddressSpace, va mm.VirtAddr, buf []byte, write bool) kernel.Errno {
	length := uint32(len(buf))
	if length == 0 {
		return kernel.OK
	}

	// Reject ranges that reach into the kernel half or wrap around.
	end := uint64(va) + uint64(length)
	if end > uint64(mm.KLimit) {
		return kernel.EINVAL
	}

	for done := uint32(0); done < length; {
		cur := va + mm.VirtAddr(done)

		physAddr, prot, mapped := vmm.LookupUser(as, cur)
		if !mapped || prot == vmm.ProtNone {
			return kernel.EINVAL
		}
		if write && prot&vmm.ProtWrite == 0 {
			return kernel.EINVAL
		}

		chunk := mm.PageSize - cur.PageOffset()
		if remain := length - done; chunk > remain {
			chunk = remain
		}

		kptr := uintptr(mm.PhysToPtr(physAddr))
		if write {
			kernel.Memcopy(uintptr(unsafe.Pointer(&buf[done])), kptr, uintptr(chunk))
		} else {
			kernel.Memcopy(kptr, uintptr(unsafe.Pointer(&buf[done])), uintptr(chunk))
		}

		done += chunk
	}

	return kernel.OK
}
