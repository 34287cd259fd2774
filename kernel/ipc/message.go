package ipc

import (
	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/kernel/mm/vmm"
	"nucleos/kernel/proc"
	"nucleos/kernel/usermem"
)

// Message header wire layout. The header is passed by pointer in a system
// call argument; all fields are 32-bit little-endian words. The first seven
// are inputs, the remaining three are written back by the kernel on
// delivery.
const (
	msgOffSendBufs     = 0  // address of {addr, size} send buffer array
	msgOffSendBufCount = 4  // number of send buffers
	msgOffRecvBufs     = 8  // address of {addr, size} receive buffer array
	msgOffRecvBufCount = 12 // number of receive buffers
	msgOffDescs        = 16 // address of descriptor array (in: fds to send; out: fds received)
	msgOffDescCount    = 20 // number of descriptors (send) / capacity (receive)
	msgOffReplyMaxSize = 24 // maximum acceptable reply size
	msgOffRecvFunction = 28 // out: function number of the received message
	msgOffRecvCookie   = 32 // out: cookie of the sending capability
	msgOffRecvDataSize = 36 // out: data size received

	msgHeaderSize = 40

	bufDescSize = 8
	fdEntrySize = 4
)

// messageHeader is the decoded form of the user-space message header.
type messageHeader struct {
	headerVA mm.VirtAddr

	sendBufs     [proc.MaxMessageBuffers]proc.BufferDesc
	sendBufCount uint32

	recvBufs     [proc.MaxMessageBuffers]proc.BufferDesc
	recvBufCount uint32

	descsVA      mm.VirtAddr
	descCount    uint32
	replyMaxSize uint32
}

// readMessageHeader copies in and decodes the message header at headerVA,
// including both scatter/gather buffer arrays.
func readMessageHeader(as *vmm.AddressSpace, headerVA mm.VirtAddr) (messageHeader, kernel.Errno) {
	var (
		hdr messageHeader
		raw [msgHeaderSize]byte
	)

	if errno := usermem.CopyIn(as, headerVA, raw[:]); errno != kernel.OK {
		return hdr, errno
	}

	hdr.headerVA = headerVA
	hdr.sendBufCount = usermem.DecodeUint32(raw[msgOffSendBufCount:])
	hdr.recvBufCount = usermem.DecodeUint32(raw[msgOffRecvBufCount:])
	hdr.descsVA = mm.VirtAddr(usermem.DecodeUint32(raw[msgOffDescs:]))
	hdr.descCount = usermem.DecodeUint32(raw[msgOffDescCount:])
	hdr.replyMaxSize = usermem.DecodeUint32(raw[msgOffReplyMaxSize:])

	if hdr.sendBufCount > proc.MaxMessageBuffers || hdr.recvBufCount > proc.MaxMessageBuffers {
		return hdr, kernel.EINVAL
	}

	if hdr.descCount > proc.MaxMessageDescs {
		return hdr, kernel.E2BIG
	}

	sendBufsVA := mm.VirtAddr(usermem.DecodeUint32(raw[msgOffSendBufs:]))
	if errno := readBufferList(as, sendBufsVA, hdr.sendBufs[:], hdr.sendBufCount); errno != kernel.OK {
		return hdr, errno
	}

	recvBufsVA := mm.VirtAddr(usermem.DecodeUint32(raw[msgOffRecvBufs:]))
	if errno := readBufferList(as, recvBufsVA, hdr.recvBufs[:], hdr.recvBufCount); errno != kernel.OK {
		return hdr, errno
	}

	return hdr, kernel.OK
}

func readBufferList(as *vmm.AddressSpace, listVA mm.VirtAddr, out []proc.BufferDesc, count uint32) kernel.Errno {
	var raw [bufDescSize]byte

	for i := uint32(0); i < count; i++ {
		if errno := usermem.CopyIn(as, listVA+mm.VirtAddr(i*bufDescSize), raw[:]); errno != kernel.OK {
			return errno
		}

		out[i] = proc.BufferDesc{
			VA:   usermem.DecodeUint32(raw[0:]),
			Size: usermem.DecodeUint32(raw[4:]),
		}
	}

	return kernel.OK
}

// gather concatenates the send buffers into the staging area, rejecting
// messages over the size cap before any other side effect.
func gather(as *vmm.AddressSpace, hdr *messageHeader, staging *proc.MessageStaging) kernel.Errno {
	var total uint32

	for i := uint32(0); i < hdr.sendBufCount; i++ {
		total += hdr.sendBufs[i].Size
		if total > proc.MaxMessageSize {
			return kernel.E2BIG
		}
	}

	offset := uint32(0)
	for i := uint32(0); i < hdr.sendBufCount; i++ {
		buf := hdr.sendBufs[i]
		if buf.Size == 0 {
			continue
		}

		if errno := usermem.CopyIn(as, mm.VirtAddr(buf.VA), staging.Data[offset:offset+buf.Size]); errno != kernel.OK {
			return errno
		}

		offset += buf.Size
	}

	staging.DataSize = total
	return kernel.OK
}

// readDescList copies the fd array of a send header into the staging area.
func readDescList(as *vmm.AddressSpace, hdr *messageHeader, staging *proc.MessageStaging) kernel.Errno {
	var raw [fdEntrySize]byte

	for i := uint32(0); i < hdr.descCount; i++ {
		if errno := usermem.CopyIn(as, hdr.descsVA+mm.VirtAddr(i*fdEntrySize), raw[:]); errno != kernel.OK {
			return errno
		}

		staging.Descs[i] = int32(usermem.DecodeUint32(raw[:]))
	}

	staging.DescCount = hdr.descCount
	return kernel.OK
}

// scatter distributes data over the receive buffers recorded in staging,
// returning E2BIG if they cannot hold it.
func scatter(as *vmm.AddressSpace, staging *proc.MessageStaging, data []byte) kernel.Errno {
	var capacity uint32

	for i := uint32(0); i < staging.RecvBufferCount; i++ {
		capacity += staging.RecvBuffers[i].Size
	}

	if uint32(len(data)) > capacity {
		return kernel.E2BIG
	}

	offset := uint32(0)
	remaining := uint32(len(data))

	for i := uint32(0); i < staging.RecvBufferCount && remaining > 0; i++ {
		buf := staging.RecvBuffers[i]

		chunk := buf.Size
		if chunk > remaining {
			chunk = remaining
		}

		if errno := usermem.CopyOut(as, mm.VirtAddr(buf.VA), data[offset:offset+chunk]); errno != kernel.OK {
			return errno
		}

		offset += chunk
		remaining -= chunk
	}

	return kernel.OK
}

// writeDeliveryHeader writes the out fields of a receiver's message header.
func writeDeliveryHeader(as *vmm.AddressSpace, headerVA mm.VirtAddr, function, cookie, dataSize uint32) kernel.Errno {
	if errno := usermem.PutUint32(as, headerVA+msgOffRecvFunction, function); errno != kernel.OK {
		return errno
	}
	if errno := usermem.PutUint32(as, headerVA+msgOffRecvCookie, cookie); errno != kernel.OK {
		return errno
	}
	return usermem.PutUint32(as, headerVA+msgOffRecvDataSize, dataSize)
}

// writeInstalledDescs writes the fds of transferred capabilities into the
// receiver's descriptor array.
func writeInstalledDescs(as *vmm.AddressSpace, descsVA mm.VirtAddr, fds []int32) kernel.Errno {
	for i, fd := range fds {
		if errno := usermem.PutUint32(as, descsVA+mm.VirtAddr(i*fdEntrySize), uint32(fd)); errno != kernel.OK {
			return errno
		}
	}
	return kernel.OK
}
