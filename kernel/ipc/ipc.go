package ipc

import (
	"nucleos/kernel"
	"nucleos/kernel/mm"
	"nucleos/kernel/object"
	"nucleos/kernel/proc"
	"nucleos/kernel/usermem"
)

// Send stages the message described by the header at headerVA and attempts
// a rendezvous on e. The function number and the cookie of the capability
// the message was sent through are delivered to the receiver verbatim.
//
// On success the sender must block: it is either parked on the endpoint's
// sender queue (no receiver yet) or pinned to the receiver that took the
// message, and its send completes with the reply. The caller performs the
// actual block when blocked is true. Validation failures and capability-
// transfer failures return before any side effect on the caller's state.
func Send(sender *proc.Thread, e *Endpoint, function, cookie uint32, headerVA mm.VirtAddr) (blocked bool, errno kernel.Errno) {
	as := sender.Process().AddressSpace()

	hdr, errno := readMessageHeader(as, headerVA)
	if errno != kernel.OK {
		return false, errno
	}

	staging := &sender.Msg
	*staging = proc.MessageStaging{}

	if errno = gather(as, &hdr, staging); errno != kernel.OK {
		return false, errno
	}

	if errno = readDescList(as, &hdr, staging); errno != kernel.OK {
		return false, errno
	}

	staging.Function = function
	staging.Cookie = cookie
	staging.ReplyMaxSize = hdr.replyMaxSize
	staging.RecvBuffers = hdr.recvBufs
	staging.RecvBufferCount = hdr.recvBufCount
	staging.RecvHeaderVA = uint32(headerVA)

	for {
		receiver := e.receivers.Dequeue()
		if receiver == nil {
			break
		}

		switch errno = deliver(sender, receiver); errno {
		case kernel.OK:
			receiver.Sender = sender
			proc.Complete(receiver, int32(staging.DataSize), kernel.OK)
			return true, kernel.OK
		case kernel.EAGAIN:
			// Capability transfer failed; the receiver keeps its
			// place at the head of the queue and the send fails.
			e.receivers.EnqueueHead(receiver)
			return false, kernel.EAGAIN
		default:
			// The receiver cannot take this message (its buffers
			// are too small or unmapped); it fails and the next
			// receiver is tried.
			proc.Complete(receiver, -1, errno)
		}
	}

	e.senders.Enqueue(sender)
	return true, kernel.OK
}

// Receive takes the next staged message on e, or parks the caller on the
// receiver queue when no sender is waiting. On immediate delivery the
// returned value is the message's data size and the sender stays blocked,
// pinned to the caller until it replies.
func Receive(receiver *proc.Thread, e *Endpoint, headerVA mm.VirtAddr) (blocked bool, value int32, errno kernel.Errno) {
	as := receiver.Process().AddressSpace()

	hdr, errno := readMessageHeader(as, headerVA)
	if errno != kernel.OK {
		return false, -1, errno
	}

	staging := &receiver.Msg
	*staging = proc.MessageStaging{}
	staging.RecvBuffers = hdr.recvBufs
	staging.RecvBufferCount = hdr.recvBufCount
	staging.RecvHeaderVA = uint32(headerVA)
	staging.RecvDescsVA = uint32(hdr.descsVA)
	staging.RecvDescCapacity = hdr.descCount

	for {
		sender := e.senders.Dequeue()
		if sender == nil {
			break
		}

		switch errno = deliver(sender, receiver); errno {
		case kernel.OK:
			receiver.Sender = sender
			return false, int32(sender.Msg.DataSize), kernel.OK
		case kernel.EAGAIN:
			// Capability transfer failed: the send fails, the
			// receiver goes on to the next staged message.
			proc.Complete(sender, -1, kernel.EAGAIN)
		default:
			// This receiver cannot take the message; the sender
			// keeps its place in line.
			e.senders.EnqueueHead(sender)
			return false, -1, errno
		}
	}

	e.receivers.Enqueue(receiver)
	return true, -1, kernel.OK
}

// Reply completes the exchange with the thread the caller is currently
// servicing: the reply data lands in the sender's receive buffers and the
// sender's send returns the reply's size.
func Reply(replier *proc.Thread, headerVA mm.VirtAddr) kernel.Errno {
	sender := replier.Sender
	if sender == nil {
		return kernel.ENOMSG
	}

	as := replier.Process().AddressSpace()

	hdr, errno := readMessageHeader(as, headerVA)
	if errno != kernel.OK {
		return errno
	}

	staging := &replier.Msg
	*staging = proc.MessageStaging{}

	if errno = gather(as, &hdr, staging); errno != kernel.OK {
		return errno
	}

	if staging.DataSize > sender.Msg.ReplyMaxSize {
		return kernel.E2BIG
	}

	senderAS := sender.Process().AddressSpace()

	if errno = scatter(senderAS, &sender.Msg, staging.Data[:staging.DataSize]); errno != kernel.OK {
		return errno
	}

	if errno = usermem.PutUint32(senderAS, mm.VirtAddr(sender.Msg.RecvHeaderVA)+msgOffRecvDataSize, staging.DataSize); errno != kernel.OK {
		return errno
	}

	replier.Sender = nil
	proc.Complete(sender, int32(staging.DataSize), kernel.OK)

	return kernel.OK
}

// AbortSender wakes a sender whose receiver went away before replying.
func AbortSender(sender *proc.Thread) {
	proc.Complete(sender, -1, kernel.EIO)
}

// deliver moves the staged message of sender into receiver: capabilities
// first (all or nothing), then the data, then the header write-back. A
// kernel.EAGAIN return means the capability batch could not be transferred;
// any other failure means the receiver could not take the message.
func deliver(sender, receiver *proc.Thread) kernel.Errno {
	var installed [proc.MaxMessageDescs]int32

	receiverAS := receiver.Process().AddressSpace()

	count, errno := transferDescriptors(sender, receiver, &installed)
	if errno != kernel.OK {
		return errno
	}

	rollback := func() {
		table := receiver.Process().Descriptors()
		for i := 0; i < count; i++ {
			table.Close(int(installed[i]))
		}
	}

	data := sender.Msg.Data[:sender.Msg.DataSize]
	if errno = scatter(receiverAS, &receiver.Msg, data); errno != kernel.OK {
		rollback()
		return errno
	}

	if count > 0 {
		if errno = writeInstalledDescs(receiverAS, mm.VirtAddr(receiver.Msg.RecvDescsVA), installed[:count]); errno != kernel.OK {
			rollback()
			return errno
		}
	}

	errno = writeDeliveryHeader(
		receiverAS,
		mm.VirtAddr(receiver.Msg.RecvHeaderVA),
		sender.Msg.Function,
		sender.Msg.Cookie,
		sender.Msg.DataSize,
	)
	if errno != kernel.OK {
		rollback()
		return errno
	}

	return kernel.OK
}

// transferDescriptors resolves the staged descriptor list in the sender's
// table and installs a copy of each capability, with the same permissions
// and cookie, into the receiver's table. Owner descriptors cannot be
// transferred: one in the list fails the batch. Any failure undoes the whole
// batch and reports kernel.EAGAIN.
func transferDescriptors(sender, receiver *proc.Thread, installed *[proc.MaxMessageDescs]int32) (int, kernel.Errno) {
	count := int(sender.Msg.DescCount)
	if count == 0 {
		return 0, kernel.OK
	}

	if uint32(count) > receiver.Msg.RecvDescCapacity {
		return 0, kernel.EAGAIN
	}

	var (
		senderTable   = sender.Process().Descriptors()
		receiverTable = receiver.Process().Descriptors()
	)

	rollback := func(n int) {
		for i := 0; i < n; i++ {
			receiverTable.Close(int(installed[i]))
		}
	}

	for i := 0; i < count; i++ {
		src, errno := senderTable.AccessObject(int(sender.Msg.Descs[i]))
		if errno != kernel.OK {
			rollback(i)
			return 0, kernel.EAGAIN
		}

		dup, errno := object.Dup(&src)
		if errno != kernel.OK {
			src.Release()
			rollback(i)
			return 0, kernel.EAGAIN
		}

		fd, errno := receiverTable.ReserveAny()
		if errno != kernel.OK {
			src.Release()
			rollback(i)
			return 0, kernel.EAGAIN
		}

		if errno = receiverTable.Open(fd, dup); errno != kernel.OK {
			receiverTable.FreeReservation(fd)
			src.Release()
			rollback(i)
			return 0, kernel.EAGAIN
		}

		src.Release()
		installed[i] = int32(fd)
	}

	return count, kernel.OK
}
