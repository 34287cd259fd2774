package proc

// Message size caps. A message carries at most MaxMessageSize bytes of data
// and MaxMessageDescs descriptors; the scatter/gather lists on either side
// are bounded by MaxMessageBuffers entries.
const (
	MaxMessageSize    = 2048
	MaxMessageDescs   = 255
	MaxMessageBuffers = 8
)

// BufferDesc names one user-space buffer of a scatter/gather list.
type BufferDesc struct {
	VA   uint32
	Size uint32
}

// MessageStaging is the per-thread staging area for synchronous IPC. For a
// parked sender it holds the gathered message data and the descriptor list
// to transfer; for a parked receiver it records where the delivery must
// land. After delivery it carries the reply or the received header fields.
type MessageStaging struct {
	// Data and DataSize hold the gathered message (or reply) bytes.
	Data     [MaxMessageSize]byte
	DataSize uint32

	// Descs lists the sender-side descriptors to transfer.
	Descs     [MaxMessageDescs]int32
	DescCount uint32

	// Function is the call number delivered to the receiver; Cookie is
	// the cookie of the endpoint descriptor the message was sent
	// through.
	Function uint32
	Cookie   uint32

	// ReplyMaxSize bounds the reply a parked sender is willing to
	// accept.
	ReplyMaxSize uint32

	// RecvBuffers is the scatter list of a parked receiver or sender
	// (for the reply), RecvHeaderVA the user address of its message
	// header for delivery write-back.
	RecvBuffers     [MaxMessageBuffers]BufferDesc
	RecvBufferCount uint32
	RecvHeaderVA    uint32

	// RecvDescsVA and RecvDescCapacity describe the receiver-side array
	// that takes the fds of transferred capabilities.
	RecvDescsVA      uint32
	RecvDescCapacity uint32
}
