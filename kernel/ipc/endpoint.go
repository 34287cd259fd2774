// Package ipc implements synchronous, rendezvous-based message passing over
// endpoints, including capability transfer between descriptor tables.
//
// Blocking operations are modelled as explicit state machines: a thread that
// cannot make progress stages everything the eventual peer needs in its
// message buffer, parks itself on the endpoint's wait queue and blocks. The
// peer completes the exchange in its own context and delivers the result
// through the scheduler; nothing is left half-done on a sleeping thread's
// stack.
package ipc

import (
	"unsafe"

	"nucleos/kernel"
	"nucleos/kernel/mm/slab"
	"nucleos/kernel/object"
	"nucleos/kernel/proc"
)

// Endpoint is the rendezvous point for synchronous IPC. At any moment at
// most one of the two queues is non-empty.
type Endpoint struct {
	header object.Header

	senders   proc.Queue
	receivers proc.Queue

	// receiverCount tracks open descriptors carrying receive permission.
	receiverCount int32
}

var (
	endpointCache *slab.Cache

	errEndpointCache = &kernel.Error{Module: "ipc", Message: "endpoint cache unavailable"}
)

// EndpointType describes endpoint objects. Destruction wakes every queued
// thread with EIO.
var EndpointType = &object.Type{
	Name:              "endpoint",
	AllPermissions:    object.PermSend | object.PermReceive,
	Destroy:           destroyEndpoint,
	Free:              freeEndpoint,
	OnDescriptorOpen:  endpointDescriptorOpened,
	OnDescriptorClose: endpointDescriptorClosed,
}

// ObjectHeader implements object.Object.
func (e *Endpoint) ObjectHeader() *object.Header {
	return &e.header
}

// ReceiverCount returns the number of open descriptors with receive
// permission.
func (e *Endpoint) ReceiverCount() int32 {
	return e.receiverCount
}

// NewEndpoint allocates an endpoint.
func NewEndpoint() (*Endpoint, kernel.Errno) {
	if endpointCache == nil {
		return nil, kernel.ENOMEM
	}

	ptr := endpointCache.Alloc()
	if ptr == nil {
		return nil, kernel.ENOMEM
	}

	e := (*Endpoint)(ptr)
	*e = Endpoint{}
	object.InitHeader(&e.header, EndpointType)

	return e, kernel.OK
}

func endpointDescriptorOpened(obj object.Object, d *object.Descriptor) {
	if d.HasPermissions(object.PermReceive) {
		obj.(*Endpoint).receiverCount++
	}
}

func endpointDescriptorClosed(obj object.Object, d *object.Descriptor) {
	if d.HasPermissions(object.PermReceive) {
		obj.(*Endpoint).receiverCount--
	}
}

// destroyEndpoint wakes all queued senders and receivers with EIO.
func destroyEndpoint(obj object.Object) {
	e := obj.(*Endpoint)

	for t := e.senders.Dequeue(); t != nil; t = e.senders.Dequeue() {
		proc.Complete(t, -1, kernel.EIO)
	}

	for t := e.receivers.Dequeue(); t != nil; t = e.receivers.Dequeue() {
		proc.Complete(t, -1, kernel.EIO)
	}
}

func freeEndpoint(obj object.Object) {
	endpointCache.Free(unsafe.Pointer(obj.(*Endpoint)))
}

// BootInit creates the endpoint slab cache. It runs once during boot.
func BootInit() *kernel.Error {
	var err *kernel.Error

	if endpointCache, err = slab.NewCache("endpoint", unsafe.Sizeof(Endpoint{}), 64, nil, nil); err != nil {
		return errEndpointCache
	}

	return nil
}
