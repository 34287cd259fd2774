// Package object implements the naming layer of the core: reference-counted
// kernel objects and the per-process descriptor tables that hold
// capabilities to them.
package object

// Perm is a set of per-type permission bits carried by a descriptor. The bit
// assignments are local to each object type.
type Perm uint32

// Endpoint permissions.
const (
	PermSend    Perm = 1 << 0
	PermReceive Perm = 1 << 1
)

// Thread permissions.
const (
	PermStart Perm = 1 << 0
	PermJoin  Perm = 1 << 1
	PermAwait Perm = 1 << 2
)

// Process permissions.
const (
	PermCreateThread Perm = 1 << 0
	PermOpen         Perm = 1 << 1
	PermMap          Perm = 1 << 2
)

// Object header flags.
const (
	// flagDestroyed marks an object whose owner descriptor was closed or
	// that was destroyed explicitly. The memory is released only when the
	// reference count drops to zero.
	flagDestroyed = 1 << 0
)

// Type describes one kind of kernel object.
type Type struct {
	// Name identifies the type in diagnostics.
	Name string

	// AllPermissions is the full permission mask for descriptors to
	// objects of this type; minted permissions must be a subset.
	AllPermissions Perm

	// MintZeroPerms permits minting descriptors with no permission bits.
	// Only the process type sets it: the process type predates its
	// permission bits and existing holders mint bare handles.
	MintZeroPerms bool

	// Destroy is invoked once, when the object transitions to the
	// destroyed state; it aborts whatever the object was mediating (an
	// endpoint wakes its queued threads). May be nil.
	Destroy func(Object)

	// Free releases the object's memory once the reference count reaches
	// zero.
	Free func(Object)

	// OnDescriptorOpen and OnDescriptorClose observe descriptors to the
	// object coming and going; endpoints use them to maintain their
	// receiver count. May be nil.
	OnDescriptorOpen  func(Object, *Descriptor)
	OnDescriptorClose func(Object, *Descriptor)
}

// Header is embedded at the start of every kernel object.
type Header struct {
	typ      *Type
	refCount int32
	flags    uint32
}

// Object is implemented by every kernel object kind.
type Object interface {
	// ObjectHeader returns the embedded header.
	ObjectHeader() *Header
}

// InitHeader prepares the header of a freshly constructed object. The
// reference count starts at zero; the creator publishes the first reference
// (a descriptor or an internal pin) explicitly.
func InitHeader(h *Header, typ *Type) {
	h.typ = typ
	h.refCount = 0
	h.flags = 0
}

// Type returns the object type recorded in the header.
func (h *Header) Type() *Type {
	return h.typ
}

// RefCount returns the current reference count.
func (h *Header) RefCount() int32 {
	return h.refCount
}

// IsDestroyed returns true once the object has been destroyed.
func (h *Header) IsDestroyed() bool {
	return h.flags&flagDestroyed != 0
}

// AddRef takes one reference on obj.
func AddRef(obj Object) {
	obj.ObjectHeader().refCount++
}

// SubRef drops one reference on obj; when the count reaches zero the
// object's memory is released through its type's Free hook.
func SubRef(obj Object) {
	h := obj.ObjectHeader()
	h.refCount--

	if h.refCount <= 0 && h.typ.Free != nil {
		h.typ.Free(obj)
	}
}

// Destroy marks obj destroyed and runs the type's Destroy hook. Destruction
// happens at most once; references may outlive it and the memory is freed
// only when the last of them is dropped.
func Destroy(obj Object) {
	h := obj.ObjectHeader()
	if h.flags&flagDestroyed != 0 {
		return
	}

	h.flags |= flagDestroyed

	if h.typ.Destroy != nil {
		h.typ.Destroy(obj)
	}
}
