package object

import "nucleos/kernel"

const (
	// MaxDescriptors is the compile-time bound on descriptor table
	// capacity.
	MaxDescriptors = 64

	// DefaultDescriptors is the table capacity processes are created
	// with.
	DefaultDescriptors = 12
)

// Descriptor flag bits. Permission bits occupy the low half of the word;
// the state bits are numbered downward from 31 so the two never collide.
const (
	descFlagInUse     = 1 << 31
	descFlagDestroyed = 1 << 30
	descFlagOwner     = 1 << 29

	descStateMask = descFlagInUse | descFlagDestroyed | descFlagOwner
)

// Descriptor is one capability slot: an object reference, state and
// permission flags, and an opaque cookie the kernel never interprets.
type Descriptor struct {
	object Object
	flags  uint32
	cookie uint32
}

// NewDescriptor assembles a descriptor value for publication via Open.
func NewDescriptor(obj Object, perms Perm, owner bool, cookie uint32) Descriptor {
	flags := uint32(perms) | descFlagInUse
	if owner {
		flags |= descFlagOwner
	}

	return Descriptor{object: obj, flags: flags, cookie: cookie}
}

// InUse returns true if the slot holds or reserves an object.
func (d *Descriptor) InUse() bool {
	return d.flags&descFlagInUse != 0
}

// IsOwner returns true for the owner descriptor of an object.
func (d *Descriptor) IsOwner() bool {
	return d.flags&descFlagOwner != 0
}

// IsDestroyed returns true if the descriptor was minted from a destroyed
// object.
func (d *Descriptor) IsDestroyed() bool {
	return d.flags&descFlagDestroyed != 0
}

// HasPermissions returns true if every permission in perms is present.
func (d *Descriptor) HasPermissions(perms Perm) bool {
	return Perm(d.flags)&perms == perms
}

// Permissions returns the permission bits of the descriptor.
func (d *Descriptor) Permissions() Perm {
	return Perm(d.flags) &^ Perm(descStateMask)
}

// Object returns the referenced object, or nil for unused and reserved
// slots.
func (d *Descriptor) Object() Object {
	return d.object
}

// Cookie returns the opaque per-handle cookie.
func (d *Descriptor) Cookie() uint32 {
	return d.cookie
}

// Release drops the transient reference taken by AccessObject.
func (d *Descriptor) Release() {
	if d.object != nil {
		SubRef(d.object)
	}
}

// Table is a per-process descriptor table. A slot is unused, reserved
// (in-use without an object, blocking the slot for a populate-in-progress
// operation) or open.
type Table struct {
	capacity int32
	slots    [MaxDescriptors]Descriptor
}

// Init prepares the table with the given capacity, clamped to
// [1, MaxDescriptors].
func (t *Table) Init(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxDescriptors {
		capacity = MaxDescriptors
	}

	t.capacity = int32(capacity)
	for i := range t.slots {
		t.slots[i] = Descriptor{}
	}
}

// Capacity returns the number of usable slots.
func (t *Table) Capacity() int {
	return int(t.capacity)
}

// slot validates fd and returns its slot.
func (t *Table) slot(fd int) (*Descriptor, kernel.Errno) {
	if fd < 0 || fd >= int(t.capacity) {
		return nil, kernel.EBADF
	}
	return &t.slots[fd], kernel.OK
}

// AccessObject returns a copy of an open descriptor and takes a transient
// reference on its object. The caller must call Release on the returned
// value when done.
func (t *Table) AccessObject(fd int) (Descriptor, kernel.Errno) {
	slot, errno := t.slot(fd)
	if errno != kernel.OK {
		return Descriptor{}, errno
	}

	if !slot.InUse() || slot.object == nil {
		return Descriptor{}, kernel.EBADF
	}

	AddRef(slot.object)
	return *slot, kernel.OK
}

// ReserveUnused atomically claims a free slot so that a later Open cannot
// race with another operation populating the same fd.
func (t *Table) ReserveUnused(fd int) kernel.Errno {
	slot, errno := t.slot(fd)
	if errno != kernel.OK {
		return errno
	}

	if slot.InUse() {
		return kernel.EBADF
	}

	slot.flags = descFlagInUse
	return kernel.OK
}

// ReserveAny claims the lowest free slot and returns its fd, or EAGAIN when
// the table is full.
func (t *Table) ReserveAny() (int, kernel.Errno) {
	for fd := 0; fd < int(t.capacity); fd++ {
		if !t.slots[fd].InUse() {
			t.slots[fd].flags = descFlagInUse
			return fd, kernel.OK
		}
	}

	return -1, kernel.EAGAIN
}

// FreeReservation releases a slot claimed by ReserveUnused or ReserveAny
// without publishing an object.
func (t *Table) FreeReservation(fd int) {
	slot, errno := t.slot(fd)
	if errno != kernel.OK {
		return
	}

	if slot.InUse() && slot.object == nil {
		slot.flags = 0
	}
}

// Open publishes a populated descriptor into a reserved or free slot,
// taking a reference on the object and notifying its type.
func (t *Table) Open(fd int, d Descriptor) kernel.Errno {
	slot, errno := t.slot(fd)
	if errno != kernel.OK {
		return errno
	}

	if slot.InUse() && slot.object != nil {
		return kernel.EBADF
	}

	if d.object == nil {
		return kernel.EINVAL
	}

	d.flags |= descFlagInUse
	*slot = d

	AddRef(d.object)

	if hook := d.object.ObjectHeader().typ.OnDescriptorOpen; hook != nil {
		hook(d.object, slot)
	}

	return kernel.OK
}

// Close releases the descriptor at fd. Closing the owner descriptor
// destroys the object; the object's memory is released when the last
// reference is dropped.
func (t *Table) Close(fd int) kernel.Errno {
	slot, errno := t.slot(fd)
	if errno != kernel.OK {
		return errno
	}

	if !slot.InUse() || slot.object == nil {
		return kernel.EBADF
	}

	obj := slot.object
	owner := slot.IsOwner()

	if hook := obj.ObjectHeader().typ.OnDescriptorClose; hook != nil {
		hook(obj, slot)
	}

	*slot = Descriptor{}

	if owner {
		Destroy(obj)
	}

	SubRef(obj)
	return kernel.OK
}

// CloseAll closes every open slot and releases every reservation. It is
// used when a process is torn down.
func (t *Table) CloseAll() {
	for fd := 0; fd < int(t.capacity); fd++ {
		slot := &t.slots[fd]

		if slot.InUse() && slot.object == nil {
			slot.flags = 0
			continue
		}

		if slot.InUse() {
			t.Close(fd)
		}
	}
}

// Mint validates and assembles a descriptor derived from an owner
// descriptor, with reduced permissions and a fresh cookie. The returned
// descriptor is published into the target table by the caller via Open.
func Mint(owner *Descriptor, perms Perm, cookie uint32) (Descriptor, kernel.Errno) {
	obj := owner.object
	if obj == nil {
		return Descriptor{}, kernel.EBADF
	}

	typ := obj.ObjectHeader().typ

	if perms&^typ.AllPermissions != 0 {
		return Descriptor{}, kernel.EINVAL
	}

	if perms == 0 && !typ.MintZeroPerms {
		return Descriptor{}, kernel.EINVAL
	}

	if !owner.IsOwner() {
		return Descriptor{}, kernel.EPERM
	}

	flags := uint32(perms) | descFlagInUse
	if obj.ObjectHeader().IsDestroyed() {
		flags |= descFlagDestroyed
	}

	return Descriptor{object: obj, flags: flags, cookie: cookie}, kernel.OK
}

// Dup derives a copy of a non-owner descriptor for installation in another
// process's table.
func Dup(src *Descriptor) (Descriptor, kernel.Errno) {
	if src.object == nil {
		return Descriptor{}, kernel.EBADF
	}

	if src.IsOwner() {
		return Descriptor{}, kernel.EBADF
	}

	d := *src
	return d, kernel.OK
}
