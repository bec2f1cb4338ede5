package vm

import (
	"sync"
)

// Object represents a heap-allocated Harrier object: a fixed set of field
// slots plus, for arrays, an element vector. Objects are reached only
// through their table id (see Heap); the id doubles as the object's
// identity on the debug wire.
type Object struct {
	refType *RefType
	id      uint64
	fields  []Value
	elems   []Value // non-nil for arrays
}

// RefTypeOf returns the object's reference type.
func (obj *Object) RefTypeOf() *RefType {
	return obj.refType
}

// ID returns the object's heap table id.
func (obj *Object) ID() uint64 {
	return obj.id
}

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// Field returns the value at the given field slot.
// Panics if index is out of range.
func (obj *Object) Field(index int) Value {
	if index < 0 || index >= len(obj.fields) {
		panic("Object.Field: index out of range")
	}
	return obj.fields[index]
}

// SetField sets the value at the given field slot.
// Panics if index is out of range.
func (obj *Object) SetField(index int, value Value) {
	if index < 0 || index >= len(obj.fields) {
		panic("Object.SetField: index out of range")
	}
	obj.fields[index] = value
}

// NumFields returns the number of field slots.
func (obj *Object) NumFields() int {
	return len(obj.fields)
}

// ---------------------------------------------------------------------------
// Array access
// ---------------------------------------------------------------------------

// IsArray returns true if the object carries an element vector.
func (obj *Object) IsArray() bool {
	return obj.elems != nil
}

// Len returns the element count for arrays, 0 otherwise.
func (obj *Object) Len() int {
	return len(obj.elems)
}

// InBounds reports whether index is a valid element index.
func (obj *Object) InBounds(index int64) bool {
	return index >= 0 && index < int64(len(obj.elems))
}

// Elem returns the array element at index.
// Panics if the object is not an array or index is out of range.
func (obj *Object) Elem(index int) Value {
	return obj.elems[index]
}

// SetElem sets the array element at index.
// Panics if the object is not an array or index is out of range.
func (obj *Object) SetElem(index int, value Value) {
	obj.elems[index] = value
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is the VM's object table. Ids are never reused within a VM lifetime,
// so a debugger holding an id across a suspension always sees either the
// same object or a miss, never a recycled one. Id 0 is reserved: it is the
// wire encoding of the absent reference.
type Heap struct {
	mu     sync.RWMutex
	olist  map[uint64]*Object
	nextID uint64
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{
		olist:  make(map[uint64]*Object),
		nextID: 1,
	}
}

// NewObject allocates an object of the given type with n field slots,
// all initialized to Nil, and returns its reference value.
func (h *Heap) NewObject(rt *RefType, numFields int) Value {
	fields := make([]Value, numFields)
	for i := range fields {
		fields[i] = Nil
	}
	return h.adopt(&Object{refType: rt, fields: fields})
}

// NewArray allocates an array of n elements, all initialized to Nil,
// and returns its reference value.
func (h *Heap) NewArray(rt *RefType, n int) Value {
	elems := make([]Value, n)
	for i := range elems {
		elems[i] = Nil
	}
	return h.adopt(&Object{refType: rt, elems: elems})
}

func (h *Heap) adopt(obj *Object) Value {
	h.mu.Lock()
	obj.id = h.nextID
	h.nextID++
	h.olist[obj.id] = obj
	h.mu.Unlock()
	return FromObjectID(obj.id)
}

// Get returns the object with the given id, or nil if absent.
func (h *Heap) Get(id uint64) *Object {
	h.mu.RLock()
	obj := h.olist[id]
	h.mu.RUnlock()
	return obj
}

// FromValue resolves a reference value to its object.
// Returns nil for Nil, non-reference values, and stale ids.
func (h *Heap) FromValue(v Value) *Object {
	if !v.IsRef() {
		return nil
	}
	return h.Get(v.ObjectID())
}

// Size returns the number of live objects.
func (h *Heap) Size() int {
	h.mu.RLock()
	n := len(h.olist)
	h.mu.RUnlock()
	return n
}
