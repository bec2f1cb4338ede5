package vm

import (
	"fmt"
	"math"
)

// Value is a NaN-boxed Harrier value.
//
// The representation is a 64-bit IEEE 754 double. Every bit pattern
// outside the quiet-NaN space is a plain float. Inside it, three tag
// bits select the boxed kind and the low 48 bits carry the payload:
//
//	float      any non-boxed pattern, including infinities and real NaNs
//	reference  object table id (see Heap)
//	smallint   signed 48-bit integer
//	special    nil, true, false
//
// References carry object table ids rather than raw pointers so that a
// reference observed in a suspended frame can be handed to the debug wire
// as a stable 64-bit object id.
type Value uint64

const (
	// Exponent all ones plus the quiet bit. Anything carrying this
	// prefix with nonzero tag bits is a boxed value, not a float.
	qnanPrefix uint64 = 0x7FF8 << 48

	tagBits     uint64 = 0x0007 << 48
	payloadBits uint64 = 1<<48 - 1
)

const (
	tagRef      = uint64(1) << 48
	tagSmallInt = uint64(2) << 48
	tagSpecial  = uint64(3) << 48
)

const (
	Nil   Value = Value(qnanPrefix | tagSpecial | 0)
	True  Value = Value(qnanPrefix | tagSpecial | 1)
	False Value = Value(qnanPrefix | tagSpecial | 2)
)

// Bounds of the boxed integer range. Arithmetic wraps at these in the
// reference tier; the fast tier punts instead of wrapping.
const (
	MaxSmallInt int64 = 1<<47 - 1
	MinSmallInt int64 = -(1 << 47)
)

func (v Value) isBoxed() bool {
	return uint64(v)&qnanPrefix == qnanPrefix && uint64(v)&tagBits != 0
}

func (v Value) tag() uint64 {
	return uint64(v) & tagBits
}

// ---------------------------------------------------------------------------
// Floats
// ---------------------------------------------------------------------------

// IsFloat reports whether v is a float. Infinities, signaling NaNs, and
// the untagged quiet NaN all read as floats; only patterns carrying the
// quiet-NaN prefix plus a tag are boxed.
func (v Value) IsFloat() bool {
	return !v.isBoxed()
}

// Float64 returns the float v encodes.
// Panics if v is boxed.
func (v Value) Float64() float64 {
	if v.isBoxed() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 boxes a float64. The identity encoding: every float,
// NaN included, is its own bit pattern.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Small integers
// ---------------------------------------------------------------------------

// IsSmallInt reports whether v is a boxed integer.
func (v Value) IsSmallInt() bool {
	return v.isBoxed() && v.tag() == tagSmallInt
}

// SmallInt returns the integer v encodes, sign-extended from 48 bits.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	return int64(uint64(v)<<16) >> 16
}

// TryFromSmallInt boxes n, reporting false when n needs more than 48
// bits.
func TryFromSmallInt(n int64) (Value, bool) {
	if n < MinSmallInt || n > MaxSmallInt {
		return Nil, false
	}
	return Value(qnanPrefix | tagSmallInt | uint64(n)&payloadBits), true
}

// FromSmallInt boxes n.
// Panics if n is outside the small integer range.
func FromSmallInt(n int64) Value {
	v, ok := TryFromSmallInt(n)
	if !ok {
		panic("FromSmallInt: value out of range")
	}
	return v
}

// ---------------------------------------------------------------------------
// References
// ---------------------------------------------------------------------------

// IsRef reports whether v is an object reference.
func (v Value) IsRef() bool {
	return v.isBoxed() && v.tag() == tagRef
}

// ObjectID returns the object table id v encodes.
// Panics if v is not a reference.
func (v Value) ObjectID() uint64 {
	if !v.IsRef() {
		panic("Value.ObjectID: not a reference")
	}
	return uint64(v) & payloadBits
}

// FromObjectID boxes an object table id.
// Panics if the id needs more than 48 bits. The heap allocates ids
// sequentially from 1, so in practice this fires only on corruption.
func FromObjectID(id uint64) Value {
	if id&^payloadBits != 0 {
		panic("FromObjectID: id out of range")
	}
	return Value(qnanPrefix | tagRef | id)
}

// ---------------------------------------------------------------------------
// Booleans and specials
// ---------------------------------------------------------------------------

// IsNil reports whether v is nil.
func (v Value) IsNil() bool {
	return v == Nil
}

// IsBool reports whether v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial reports whether v is nil, true, or false.
func (v Value) IsSpecial() bool {
	return v.isBoxed() && v.tag() == tagSpecial
}

// Bool returns the boolean v encodes.
// Panics if v is neither true nor false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	}
	panic("Value.Bool: not a boolean")
}

// FromBool boxes a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsTruthy reports whether v counts as true in a conditional. Nil and
// false are the only falsy values; zero numbers are truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// IsFalsy is the complement of IsTruthy.
func (v Value) IsFalsy() bool {
	return v == False || v == Nil
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// String renders a value for logs and debugger output.
func (v Value) String() string {
	switch {
	case v == Nil:
		return "nil"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsSmallInt():
		return fmt.Sprintf("%d", v.SmallInt())
	case v.IsRef():
		return fmt.Sprintf("ref@%d", v.ObjectID())
	default:
		return fmt.Sprintf("%g", v.Float64())
	}
}
