// Package jdwp implements the wire side of the debugger bridge: typed
// entity identifiers, packet framing, the connection lifecycle, and
// event posting. The VM hands it locations and ids; it never sees a
// socket.
package jdwp

import "fmt"

// Entity identifiers. Field and method ids travel as 4 bytes on the
// wire; object-like ids travel as 8. ObjectID and RefTypeID share a
// width, so sites that accept either read the same number of bytes.
type (
	// FieldID identifies a field within a reference type.
	FieldID uint32

	// MethodID identifies a method within a reference type.
	MethodID uint32

	// ObjectID identifies an object instance. ThreadID and FrameID
	// can always be safely cast to the less specific ObjectID.
	ObjectID uint64

	// RefTypeID identifies a reference type. Same wire width as
	// ObjectID, and interchangeable with it at sites accepting either.
	RefTypeID uint64

	// ThreadID identifies an execution thread.
	ThreadID uint64

	// FrameID identifies a stack frame within a suspended thread.
	FrameID uint64
)

func (i FieldID) String() string   { return fmt.Sprintf("FieldID<%d>", uint32(i)) }
func (i MethodID) String() string  { return fmt.Sprintf("MethodID<%d>", uint32(i)) }
func (i ObjectID) String() string  { return fmt.Sprintf("ObjectID<%d>", uint64(i)) }
func (i RefTypeID) String() string { return fmt.Sprintf("RefTypeID<%d>", uint64(i)) }
func (i ThreadID) String() string  { return fmt.Sprintf("ThreadID<%d>", uint64(i)) }
func (i FrameID) String() string   { return fmt.Sprintf("FrameID<%d>", uint64(i)) }

// TypeTag distinguishes the kinds of reference types in a Location.
type TypeTag uint8

const (
	TypeTagClass     TypeTag = 1
	TypeTagInterface TypeTag = 2
	TypeTagArray     TypeTag = 3
)

func (t TypeTag) String() string {
	switch t {
	case TypeTagClass:
		return "class"
	case TypeTagInterface:
		return "interface"
	case TypeTagArray:
		return "array"
	}
	return fmt.Sprintf("TypeTag<%d>", uint8(t))
}

// Location describes a code position: which kind of type, which type,
// which method, and the instruction index within it. 21 bytes on the
// wire.
type Location struct {
	Tag    TypeTag
	Class  RefTypeID
	Method MethodID
	Index  uint64
}

// IsZero reports whether the location is the zero location, used on
// the wire for "no location" (an uncaught exception's catch site).
func (l Location) IsZero() bool {
	return l == Location{}
}

func (l Location) String() string {
	return fmt.Sprintf("%v:%d.%d@%d", l.Tag, uint64(l.Class), uint32(l.Method), l.Index)
}

// EventKind identifies an event on the wire.
type EventKind uint8

const (
	EventKindSingleStep   EventKind = 1
	EventKindBreakpoint   EventKind = 2
	EventKindException    EventKind = 4
	EventKindThreadStart  EventKind = 6
	EventKindThreadDeath  EventKind = 7
	EventKindClassPrepare EventKind = 8
	EventKindClassUnload  EventKind = 9
	EventKindMethodEntry  EventKind = 40
	EventKindMethodExit   EventKind = 41
	EventKindVMStart      EventKind = 90
	EventKindVMDeath      EventKind = 99
)

func (k EventKind) String() string {
	switch k {
	case EventKindSingleStep:
		return "SingleStep"
	case EventKindBreakpoint:
		return "Breakpoint"
	case EventKindException:
		return "Exception"
	case EventKindThreadStart:
		return "ThreadStart"
	case EventKindThreadDeath:
		return "ThreadDeath"
	case EventKindClassPrepare:
		return "ClassPrepare"
	case EventKindClassUnload:
		return "ClassUnload"
	case EventKindMethodEntry:
		return "MethodEntry"
	case EventKindMethodExit:
		return "MethodExit"
	case EventKindVMStart:
		return "VMStart"
	case EventKindVMDeath:
		return "VMDeath"
	}
	return fmt.Sprintf("EventKind<%d>", uint8(k))
}

// SuspendPolicy states which threads an event stops.
type SuspendPolicy uint8

const (
	SuspendNone        SuspendPolicy = 0
	SuspendEventThread SuspendPolicy = 1
	SuspendAll         SuspendPolicy = 2
)

func (p SuspendPolicy) String() string {
	switch p {
	case SuspendNone:
		return "none"
	case SuspendEventThread:
		return "event-thread"
	case SuspendAll:
		return "all"
	}
	return fmt.Sprintf("SuspendPolicy<%d>", uint8(p))
}

// ClassStatus bits reported in class-prepare events.
const (
	ClassStatusVerified    uint32 = 1
	ClassStatusPrepared    uint32 = 2
	ClassStatusInitialized uint32 = 4
)
